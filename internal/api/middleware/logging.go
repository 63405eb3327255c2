package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"portfolio/internal/metrics"
	"portfolio/pkg/utils"
)

// responseWriter запоминает статус и размер ответа
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Logging - middleware для логирования HTTP запросов и метрик
//
// Пишет метод, путь, статус, латентность, адрес клиента и размер ответа.
// Метрики группируются по шаблону маршрута (/api/v1/exchanges/{name}/balance),
// а не по фактическому пути, чтобы не плодить метки.
// 5xx логируются как error, 4xx как warn, остальное как info.
func Logging(log *utils.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			route := routeTemplate(r)
			metrics.ObserveHTTP(r.Method, route, wrapped.statusCode, start)

			fields := []zap.Field{
				utils.Method(r.Method),
				utils.Path(r.URL.Path),
				utils.Status(wrapped.statusCode),
				utils.Latency(float64(duration.Microseconds()) / 1000),
				utils.Remote(r.RemoteAddr),
				utils.Int64("bytes", wrapped.written),
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				fields = append(fields, utils.RequestID(id))
			}

			switch {
			case wrapped.statusCode >= http.StatusInternalServerError:
				log.Error("http request", fields...)
			case wrapped.statusCode >= http.StatusBadRequest:
				log.Warn("http request", fields...)
			default:
				log.Info("http request", fields...)
			}
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
