package middleware

import (
	"net/http"
	"runtime/debug"

	"portfolio/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Паника логируется со stack trace, клиент получает 500 без подробностей,
// сервер продолжает обрабатывать следующие запросы.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}

					log.Error("panic in http handler",
						utils.Method(r.Method),
						utils.Path(r.URL.Path),
						utils.RequestID(RequestIDFromContext(r.Context())),
						utils.Any("panic", rec),
						utils.String("stack", string(debug.Stack())),
					)

					writeJSONError(w, http.StatusInternalServerError, "Internal server error", "")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
