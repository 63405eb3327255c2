package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики сервиса портфеля
// ============================================================
//
// Экспортируются через /metrics (promhttp).

const namespace = "portfolio"

// ============ Вызовы бирж ============

// ExchangeCalls - завершённые вызовы бирж по итоговому виду ошибки ("ok" при успехе)
var ExchangeCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "calls_total",
		Help:      "Completed exchange calls by outcome",
	},
	[]string{"exchange", "operation", "result"},
)

// ExchangeRetries - повторные попытки по виду ошибки
var ExchangeRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "retries_total",
		Help:      "Retried exchange call attempts by error kind",
	},
	[]string{"exchange", "kind"},
)

// ExchangeCallDuration - длительность вызова с учётом повторов
var ExchangeCallDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "call_duration_seconds",
		Help:      "Exchange call duration including retries",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	},
	[]string{"exchange", "operation"},
)

// ============ Кэш клиентов ============

// ClientCacheEvents - hit, miss, evict, invalidate
var ClientCacheEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client_cache",
		Name:      "events_total",
		Help:      "Exchange client cache events",
	},
	[]string{"event"},
)

var ClientCacheSize = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "client_cache",
		Name:      "entries",
		Help:      "Live exchange client handles",
	},
)

// ============ Нормализация ============

// InferredSides - записи, где сторона ордера/позиции подставлена по умолчанию
var InferredSides = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "normalizer",
		Name:      "inferred_sides_total",
		Help:      "Orders and positions whose side was defaulted",
	},
	[]string{"exchange", "record"},
)

// ============ Агрегация ============

var AggregationDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "duration_seconds",
		Help:      "Complete portfolio aggregation duration",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	},
)

// ExchangeResults - результат по бирже внутри агрегации: ok или вид ошибки
var ExchangeResults = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "exchange_results_total",
		Help:      "Per-exchange results inside portfolio aggregation",
	},
	[]string{"exchange", "result"},
)

// PriceLookups - cache_hit, fetched, stable, failed
var PriceLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pricing",
		Name:      "lookups_total",
		Help:      "USD price lookups by outcome",
	},
	[]string{"result"},
)

// ============ HTTP ============

var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status",
	},
	[]string{"method", "route", "status"},
)

var HTTPDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route"},
)

// ============ Хелперы ============

// ObserveCall записывает итог вызова биржи
func ObserveCall(exchange, operation, result string, started time.Time) {
	ExchangeCalls.WithLabelValues(exchange, operation, result).Inc()
	ExchangeCallDuration.WithLabelValues(exchange, operation).Observe(time.Since(started).Seconds())
}

// RecordRetry записывает повторную попытку
func RecordRetry(exchange, kind string) {
	ExchangeRetries.WithLabelValues(exchange, kind).Inc()
}

// RecordCacheEvent увеличивает счётчик события кэша клиентов
func RecordCacheEvent(event string, n int) {
	if n <= 0 {
		return
	}
	ClientCacheEvents.WithLabelValues(event).Add(float64(n))
}

// SetCacheSize обновляет gauge размера кэша
func SetCacheSize(n int) {
	ClientCacheSize.Set(float64(n))
}

// RecordInferredSide отмечает подставленную сторону
func RecordInferredSide(exchange, record string) {
	InferredSides.WithLabelValues(exchange, record).Inc()
}

// RecordExchangeResult записывает результат биржи в агрегации
func RecordExchangeResult(exchange, result string) {
	ExchangeResults.WithLabelValues(exchange, result).Inc()
}

// RecordPriceLookup записывает исход запроса цены
func RecordPriceLookup(result string) {
	PriceLookups.WithLabelValues(result).Inc()
}

// ObserveHTTP записывает метрики HTTP запроса
func ObserveHTTP(method, route string, status int, started time.Time) {
	HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
