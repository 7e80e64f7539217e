// Package metrics содержит счётчики Prometheus для операций магазина.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Результаты операций, используемые как значение метки result.
const (
	ResultBalance      = "balance"
	ResultInvoice      = "invoice"
	ResultOutOfStock   = "out_of_stock"
	ResultGatewayError = "gateway_error"
	ResultError        = "error"

	ResultFulfilled = "fulfilled"
	ResultCredited  = "credited"
	ResultDuplicate = "duplicate"
	ResultUnknown   = "unknown"
	ResultIgnored   = "ignored"
)

// Metrics содержит счётчики запросов на покупку и входящих платёжных
// уведомлений.
type Metrics struct {
	registry *prometheus.Registry

	purchases     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	requests      *prometheus.HistogramVec
}

// New создаёт набор метрик с собственным реестром.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		purchases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopcore",
			Name:      "purchases_total",
			Help:      "Purchase requests by outcome.",
		}, []string{"result"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopcore",
			Name:      "notifications_total",
			Help:      "Inbound payment notifications by outcome.",
		}, []string{"result"}),
		requests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shopcore",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "status"}),
	}
}

// Purchase учитывает исход запроса на покупку.
func (m *Metrics) Purchase(result string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(result).Inc()
}

// Notification учитывает исход обработки платёжного уведомления.
func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// ObserveRequest учитывает длительность HTTP-запроса.
func (m *Metrics) ObserveRequest(path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, status).Observe(seconds)
}

// Handler возвращает HTTP-обработчик, отдающий метрики реестра.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
