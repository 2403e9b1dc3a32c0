package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько ответа ждали от платного сервиса
	UpstreamDuration *prometheus.HistogramVec

	// Proxy: запросы через шлюз по итоговому X-Policy-Status
	ProxyRequests *prometheus.CounterVec

	// Состояние предохранителя: 0 closed, 1 half-open, 2 open
	BreakerState prometheus.Gauge

	// Глубина буфера AgentFS
	AuditQueueDepth prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		UpstreamDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aperture_upstream_duration_seconds",
			Help:    "Histogram of paid upstream call latencies.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		ProxyRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_proxy_requests_total",
			Help: "Total number of proxied payment requests by policy status.",
		}, []string{"status"}),

		BreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "aperture_upstream_breaker_state",
			Help: "Circuit breaker state for paid upstreams (0 closed, 1 half-open, 2 open).",
		}),

		AuditQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "aperture_audit_queue_depth",
			Help: "Number of audit records waiting for export.",
		}),
	}
}
