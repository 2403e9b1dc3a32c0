package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько заняла проверка платежа (evaluate)
	EvaluateDuration *prometheus.HistogramVec

	// Decisions: решения по причинам (approved/blocked)
	Decisions *prometheus.CounterVec

	// Settlements: исходы расчета (success/failure/expired)
	Settlements *prometheus.CounterVec

	// Errors: отказы по fail-closed (storage, overflow)
	ErrorTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EvaluateDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aperture_evaluate_duration_seconds",
			Help:    "Histogram of payment evaluation latencies.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"decision"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_decisions_total",
			Help: "Total number of payment decisions by decision and reason.",
		}, []string{"decision", "reason"}),

		Settlements: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_settlements_total",
			Help: "Total number of settled reservations by stage.",
		}, []string{"stage"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_errors_total",
			Help: "Total number of fail-closed errors by operation.",
		}, []string{"op"}), // evaluate, settle, sweep
	}
}
