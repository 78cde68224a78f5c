package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"dispatchd/internal/store"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "dispatch",
			Name:      "cycles_total",
			Help:      "Dispatch cycles by result",
		},
		[]string{"result"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatchd",
			Subsystem: "dispatch",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of dispatch cycles",
			Buckets:   prometheus.DefBuckets,
		},
	)

	promotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "dispatch",
			Name:      "promotions_total",
			Help:      "Models promoted to active",
		},
		[]string{"source"},
	)

	exhaustionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "dispatch",
			Name:      "exhaustions_total",
			Help:      "Models moved to exhausted after reaching their daily limit",
		},
	)

	registrationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "dispatch",
			Name:      "registration_failures_total",
			Help:      "Definitions the routing layer rejected",
		},
	)

	proxyFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "dispatch",
			Name:      "proxy_fallbacks_total",
			Help:      "Promotions that registered direct routes because the tunnel failed to start",
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "dispatch",
			Name:      "alerts_total",
			Help:      "Low-pool alerts by delivery result",
		},
		[]string{"result"},
	)

	modelsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Subsystem: "dispatch",
			Name:      "models",
			Help:      "Managed models by status after the last cycle",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal, cycleDuration, promotionsTotal, exhaustionsTotal,
		registrationFailuresTotal, proxyFallbacksTotal, alertsTotal, modelsGauge)
}

func observeCounts(counts map[store.Status]int) {
	for st, n := range counts {
		modelsGauge.WithLabelValues(string(st)).Set(float64(n))
	}
}
