package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_retries_total",
			Help: "Total number of retries scheduled against collaborators.",
		},
		[]string{"dependency"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchyard_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open).",
		},
		[]string{"name"},
	)

	breakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker.",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(breakerState)
	prometheus.MustRegister(breakerRejections)
}
