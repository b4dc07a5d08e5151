package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_executions_total",
			Help: "Finished executions by terminal status.",
		},
		[]string{"status"},
	)

	activeExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchyard_active_executions",
			Help: "Executions currently running.",
		},
	)

	executionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switchyard_execution_duration_seconds",
			Help:    "Wall time from submit to terminal status.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal, activeExecutions, executionDuration)
}
