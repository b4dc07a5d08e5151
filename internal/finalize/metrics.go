package finalize

import "github.com/prometheus/client_golang/prometheus"

var finalizationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "switchyard_finalizations_total",
		Help: "Final message persistence attempts by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(finalizationsTotal)
}
