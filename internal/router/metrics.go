package router

import "github.com/prometheus/client_golang/prometheus"

var fastpathMatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "switchyard_fastpath_matches_total",
		Help: "Requests short-circuited by the keyword fast path.",
	},
	[]string{"action", "target"},
)

func init() {
	prometheus.MustRegister(fastpathMatches)
}
