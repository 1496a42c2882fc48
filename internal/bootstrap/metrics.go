package bootstrap

import "github.com/prometheus/client_golang/prometheus"

var (
	stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "s201",
		Subsystem: "index_bootstrap",
		Name:      "state",
		Help:      "Bootstrapper state: 0 idle, 1 indexing, 2 succeeded, 3 failed.",
	})

	attemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "s201",
		Subsystem: "index_bootstrap",
		Name:      "attempts_total",
		Help:      "Index rebuild attempts.",
	})
)

// Collectors returns the metrics exported by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{stateGauge, attemptsTotal}
}
