package subscription

import "github.com/prometheus/client_golang/prometheus"

var (
	subscriptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s201",
		Subsystem: "subscriptions",
		Name:      "changes_total",
		Help:      "Subscriptions created and removed.",
	}, []string{"change"})

	notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s201",
		Subsystem: "subscriptions",
		Name:      "notifications_total",
		Help:      "Dataset changes matched to a subscription.",
	}, []string{"operation"})
)

// Collectors returns the metrics exported by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{subscriptionsTotal, notifications}
}
