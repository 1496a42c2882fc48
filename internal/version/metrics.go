package version

import "github.com/prometheus/client_golang/prometheus"

var (
	operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s201",
		Subsystem: "datasets",
		Name:      "operations_total",
		Help:      "Committed dataset lifecycle operations.",
	}, []string{"operation"})

	operationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s201",
		Subsystem: "datasets",
		Name:      "operation_errors_total",
		Help:      "Dataset lifecycle operations that were rolled back.",
	}, []string{"operation"})
)

// Collectors returns the metrics exported by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{operations, operationErrors}
}
