package worker

import "github.com/prometheus/client_golang/prometheus"

// Command labels that stand in for names outside the command table, so
// arbitrary input cannot grow label cardinality.
const (
	cmdUnknown = "unknown"
	cmdInvalid = "invalid"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmworker_commands_total",
			Help: "Total number of processed commands.",
		},
		[]string{"cmd", "status"},
	)

	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmworker_command_duration_seconds",
			Help:    "Command processing duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(commandDuration)
}
