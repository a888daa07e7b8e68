package command

import "github.com/prometheus/client_golang/prometheus"

var (
	commandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bote_commands_dispatched_total",
			Help: "Total number of updates routed, by terminal result.",
		},
		[]string{"result"},
	)

	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bote_command_duration_seconds",
			Help:    "Command handler duration in seconds, by top-level command.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(commandsDispatched, commandDuration)
}
