package event

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bote_events_emitted_total",
			Help: "Total number of events emitted, by topic.",
		},
		[]string{"topic"},
	)

	handlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bote_event_handler_errors_total",
			Help: "Total number of emissions aborted by a handler error, by topic.",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(eventsEmitted, handlerErrors)
}
