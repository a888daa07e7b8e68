package runtime

import "github.com/prometheus/client_golang/prometheus"

var updatesThrottled = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "bote_updates_throttled_total",
	Help: "Total number of inbound updates dropped by the per-chat rate limit.",
})

func init() {
	prometheus.MustRegister(updatesThrottled)
}
