package server

import "github.com/prometheus/client_golang/prometheus"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bote_http_requests_total",
			Help: "Total number of HTTP requests by route, status and caller kind.",
		},
		[]string{"route", "status", "caller"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bote_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Relay routes measure the whole session.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	httpRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bote_http_rate_limited_total",
			Help: "Requests rejected by the per-caller rate limit.",
		},
		[]string{"caller"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpRateLimited)
}
