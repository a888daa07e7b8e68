package transport

import "github.com/prometheus/client_golang/prometheus"

var relaysConnected = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "bote_relays_connected",
	Help: "Number of relays currently connected to the gateway.",
})

func init() {
	prometheus.MustRegister(relaysConnected)
}
