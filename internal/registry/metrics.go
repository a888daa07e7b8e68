package registry

import "github.com/prometheus/client_golang/prometheus"

var (
	pluginsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bote_plugins_loaded",
		Help: "Number of plugins currently loaded.",
	})

	loadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bote_plugin_load_failures_total",
		Help: "Total number of plugin directory entries that failed to load.",
	})
)

func init() {
	prometheus.MustRegister(pluginsLoaded, loadFailures)
}
