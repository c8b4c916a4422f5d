// Package metrics exposes Prometheus instrumentation for the polling engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycles counts completed feed cycles by result ("ok" or "error").
var Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rssbot_cycles_total",
	Help: "Completed feed poll cycles by result.",
}, []string{"result"})

// CycleErrors counts cycle failures by the stage that produced them.
var CycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rssbot_cycle_errors_total",
	Help: "Feed cycle errors by pipeline stage.",
}, []string{"stage"})

// EntriesDelivered counts entries successfully posted to webhook targets.
var EntriesDelivered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rssbot_entries_delivered_total",
	Help: "Entries successfully delivered to webhook targets.",
})

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
