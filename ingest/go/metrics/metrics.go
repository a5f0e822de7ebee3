// Package metrics exposes the pipeline's Prometheus counters and a
// /metrics handler, registered against a private package-level registry
// rather than the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	AlertsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alertingest_alerts_processed_total",
		Help: "Alerts successfully processed, by topic.",
	}, []string{"topic"})

	AlertsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alertingest_alerts_dropped_total",
		Help: "Alerts dropped as per-alert fatal failures, by topic and stage.",
	}, []string{"topic", "stage"})

	FilterMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alertingest_filter_matches_total",
		Help: "Alerts matching each active filter, by filter id.",
	}, []string{"filter_id"})

	WorkersSpawned = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alertingest_workers_on_watch",
		Help: "Worker processes currently tracked as alive, by survey.",
	}, []string{"survey"})

	PostFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alertingest_downstream_post_failures_total",
		Help: "Downstream portal post failures, by endpoint.",
	}, []string{"endpoint"})
)

func init() {
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		AlertsProcessed,
		AlertsDropped,
		FilterMatches,
		WorkersSpawned,
		PostFailures,
	)
}

// Serve starts an HTTP server exposing /metrics on addr. Intended to run
// in its own goroutine; the caller decides whether its failure is fatal.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return http.ListenAndServe(addr, mux)
}
