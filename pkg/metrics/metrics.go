// Package metrics exposes a small set of prometheus counters/gauges
// describing the reconciliation loop's health: reconciliation count,
// installed peer/route counts, and directory failure counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliations counts FIB rebuild-and-apply cycles the watcher has
	// driven to completion.
	Reconciliations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "amesh",
		Name:      "reconciliations_total",
		Help:      "Total number of FIB reconciliation cycles applied by the watcher.",
	})

	// InstalledPeers reports the size of the currently-installed peer set.
	InstalledPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "amesh",
		Name:      "installed_peers",
		Help:      "Number of WireGuard peers currently installed on the host.",
	})

	// InstalledRoutes reports the size of the currently-installed route set.
	InstalledRoutes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "amesh",
		Name:      "installed_routes",
		Help:      "Number of kernel routes currently installed by amesh.",
	})

	// DirectoryFailures counts every failed worker cycle (each retry counts
	// once), labeled by which loop saw it.
	DirectoryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amesh",
		Name:      "directory_failures_total",
		Help:      "Directory client failures observed, by worker.",
	}, []string{"worker"})

	// LeaseReallocations counts how many times the maintainer has had to
	// reallocate its lease from scratch (expired lease, transient restart).
	LeaseReallocations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "amesh",
		Name:      "lease_reallocations_total",
		Help:      "Number of times the maintainer reallocated its lease.",
	})
)

// MustRegister registers every collector in this package against reg. Call
// once at startup.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(Reconciliations, InstalledPeers, InstalledRoutes, DirectoryFailures, LeaseReallocations)
}

// NewServer builds an HTTP server exposing /metrics on addr, the same shape
// the pack's other retrieved services use to expose a prometheus registry
// next to their main loop rather than folding it into the agent's own
// lifecycle.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
