// Package metrics holds the Prometheus collectors shared by the governor,
// the backends and the HTTP layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Admissions counts governor decisions by outcome
	// (allowed, blocked, rate-exceeded, error).
	Admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgate_admissions_total",
		Help: "Governor admission decisions by outcome",
	}, []string{"outcome"})

	Escalations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ytgate_escalations_total",
		Help: "Clients escalated from a rate window to a timed block",
	})

	AdminActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgate_admin_actions_total",
		Help: "Admin write operations by action",
	}, []string{"action"})

	JanitorEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgate_janitor_evictions_total",
		Help: "Entries evicted by the janitor, by kind (window, block)",
	}, []string{"kind"})

	JanitorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ytgate_janitor_errors_total",
		Help: "Janitor sweeps that failed or panicked",
	})

	BackendRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgate_backend_requests_total",
		Help: "Backend calls by backend, operation and result",
	}, []string{"backend", "op", "result"})

	DownloadBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ytgate_download_bytes_total",
		Help: "Bytes streamed to clients, by backend",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(
		Admissions,
		Escalations,
		AdminActions,
		JanitorEvictions,
		JanitorErrors,
		BackendRequests,
		DownloadBytes,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
