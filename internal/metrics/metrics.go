// Package metrics provides Prometheus metrics for monitoring the proxy.
// The collectors are registered on the default registry and served from a
// dedicated listener so the WebDriver surface stays protocol-clean.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts handled requests by method and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenon_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"method", "status"},
	)

	// RequestDuration tracks request duration by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xenon_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"method"},
	)

	// SessionsActive shows the number of sessions in the directory.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xenon_sessions_active",
			Help: "Active sessions in the session directory",
		},
	)

	// SessionsCreated counts successful session creations by upstream kind.
	SessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenon_sessions_created_total",
			Help: "Total sessions created",
		},
		[]string{"upstream"},
	)

	// ProcessesLive shows live driver processes per browser kind.
	ProcessesLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xenon_driver_processes",
			Help: "Live webdriver processes",
		},
		[]string{"browser"},
	)

	// PortsLeased shows the number of currently leased ports.
	PortsLeased = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xenon_ports_leased",
			Help: "Leased ports in the port pool",
		},
	)

	// NodesReachable shows reachable peer nodes.
	NodesReachable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xenon_nodes_reachable",
			Help: "Peer nodes whose last poll succeeded",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		SessionsActive,
		SessionsCreated,
		ProcessesLive,
		PortsLeased,
		NodesReachable,
	)
}

// ObserveRequest records one handled request.
func ObserveRequest(method string, status int, duration time.Duration) {
	RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
