// Package metrics holds the Prometheus collectors shared by the background
// workers, the HTTP layer, the fan-out hub and the session relay.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pyk8s"

var (
	histogramBuckets     = []float64{1, 5, 15, 30, 60, 120, 300, 600}
	httpHistogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

var (
	WorkflowRuns = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "runs_total",
		Help:      "Count of background workflow outcomes",
	}, []string{"workflow", "outcome"}))

	WorkflowDuration = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "duration_seconds",
		Help:      "Duration of background workflows",
		Buckets:   histogramBuckets,
	}, []string{"workflow"}))

	WorkflowsInFlight = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "in_flight",
		Help:      "Workflows currently holding a worker slot",
	}))

	ReaperClusters = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reaper",
		Name:      "clusters_total",
		Help:      "Clusters reaped, resumed or abandoned by the reaper",
	}, []string{"outcome"}))

	Notifications = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "messages_total",
		Help:      "Status notifications by stage",
	}, []string{"stage"}))

	Connections = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "connections",
		Help:      "Live status stream connections",
	}, []string{"kind"}))

	HTTPRequests = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"}))

	HTTPDuration = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   httpHistogramBuckets,
	}, []string{"method", "route", "status"}))

	RateLimitHits = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route", "key"}))

	TerminalSessions = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "terminal",
		Name:      "sessions",
		Help:      "Active terminal relay sessions",
	}))
)

// register adds c to the default registry, returning the collector already
// registered under the same descriptor when there is one.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
