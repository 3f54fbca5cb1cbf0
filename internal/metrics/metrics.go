// Package metrics exposes the gateway's Prometheus collectors: connection
// and session gauges, lifecycle and failure counters, PTY I/O byte counters,
// and an HTTP request-latency histogram, registered against a dedicated registry rather than the
// global default so tests can spin up an isolated one.
//
// This supersedes the teacher's internal/observability package, whose
// Metrics type was an unused in-process counter map with no HTTP exposition
// and no call sites anywhere in the codebase.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every metric the gateway records.
type Collectors struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	ActiveProcesses   prometheus.Gauge

	AuthFailuresTotal  *prometheus.CounterVec
	RateLimitHitsTotal *prometheus.CounterVec

	SessionsCreatedTotal   prometheus.Counter
	SessionsDestroyedTotal *prometheus.CounterVec

	PTYBytesInTotal  prometheus.Counter
	PTYBytesOutTotal prometheus.Counter

	DroppedFramesTotal prometheus.Counter

	RequestDuration *prometheus.HistogramVec
}

// New builds a Collectors bundle and registers every metric against a fresh
// registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		registry: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termgateway",
			Name:      "active_connections",
			Help:      "Number of currently open WebSocket terminal connections.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termgateway",
			Name:      "active_sessions",
			Help:      "Number of sessions currently tracked by the registry.",
		}),
		ActiveProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termgateway",
			Name:      "active_processes",
			Help:      "Number of live PTY-backed shell processes.",
		}),
		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termgateway",
			Name:      "auth_failures_total",
			Help:      "Authentication failures by stable error code.",
		}, []string{"code"}),
		RateLimitHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termgateway",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the rate limiter, by dimension.",
		}, []string{"dimension"}),
		SessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termgateway",
			Name:      "sessions_created_total",
			Help:      "Total sessions created since startup.",
		}),
		SessionsDestroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termgateway",
			Name:      "sessions_destroyed_total",
			Help:      "Total sessions destroyed since startup, by reason.",
		}, []string{"reason"}),
		PTYBytesInTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termgateway",
			Name:      "pty_bytes_in_total",
			Help:      "Total bytes written into PTY processes (keystrokes).",
		}),
		PTYBytesOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termgateway",
			Name:      "pty_bytes_out_total",
			Help:      "Total bytes read from PTY processes (shell output).",
		}),
		DroppedFramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termgateway",
			Name:      "dropped_frames_total",
			Help:      "PTY output frames dropped because a subscriber fell too far behind.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "termgateway",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status_class"}),
	}

	reg.MustRegister(
		c.ActiveConnections,
		c.ActiveSessions,
		c.ActiveProcesses,
		c.AuthFailuresTotal,
		c.RateLimitHitsTotal,
		c.SessionsCreatedTotal,
		c.SessionsDestroyedTotal,
		c.PTYBytesInTotal,
		c.PTYBytesOutTotal,
		c.DroppedFramesTotal,
		c.RequestDuration,
	)

	return c
}

// Handler returns the /metrics HTTP exposition handler for this registry.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
