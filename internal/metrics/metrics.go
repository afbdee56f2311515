// Package metrics holds the Prometheus instrumentation for the tunnel
// routing engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the server exposes on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	TunnelsActive     prometheus.Gauge
	TunnelsCreated    prometheus.Counter
	TunnelsEnded      *prometheus.CounterVec
	PoolSocketsIdle   prometheus.Gauge
	PoolWaitersQueued prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	InjectionErrors   *prometheus.CounterVec
}

// New creates a dedicated Prometheus registry and registers every collector
// against it. A per-instance registry (rather than the global default) lets
// the server and its tests construct more than one Metrics in the same
// process without colliding on collector names.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TunnelsActive: fac.NewGauge(prometheus.GaugeOpts{
			Name: "subtun_tunnels_active",
			Help: "Number of tunnels currently registered",
		}),
		TunnelsCreated: fac.NewCounter(prometheus.CounterOpts{
			Name: "subtun_tunnels_created_total",
			Help: "Total tunnels ever created",
		}),
		TunnelsEnded: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "subtun_tunnels_ended_total",
			Help: "Total tunnels ended, labeled by reason",
		}, []string{"reason"}),
		PoolSocketsIdle: fac.NewGauge(prometheus.GaugeOpts{
			Name: "subtun_pool_sockets_idle",
			Help: "Sum of idle tunnel sockets across all pools",
		}),
		PoolWaitersQueued: fac.NewGauge(prometheus.GaugeOpts{
			Name: "subtun_pool_waiters_queued",
			Help: "Sum of queued waiters across all pools",
		}),
		RequestsTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "subtun_requests_total",
			Help: "Public requests dispatched, labeled by outcome",
		}, []string{"outcome"}),
		InjectionErrors: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "subtun_injection_errors_total",
			Help: "Errors writing/reading on a borrowed tunnel socket, labeled by stage",
		}, []string{"stage"}),
	}
}
