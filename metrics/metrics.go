// Package metrics exposes the runtime's own health as Prometheus gauges:
// event-queue depth and drop count, live socket count, and live binder
// (host UDP socket) count. Narrowed from oriys-nova's broader
// invocation/VM/autoscaling metrics down to what this core actually has to
// report, following the same "own *prometheus.Registry, GaugeFunc pulls
// from live collaborators, promhttp.HandlerFor for exposition" shape as
// oriys-nova/internal/metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EventQueue is the subset of events.Queue this package reads from.
type EventQueue interface {
	Depth() int
	Dropped() uint64
}

// Binder is the subset of binder.Binder this package reads from.
type Binder interface {
	Count() int
}

// SocketTable is the subset of socket.Table this package reads from.
type SocketTable interface {
	Count() int
}

// Metrics owns a private Prometheus registry wired to GaugeFuncs that pull
// current values from the runtime's live collaborators; nothing here is
// pushed, every scrape re-reads the source of truth.
type Metrics struct {
	registry *prometheus.Registry
}

// New registers the standard Go/process collectors plus GaugeFuncs over
// eq, bnd and sockets. Any of the three may be nil, in which case that
// gauge always reports 0 (useful for an embedder that hasn't wired a
// socket table yet, say).
func New(namespace string, eq EventQueue, bnd Binder, sockets SocketTable) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Number of events enqueued but not yet delivered.",
		},
		func() float64 {
			if eq == nil {
				return 0
			}
			return float64(eq.Depth())
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_dropped_total",
			Help:      "Events dropped so far because the queue was full.",
		},
		func() float64 {
			if eq == nil {
				return 0
			}
			return float64(eq.Dropped())
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "binder_bindings",
			Help:      "Number of live host UDP sockets the binder currently holds open.",
		},
		func() float64 {
			if bnd == nil {
				return 0
			}
			return float64(bnd.Count())
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_open",
			Help:      "Number of live application sockets in the socket façade.",
		},
		func() float64 {
			if sockets == nil {
				return 0
			}
			return float64(sockets.Count())
		},
	))

	return &Metrics{registry: registry}
}

// Handler returns an http.Handler serving this registry's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
