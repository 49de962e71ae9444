// Package metrics exposes Prometheus counters for the collaboration server.
// A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatndev"

type Registry struct {
	reg *prometheus.Registry

	connections   prometheus.Gauge
	rooms         prometheus.Gauge
	messages      *prometheus.CounterVec
	assistant     *prometheus.CounterVec
	assistantTime prometheus.Histogram
	sandboxRuns   *prometheus.CounterVec
	persistFail   prometheus.Counter
	dropped       prometheus.Counter
	rejected      *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open room connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms",
			Help: "Rooms with at least one member.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "Project messages accepted, by kind.",
		}, []string{"kind"}),
		assistant: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "assistant_requests_total",
			Help: "Assistant invocations, by outcome.",
		}, []string{"outcome"}),
		assistantTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "assistant_seconds",
			Help:    "Assistant generation latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		sandboxRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sandbox_runs_total",
			Help: "Sandbox run attempts, by result.",
		}, []string{"result"}),
		persistFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "persistence_failures_total",
			Help: "Messages that could not be stored.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_dropped_total",
			Help: "Output frames skipped for slow members plus members closed for falling behind.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshake_rejected_total",
			Help: "Rejected connection attempts, by reason.",
		}, []string{"reason"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.connections, r.rooms, r.messages, r.assistant, r.assistantTime,
		r.sandboxRuns, r.persistFail, r.dropped, r.rejected,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) ConnOpened() {
	if r != nil {
		r.connections.Inc()
	}
}

func (r *Registry) ConnClosed() {
	if r != nil {
		r.connections.Dec()
	}
}

func (r *Registry) SetRooms(n int) {
	if r != nil {
		r.rooms.Set(float64(n))
	}
}

func (r *Registry) Message(kind string) {
	if r != nil {
		r.messages.WithLabelValues(kind).Inc()
	}
}

// Assistant records one invocation. outcome is "ok", "greeting" or "failed".
func (r *Registry) Assistant(outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.assistant.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		r.assistantTime.Observe(seconds)
	}
}

func (r *Registry) SandboxRun(result string) {
	if r != nil {
		r.sandboxRuns.WithLabelValues(result).Inc()
	}
}

func (r *Registry) PersistFailed() {
	if r != nil {
		r.persistFail.Inc()
	}
}

func (r *Registry) Dropped() {
	if r != nil {
		r.dropped.Inc()
	}
}

func (r *Registry) Rejected(reason string) {
	if r != nil {
		r.rejected.WithLabelValues(reason).Inc()
	}
}
