// Package metrics exposes Prometheus collectors for agents, controllers
// and the directory server. Every method is safe on a nil *Registry so
// components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netctl"

// Registry holds all collectors on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	// Command channel
	CommandsTotal    *prometheus.CounterVec
	RoundtripSeconds *prometheus.HistogramVec

	// Controller
	PeerTransitions *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	EventsDropped   prometheus.Counter

	// Streaming
	StreamFrames     *prometheus.CounterVec
	StreamSuppressed prometheus.Counter
	StreamBytes      prometheus.Counter
	StreamViewers    prometheus.Gauge
	InputEvents      *prometheus.CounterVec
}

// New creates a registry with process and Go runtime collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	r := &Registry{reg: reg}

	r.CommandsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Commands handled, by command and response status",
	}, []string{"command", "status"})

	r.RoundtripSeconds = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "roundtrip_seconds",
		Help:      "Controller command round-trip latency",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2, 5, 10, 30},
	}, []string{"command"})

	r.PeerTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peer_transitions_total",
		Help:      "Peer connection state transitions, by target state",
	}, []string{"state"})

	r.RetriesTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peer_retries_scheduled_total",
		Help:      "Reconnect timers scheduled",
	})

	r.EventsDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Status events dropped because the consumer was slow",
	})

	r.StreamFrames = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_frames_total",
		Help:      "Image frames sent, by classification",
	}, []string{"kind"})

	r.StreamSuppressed = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_frames_suppressed_total",
		Help:      "Captured frames not sent because nothing significant changed",
	})

	r.StreamBytes = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_bytes_total",
		Help:      "Encoded image bytes sent to viewers",
	})

	r.StreamViewers = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_viewers",
		Help:      "Connected stream viewers",
	})

	r.InputEvents = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "input_events_total",
		Help:      "Input events received from viewers, by type",
	}, []string{"type"})

	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (r *Registry) GaugeFunc(name, help string, fn func() float64) {
	if r == nil {
		return
	}
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CommandHandled counts a dispatched command.
func (r *Registry) CommandHandled(command, status string) {
	if r == nil {
		return
	}
	r.CommandsTotal.WithLabelValues(command, status).Inc()
}

// Roundtrip records controller-side latency for command.
func (r *Registry) Roundtrip(command string, d time.Duration) {
	if r == nil {
		return
	}
	r.RoundtripSeconds.WithLabelValues(command).Observe(d.Seconds())
}

// Transition counts a peer state change.
func (r *Registry) Transition(state string) {
	if r == nil {
		return
	}
	r.PeerTransitions.WithLabelValues(state).Inc()
}

// RetryScheduled counts a reconnect timer.
func (r *Registry) RetryScheduled() {
	if r == nil {
		return
	}
	r.RetriesTotal.Inc()
}

// EventDropped counts a dropped status event.
func (r *Registry) EventDropped() {
	if r == nil {
		return
	}
	r.EventsDropped.Inc()
}

// FrameSent counts an image frame of the given classification.
func (r *Registry) FrameSent(kind string, size int) {
	if r == nil {
		return
	}
	r.StreamFrames.WithLabelValues(kind).Inc()
	r.StreamBytes.Add(float64(size))
}

// FrameSuppressed counts a captured frame that was not sent.
func (r *Registry) FrameSuppressed() {
	if r == nil {
		return
	}
	r.StreamSuppressed.Inc()
}

// ViewerDelta adjusts the connected viewer gauge.
func (r *Registry) ViewerDelta(d float64) {
	if r == nil {
		return
	}
	r.StreamViewers.Add(d)
}

// InputEvent counts a received input event of type typ.
func (r *Registry) InputEvent(typ string) {
	if r == nil {
		return
	}
	r.InputEvents.WithLabelValues(typ).Inc()
}
