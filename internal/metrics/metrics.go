// Package metrics exports Prometheus counters for the chat core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatlink"

// Metrics groups the collectors recorded by the transport components.
type Metrics struct {
	reconnects   *prometheus.CounterVec
	ready        *prometheus.GaugeVec
	frames       *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	taskPolls    *prometheus.CounterVec
	retries      *prometheus.CounterVec
	sessionLost  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per endpoint",
		}, []string{"endpoint"}),
		ready: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "ready",
			Help:      "1 when the endpoint has completed its handshake",
		}, []string{"endpoint"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "frames_received_total",
			Help:      "Inbound frames by type",
		}, []string{"type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status class",
		}, []string{"method", "class"}),
		taskPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "polls_total",
			Help:      "Task status polls by observed outcome",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "retries_total",
			Help:      "Retries scheduled by error kind",
		}, []string{"kind"}),
		sessionLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_lost_total",
			Help:      "Local session invalidations",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reconnects, m.ready, m.frames, m.httpRequests, m.taskPolls, m.retries, m.sessionLost)
	}
	return m
}

func (m *Metrics) IncReconnect(endpoint string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) SetReady(endpoint string, ready bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	m.ready.WithLabelValues(endpoint).Set(v)
}

func (m *Metrics) ObserveFrame(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
}

// ObserveHTTP records a finished request. status 0 means no response was received.
func (m *Metrics) ObserveHTTP(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, statusClass(status)).Inc()
}

func (m *Metrics) ObserveTaskPoll(outcome string) {
	if m == nil {
		return
	}
	m.taskPolls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRetry(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncSessionLost() {
	if m == nil {
		return
	}
	m.sessionLost.Inc()
}

func statusClass(status int) string {
	if status <= 0 {
		return "network"
	}
	return strconv.Itoa(status/100) + "xx"
}
