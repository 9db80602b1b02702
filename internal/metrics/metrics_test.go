package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncReconnect("/ws/chat")
	m.IncReconnect("/ws/chat")
	m.SetReady("/ws/chat", true)
	m.ObserveFrame("message_chunk")
	m.ObserveHTTP("POST", 429)
	m.ObserveHTTP("POST", 0)
	m.ObserveTaskPoll("pending")
	m.IncRetry("rate_limited")
	m.IncSessionLost()

	assert.InDelta(t, 2, testutil.ToFloat64(m.reconnects.WithLabelValues("/ws/chat")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ready.WithLabelValues("/ws/chat")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "4xx")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "network")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sessionLost), 0)

	m.SetReady("/ws/chat", false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ready.WithLabelValues("/ws/chat")), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncReconnect("x")
		m.SetReady("x", true)
		m.ObserveFrame("x")
		m.ObserveHTTP("GET", 200)
		m.ObserveTaskPoll("success")
		m.IncRetry("network")
		m.IncSessionLost()
	})
}
