package redstone

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCountAndServe(t *testing.T) {
	m := NewMetrics("order-service")
	m.Transition("pending", "inventory_reserved")
	m.Transition("pending", "inventory_reserved")
	m.DeadLettered("poison")
	m.OutboxDepth("pending", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("pending", "inventory_reserved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLettered.WithLabelValues("poison")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.outboxDepth.WithLabelValues("pending")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `redstone_saga_transitions_total{from="pending",service="order-service",to="inventory_reserved"} 2`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Published("order.placed")
		m.Consumed("order.placed", "succeeded")
		m.OutboxDepth("failed", 1)
	})
}
