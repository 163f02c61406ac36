package redstone

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestObservedLoggerCarriesServiceAndFields(t *testing.T) {
	log, logs := NewObservedLogger("order-service")
	log.With(map[string]any{"order_id": "o1"}).Warn("saga timed out", map[string]any{
		"status": "pending",
		"err":    errors.New("no progress"),
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, zapcore.WarnLevel, e.Level)
	assert.Equal(t, "saga timed out", e.Message)
	fields := e.ContextMap()
	assert.Equal(t, "order-service", fields["service"])
	assert.Equal(t, "o1", fields["order_id"])
	assert.Equal(t, "pending", fields["status"])
	assert.Equal(t, "no progress", fields["err"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	var log *Logger
	assert.NotPanics(t, func() {
		log.Info("ignored", nil)
		log.With(map[string]any{"a": 1}).Error("ignored", nil)
		_ = log.Sync()
	})
}

func TestLoggerLevel(t *testing.T) {
	_, err := NewLoggerWithLevel("svc", "loud")
	assert.Error(t, err)
	l, err := NewLoggerWithLevel("svc", "DEBUG")
	require.NoError(t, err)
	assert.Equal(t, "svc", l.Service)
}
