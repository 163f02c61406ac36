package redstone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("order-service", "8081")
	require.NoError(t, err)

	assert.Equal(t, "order-service", cfg.ServiceName)
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, BrokerKafka, cfg.Broker)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 5, cfg.Outbox.MaxAttempts)
	assert.Equal(t, map[string]int64{"SKU-RED-1": 100, "SKU-RED-2": 50}, cfg.InventorySeed)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BROKER", "RabbitMQ")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RETRY_MAX", "5")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("INVENTORY_SEED", "A=1, B=2")
	t.Setenv("DATABASE_URL", "postgres://localhost/orders")

	cfg, err := LoadConfig("inventory-service", "8082")
	require.NoError(t, err)
	assert.Equal(t, BrokerRabbitMQ, cfg.Broker)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.Equal(t, map[string]int64{"A": 1, "B": 2}, cfg.InventorySeed)
	assert.NoError(t, cfg.Validate(true))
}

func TestLoadConfigCollectsErrors(t *testing.T) {
	t.Setenv("RETRY_MAX", "three")
	t.Setenv("SAGA_TIMEOUT", "soon")
	t.Setenv("INVENTORY_SEED", "A")

	_, err := LoadConfig("order-service", "8081")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RETRY_MAX")
	assert.Contains(t, err.Error(), "SAGA_TIMEOUT")
	assert.Contains(t, err.Error(), "INVENTORY_SEED")
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig("order-service", "8081")
	require.NoError(t, err)

	assert.EqualError(t, cfg.Validate(true), "DATABASE_URL is required")
	assert.NoError(t, cfg.Validate(false))

	bad := cfg
	bad.Broker = "nats"
	assert.Error(t, bad.Validate(false))

	bad = cfg
	bad.ConsumerConcurrency = 0
	assert.Error(t, bad.Validate(false))
}
