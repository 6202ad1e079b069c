package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "")
	t.Setenv("ORDER_SWEEP_INTERVAL", "")

	cfg := Load()

	assert.Equal(t, "vipps", cfg.Payment.Provider)
	assert.Equal(t, time.Minute, cfg.Registration.SweepInterval)
	assert.Equal(t, "admin", cfg.Auth.AdminRole)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "Stripe")
	t.Setenv("ORDER_SWEEP_INTERVAL", "15s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("DB_MAX_OPEN_CONNS", "not-a-number")

	cfg := Load()

	assert.Equal(t, "stripe", cfg.Payment.Provider)
	assert.Equal(t, 15*time.Second, cfg.Registration.SweepInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}
