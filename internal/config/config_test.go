package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DISCOUNT_ENGINE_SERVICE_URL", "http://discount-engine:8080")
	t.Setenv("TAX_CALCULATION_SERVICE_URL", "http://tax-engine:8080")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "checkout-orchestrator", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "checkout-orchestrator-group", cfg.Kafka.ConsumerGroup)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3, cfg.Pricing.MaxAttempts)
	assert.Equal(t, "", cfg.Redis.Addr)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFromEnvironment(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("USE_IN_MEMORY_DB", "true")
	t.Setenv("SAGA_STAGE_TIMEOUT", "90s")
	t.Setenv("APP_ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Database.UseInMemory)
	assert.Equal(t, "90s", cfg.Saga.StageTimeout.String())
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
}

func TestLoadRequiresPricingURLs(t *testing.T) {
	t.Setenv("DISCOUNT_ENGINE_SERVICE_URL", "")
	t.Setenv("TAX_CALCULATION_SERVICE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISCOUNT_ENGINE_SERVICE_URL")

	t.Setenv("DISCOUNT_ENGINE_SERVICE_URL", "http://discount-engine:8080")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TAX_CALCULATION_SERVICE_URL")
}

func TestValidateRejectsBadValues(t *testing.T) {
	setRequired(t)
	t.Setenv("PRICING_MAX_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRICING_MAX_ATTEMPTS")
}
