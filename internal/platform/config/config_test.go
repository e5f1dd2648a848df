package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbitguard/internal/ledger"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.Equal(t, ledger.DefaultMaxRetries, cfg.Ledger.MaxRetries)
	assert.Equal(t, ledger.DefaultRetryBase, cfg.Ledger.RetryBackoff)
	assert.Equal(t, "orbitguard.decisions", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Empty(t, cfg.Redis.URL)
	assert.Empty(t, cfg.JWTSigningKey)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ORBITGUARD_ADDR", ":9090")
	t.Setenv("ORBITGUARD_LEDGER_DRIVER", "postgres")
	t.Setenv("ORBITGUARD_LEDGER_RETRY_BACKOFF", "10ms")
	t.Setenv("ORBITGUARD_KAFKA_BROKERS", "a:9092, b:9092,a:9092,")
	t.Setenv("ORBITGUARD_BATCH_PARALLELISM", "0")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "postgres", cfg.Ledger.Driver)
	assert.Equal(t, 10*time.Millisecond, cfg.Ledger.RetryBackoff)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 1, cfg.Parallelism)
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("ORBITGUARD_LEDGER_MAX_RETRIES", "many")
	_, err := FromEnv()
	require.Error(t, err)
}
