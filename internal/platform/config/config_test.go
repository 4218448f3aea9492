package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DEPOSIT_ADDRESS", "rDeposit")
	t.Setenv("ISSUER_ADDRESS", "rIssuer")
}

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		setRequired(t)
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, 10*time.Second, cfg.Watcher.PollInterval)
		assert.True(t, cfg.Matching.Tolerance.Equal(decimal.RequireFromString("0.01")))
		assert.True(t, cfg.Issuance.Rate.Equal(decimal.NewFromInt(1)))
		assert.Equal(t, LeaseBackendMemory, cfg.Issuance.LeaseBackend)
		assert.Nil(t, cfg.Ledger.TreasuryTag)
		assert.Equal(t, TraceExporterNone, cfg.Tracing.Exporter)
		assert.Equal(t, uint32(20), cfg.Ledger.LedgerWindow)
		assert.Equal(t, uint64(1000), cfg.Ledger.MaxFeeDrops)
	})

	t.Run("postgres lease is the default when a database is configured", func(t *testing.T) {
		setRequired(t)
		t.Setenv("DATABASE_URL", "postgres://localhost/tokenfund")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, LeaseBackendPostgres, cfg.Issuance.LeaseBackend)
	})

	t.Run("parses overrides", func(t *testing.T) {
		setRequired(t)
		t.Setenv("POLL_INTERVAL", "3s")
		t.Setenv("CONVERSION_RATE", "0.5")
		t.Setenv("TREASURY_DESTINATION_TAG", "12345")
		t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, cfg.Watcher.PollInterval)
		assert.True(t, cfg.Issuance.Rate.Equal(decimal.RequireFromString("0.5")))
		require.NotNil(t, cfg.Ledger.TreasuryTag)
		assert.Equal(t, uint32(12345), *cfg.Ledger.TreasuryTag)
		assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		setRequired(t)
		t.Setenv("POLL_INTERVAL", "soon")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "POLL_INTERVAL")
	})

	t.Run("requires ledger accounts", func(t *testing.T) {
		t.Setenv("DEPOSIT_ADDRESS", "")
		t.Setenv("ISSUER_ADDRESS", "")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DEPOSIT_ADDRESS")
		assert.Contains(t, err.Error(), "ISSUER_ADDRESS")
	})

	t.Run("redis lease requires a redis url", func(t *testing.T) {
		setRequired(t)
		t.Setenv("LEASE_BACKEND", "redis")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("otlp tracing requires an endpoint", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TRACE_EXPORTER", "otlp")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "OTEL_EXPORTER_OTLP_ENDPOINT")
	})

	t.Run("rejects unknown trace exporters", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TRACE_EXPORTER", "zipkin")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TRACE_EXPORTER")
	})
}
