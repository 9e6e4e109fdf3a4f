package config_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/config"
)

// fakeVault serves one KV v2 secret the way Vault's HTTP API shapes it.
func fakeVault(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/appview", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"data":{
			"DATABASE_URL":"postgres://vault:5432/appview",
			"REDIS_URL":"redis://vault:6379/0"
		},"metadata":{"version":1}}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://jetstream2.us-east.bsky.network/subscribe", cfg.RelayURL)
	assert.True(t, cfg.FirehoseEnabled)
	assert.Equal(t, 0, cfg.BackfillDays)
	assert.Equal(t, "firehose:events", cfg.StreamKey)
	assert.Equal(t, "firehose-processors", cfg.ConsumerGroup)
	assert.Equal(t, int64(500000), cfg.MaxStreamLen)
	assert.Equal(t, int64(10), cfg.MaxDeliveries)
	assert.Equal(t, int64(10000), cfg.DeadLetterMaxLen)
	assert.Equal(t, 5, cfg.ParallelPipelines)
	assert.Equal(t, int64(300), cfg.QueueBatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.QueueBlockDuration)
	assert.Equal(t, 10000, cfg.PendingMaxTotal)
	assert.Equal(t, 100, cfg.PendingMaxPerParent)
	assert.Equal(t, 10*time.Minute, cfg.PendingTTL)
	assert.Equal(t, 5*time.Second, cfg.CursorFlushInterval)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BACKFILL_DAYS", "-1")
	t.Setenv("PARALLEL_PIPELINES", "8")
	t.Setenv("PENDING_TTL", "30s")
	t.Setenv("QUEUE_BLOCK_MS", "250")
	t.Setenv("FIREHOSE_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, -1, cfg.BackfillDays)
	assert.Equal(t, 8, cfg.ParallelPipelines)
	assert.Equal(t, 30*time.Second, cfg.PendingTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.QueueBlockDuration)
	assert.False(t, cfg.FirehoseEnabled)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("BACKFILL_DAYS", "-2")
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_VaultSecrets(t *testing.T) {
	t.Setenv("VAULT_ADDR", fakeVault(t).URL)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://vault:5432/appview", cfg.DatabaseURL)
	assert.Equal(t, "redis://vault:6379/0", cfg.RedisURL)
}

func TestLoad_EnvWinsOverVault(t *testing.T) {
	t.Setenv("VAULT_ADDR", fakeVault(t).URL)
	t.Setenv("DATABASE_URL", "postgres://env:5432/appview")
	t.Setenv("REDIS_URL", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://env:5432/appview", cfg.DatabaseURL)
	assert.Equal(t, "redis://vault:6379/0", cfg.RedisURL)
}

func TestBackfillCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cfg := &config.Config{BackfillDays: 0}
	_, ok := cfg.BackfillCutoff(now)
	assert.False(t, ok, "disabled backfill has no cutoff")

	cfg = &config.Config{BackfillDays: -1}
	_, ok = cfg.BackfillCutoff(now)
	assert.False(t, ok, "total backfill has no cutoff")

	cfg = &config.Config{BackfillDays: 7}
	cutoff, ok := cfg.BackfillCutoff(now)
	require.True(t, ok)
	assert.Equal(t, now.AddDate(0, 0, -7), cutoff)
}
