// Package config loads the env-shaped runtime configuration for the AppView.
//
// Every variable has a working default so a bare `cmd/api` run against local
// Postgres and Redis needs no environment at all. Secrets (DATABASE_URL,
// REDIS_URL) may alternatively be served from Vault KV v2 when VAULT_ADDR is
// set; explicit environment variables always win over Vault values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration. One instance is built in main and
// handed to components by value or by field.
type Config struct {
	// Firehose ingestion.
	RelayURL        string
	FirehoseEnabled bool
	// BackfillDays: 0 = backfill disabled, -1 = total (no cutoff),
	// >0 = skip records whose createdAt is older than this many days.
	BackfillDays int

	// Queue store.
	RedisURL           string
	StreamKey          string
	ConsumerGroup      string
	MaxStreamLen       int64
	MaxDeliveries      int64
	DeadLetterMaxLen   int64
	QueueBatchSize     int64
	ParallelPipelines  int
	MaxConcurrentOps   int
	QueueBlockDuration time.Duration

	// Index store.
	DatabaseURL string

	// Pending-op buffer.
	PendingMaxTotal     int
	PendingMaxPerParent int
	PendingTTL          time.Duration

	// Cursor persistence.
	CursorFlushInterval time.Duration

	// HTTP surface.
	HTTPAddr string

	// Readiness memory bound. Zero limit disables the check.
	MemoryLimitMB     int
	MemoryMaxFraction float64

	// Maintenance.
	NotifRetentionDays int

	// Remote repository fetch for missing parents.
	PDSFetchEnabled bool

	// Optional integrations.
	OTELEndpoint    string
	VaultAddr       string
	VaultToken      string
	VaultSecretPath string
}

// Load reads the environment, applies defaults, and resolves Vault-backed
// secrets when VAULT_ADDR is set.
func Load() (*Config, error) {
	cfg := &Config{
		RelayURL:        envString("RELAY_URL", "wss://jetstream2.us-east.bsky.network/subscribe"),
		FirehoseEnabled: envBool("FIREHOSE_ENABLED", true),
		BackfillDays:    envInt("BACKFILL_DAYS", 0),

		RedisURL:           envString("REDIS_URL", "redis://localhost:6379/0"),
		StreamKey:          envString("REDIS_STREAM_KEY", "firehose:events"),
		ConsumerGroup:      envString("REDIS_CONSUMER_GROUP", "firehose-processors"),
		MaxStreamLen:       envInt64("REDIS_MAX_STREAM_LEN", 500000),
		MaxDeliveries:      envInt64("REDIS_MAX_DELIVERIES", 10),
		DeadLetterMaxLen:   envInt64("REDIS_DEAD_LETTER_MAXLEN", 10000),
		QueueBatchSize:     envInt64("QUEUE_BATCH_SIZE", 300),
		ParallelPipelines:  envInt("PARALLEL_PIPELINES", 5),
		MaxConcurrentOps:   envInt("MAX_CONCURRENT_OPS", 64),
		QueueBlockDuration: envDuration("QUEUE_BLOCK_MS", 100*time.Millisecond),

		DatabaseURL: envString("DATABASE_URL", "postgres://localhost:5432/appview"),

		PendingMaxTotal:     envInt("PENDING_MAX_TOTAL", 10000),
		PendingMaxPerParent: envInt("PENDING_MAX_PER_PARENT", 100),
		PendingTTL:          envDuration("PENDING_TTL", 10*time.Minute),

		CursorFlushInterval: envDuration("CURSOR_FLUSH_INTERVAL", 5*time.Second),

		HTTPAddr: envString("HTTP_ADDR", ":8080"),

		MemoryLimitMB:     envInt("MEMORY_LIMIT_MB", 0),
		MemoryMaxFraction: envFloat("MEMORY_MAX_FRACTION", 0.9),

		NotifRetentionDays: envInt("NOTIF_RETENTION_DAYS", 90),

		PDSFetchEnabled: envBool("PDS_FETCH_ENABLED", true),

		OTELEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		VaultAddr:       os.Getenv("VAULT_ADDR"),
		VaultToken:      envString("VAULT_TOKEN", "root"),
		VaultSecretPath: envString("VAULT_SECRET_PATH", "secret/data/appview"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.VaultAddr != "" {
		if err := cfg.loadVaultSecrets(); err != nil {
			return nil, fmt.Errorf("vault secrets: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ParallelPipelines < 1 {
		return fmt.Errorf("PARALLEL_PIPELINES must be >= 1, got %d", c.ParallelPipelines)
	}
	if c.MaxConcurrentOps < 1 {
		return fmt.Errorf("MAX_CONCURRENT_OPS must be >= 1, got %d", c.MaxConcurrentOps)
	}
	if c.QueueBatchSize < 1 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be >= 1, got %d", c.QueueBatchSize)
	}
	if c.BackfillDays < -1 {
		return fmt.Errorf("BACKFILL_DAYS must be -1, 0, or positive, got %d", c.BackfillDays)
	}
	if c.MemoryMaxFraction <= 0 || c.MemoryMaxFraction > 1 {
		return fmt.Errorf("MEMORY_MAX_FRACTION must be in (0,1], got %g", c.MemoryMaxFraction)
	}
	return nil
}

// loadVaultSecrets fills DATABASE_URL / REDIS_URL from the Vault KV v2 path
// unless they were set explicitly in the environment.
func (c *Config) loadVaultSecrets() error {
	secrets, err := kv2Secrets(c.VaultAddr, c.VaultToken, c.VaultSecretPath)
	if err != nil {
		return err
	}
	if os.Getenv("DATABASE_URL") == "" {
		if v, ok := secrets["DATABASE_URL"].(string); ok && v != "" {
			c.DatabaseURL = v
		}
	}
	if os.Getenv("REDIS_URL") == "" {
		if v, ok := secrets["REDIS_URL"].(string); ok && v != "" {
			c.RedisURL = v
		}
	}
	return nil
}

// BackfillCutoff returns the createdAt cutoff implied by BackfillDays and
// whether a cutoff applies at all.
func (c *Config) BackfillCutoff(now time.Time) (time.Time, bool) {
	if c.BackfillDays <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -c.BackfillDays), true
}

// ── env helpers ───────────────────────────────────────────────────────────

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envDuration accepts either a Go duration string ("5s", "10m") or, for the
// *_MS variables, a bare integer interpreted as milliseconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
