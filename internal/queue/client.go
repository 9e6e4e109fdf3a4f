// Package queue is the durable work queue between the firehose consumer and
// the commit processor, built on Redis streams with consumer groups. It also
// carries the cluster-wide counters and the control/fan-out pub/sub channels,
// which live on the same store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotWritable is returned when the connected node reports a replica role.
// Ingestion must not run against a read-only replica.
var ErrNotWritable = errors.New("queue store is not writable (replica role)")

// NewClient parses a redis:// URL, connects, and verifies the node is
// reachable. Close the returned client on shutdown.
func NewClient(ctx context.Context, rawURL string, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("queue store connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return rdb, nil
}

// CheckWritable verifies the connected node holds the master role. Replica
// deployments (e.g. a misrouted connection in a primary/replica cluster) are
// reported as ErrNotWritable. Servers that do not expose a role field (test
// doubles, proxies) pass the check.
func CheckWritable(ctx context.Context, rdb *redis.Client, logger *zap.Logger) error {
	info, err := rdb.Info(ctx, "replication").Result()
	if err != nil {
		return fmt.Errorf("INFO replication: %w", err)
	}
	role := parseReplicationRole(info)
	if role != "" && role != "master" {
		logger.Error("queue store role check failed",
			zap.String("role", role),
			zap.Error(ErrNotWritable),
		)
		return ErrNotWritable
	}
	return nil
}

// parseReplicationRole extracts the value of the "role:" line from an INFO
// replication block. Returns "" when the field is absent.
func parseReplicationRole(info string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "role:"); ok {
			return strings.TrimSpace(after)
		}
	}
	return ""
}
