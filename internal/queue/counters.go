package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// countersKey is the Redis hash carrying cluster-wide event and error
// counters. Every worker increments the same hash so dashboards see one
// number per kind regardless of how many processes run.
const countersKey = "appview:counters"

// flushInterval is how often buffered local increments are pushed to Redis.
const flushInterval = 500 * time.Millisecond

// ClusterCounters buffers counter increments in process and flushes them to a
// shared Redis hash with pipelined HINCRBY. Increments are cheap (one mutexed
// map write); Redis sees one round trip per flush, not per event.
type ClusterCounters struct {
	rdb *redis.Client
	log *zap.Logger

	mu      sync.Mutex
	pending map[string]int64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewClusterCounters starts the flush loop. Call Stop to flush the remainder
// and shut the loop down.
func NewClusterCounters(rdb *redis.Client, logger *zap.Logger) *ClusterCounters {
	c := &ClusterCounters{
		rdb:     rdb,
		log:     logger,
		pending: make(map[string]int64),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// Incr buffers a single increment for the named counter.
func (c *ClusterCounters) Incr(name string) {
	c.Add(name, 1)
}

// Add buffers an increment of n for the named counter.
func (c *ClusterCounters) Add(name string, n int64) {
	c.mu.Lock()
	c.pending[name] += n
	c.mu.Unlock()
}

// Snapshot returns the cluster-wide counter values from Redis. Local buffered
// increments not yet flushed are not included.
func (c *ClusterCounters) Snapshot(ctx context.Context) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, countersKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// Stop flushes the remaining increments and stops the loop. Safe to call
// more than once.
func (c *ClusterCounters) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.done
	})
}

func (c *ClusterCounters) flushLoop() {
	defer close(c.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stopCh:
			c.flush()
			return
		}
	}
}

// flush swaps the pending map out under the lock, then ships it in one
// pipeline. A failed flush re-buffers the increments so they are not lost.
func (c *ClusterCounters) flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make(map[string]int64)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := c.rdb.Pipeline()
	for name, n := range batch {
		pipe.HIncrBy(ctx, countersKey, name, n)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("counter flush failed, re-buffering", zap.Int("counters", len(batch)), zap.Error(err))
		c.mu.Lock()
		for name, n := range batch {
			c.pending[name] += n
		}
		c.mu.Unlock()
	}
}
