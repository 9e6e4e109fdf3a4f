package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/cache"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/ingest"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/lexicon"
)

// statsPrefix keys the cached table counts; it takes the default TTL.
const statsPrefix = "stats"

// StatsStore supplies the hot-table row counts.
type StatsStore interface {
	TableCounts(ctx context.Context) (map[string]int64, error)
}

// QueueDepths reports stream depths.
type QueueDepths interface {
	Len(ctx context.Context) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterLen(ctx context.Context) (int64, error)
}

// CounterSource reads the cluster-wide counters.
type CounterSource interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// FirehoseInfo is the consumer state shown on the dashboard.
type FirehoseInfo interface {
	Connected() bool
	Cursor() int64
	LastEventAt() time.Time
}

// BufferStats reports both pending-op buffers.
type BufferStats func() (interactions, listItems ingest.BufferStats)

// Stats is the dashboard snapshot.
type Stats struct {
	Tables     map[string]int64 `json:"tables"`
	Queue      QueueStats       `json:"queue"`
	Counters   map[string]int64 `json:"counters"`
	Validation lexicon.Stats    `json:"validation"`
	Pending    PendingStats     `json:"pending"`
	Firehose   *FirehoseStats   `json:"firehose,omitempty"`
	At         time.Time        `json:"at"`
}

// QueueStats is the stream-depth slice of Stats.
type QueueStats struct {
	Length     int64 `json:"length"`
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"deadLetter"`
}

// PendingStats is the buffer slice of Stats.
type PendingStats struct {
	Interactions ingest.BufferStats `json:"interactions"`
	ListItems    ingest.BufferStats `json:"listItems"`
}

// FirehoseStats is the consumer slice of Stats.
type FirehoseStats struct {
	Connected   bool      `json:"connected"`
	Cursor      int64     `json:"cursor"`
	LastEventAt time.Time `json:"lastEventAt"`
}

// StatsService aggregates the dashboard snapshot. Table counts are the only
// expensive part and sit behind the cache.
type StatsService struct {
	store    StatsStore
	depths   QueueDepths
	counters CounterSource
	registry *lexicon.Registry
	buffers  BufferStats
	firehose FirehoseInfo // nil when ingestion is disabled
	cache    *cache.Cache
	log      *zap.Logger
}

// NewStatsService wires the dashboard read path. firehose may be nil.
func NewStatsService(store StatsStore, depths QueueDepths, counters CounterSource, registry *lexicon.Registry, buffers BufferStats, firehose FirehoseInfo, c *cache.Cache, logger *zap.Logger) *StatsService {
	return &StatsService{
		store:    store,
		depths:   depths,
		counters: counters,
		registry: registry,
		buffers:  buffers,
		firehose: firehose,
		cache:    c,
		log:      logger,
	}
}

// Snapshot builds the current dashboard view. Partial failures degrade the
// affected section rather than the whole snapshot.
func (s *StatsService) Snapshot(ctx context.Context) Stats {
	out := Stats{At: time.Now().UTC()}

	tablesKey := cache.Key(statsPrefix, "tables")
	if !s.cache.Get(ctx, tablesKey, &out.Tables) {
		tables, err := s.store.TableCounts(ctx)
		if err != nil {
			s.log.Warn("table counts failed", zap.Error(err))
		} else {
			out.Tables = tables
			s.cache.Set(ctx, statsPrefix, tablesKey, tables)
		}
	}

	if n, err := s.depths.Len(ctx); err == nil {
		out.Queue.Length = n
	}
	if n, err := s.depths.PendingCount(ctx); err == nil {
		out.Queue.Pending = n
	}
	if n, err := s.depths.DeadLetterLen(ctx); err == nil {
		out.Queue.DeadLetter = n
	}

	if counters, err := s.counters.Snapshot(ctx); err == nil {
		out.Counters = counters
	} else {
		s.log.Warn("counter snapshot failed", zap.Error(err))
	}

	out.Validation = s.registry.Stats()
	out.Pending.Interactions, out.Pending.ListItems = s.buffers()

	if s.firehose != nil {
		out.Firehose = &FirehoseStats{
			Connected:   s.firehose.Connected(),
			Cursor:      s.firehose.Cursor(),
			LastEventAt: s.firehose.LastEventAt(),
		}
	}
	return out
}
