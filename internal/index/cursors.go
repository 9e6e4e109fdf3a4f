package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CursorStore persists per-stream ingestion cursors. Writes are coalesced in
// process to at most one per flush interval per name; values are monotone
// non-decreasing so a racing late write can never rewind the resume point.
type CursorStore struct {
	store    *Store
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	latest  map[string]cursorState
	written map[string]time.Time
}

type cursorState struct {
	cursor int64
	at     time.Time
}

// NewCursorStore wraps the index store with write coalescing.
func NewCursorStore(store *Store, flushInterval time.Duration, logger *zap.Logger) *CursorStore {
	return &CursorStore{
		store:    store,
		interval: flushInterval,
		log:      logger,
		latest:   make(map[string]cursorState),
		written:  make(map[string]time.Time),
	}
}

// Get returns the persisted cursor and its timestamp. ErrNotFound when the
// stream has never checkpointed.
func (c *CursorStore) Get(ctx context.Context, name string) (int64, time.Time, error) {
	var cursor int64
	var updatedAt time.Time
	err := c.store.pool.QueryRow(ctx, `
		SELECT cursor, updated_at FROM ingest_cursors WHERE name = $1`, name).
		Scan(&cursor, &updatedAt)
	if err != nil {
		return 0, time.Time{}, notFound(err)
	}
	return cursor, updatedAt, nil
}

// Set records the latest cursor value and writes through when the coalescing
// window for this name has elapsed. Regressing values are ignored.
func (c *CursorStore) Set(ctx context.Context, name string, cursor int64, at time.Time) error {
	c.mu.Lock()
	prev, ok := c.latest[name]
	if ok && cursor < prev.cursor {
		c.mu.Unlock()
		return nil
	}
	c.latest[name] = cursorState{cursor: cursor, at: at}
	due := c.writeDue(name, at)
	if due {
		c.written[name] = at
	}
	c.mu.Unlock()

	if !due {
		return nil
	}
	return c.write(ctx, name, cursor, at)
}

// Flush forces the write-through of every buffered cursor. Called on
// shutdown so the resume point reflects the last pushed event.
func (c *CursorStore) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := make(map[string]cursorState, len(c.latest))
	for name, st := range c.latest {
		batch[name] = st
		c.written[name] = st.at
	}
	c.mu.Unlock()

	for name, st := range batch {
		if err := c.write(ctx, name, st.cursor, st.at); err != nil {
			return err
		}
	}
	return nil
}

// Override writes a cursor unconditionally, bypassing coalescing and the
// monotonicity guard. Operational use only (CLI cursor set).
func (c *CursorStore) Override(ctx context.Context, name string, cursor int64) error {
	c.mu.Lock()
	c.latest[name] = cursorState{cursor: cursor, at: time.Now().UTC()}
	c.mu.Unlock()

	_, err := c.store.pool.Exec(ctx, `
		INSERT INTO ingest_cursors (name, cursor, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET
			cursor     = EXCLUDED.cursor,
			updated_at = now()`,
		name, cursor)
	if err != nil {
		return fmt.Errorf("override cursor %s: %w", name, err)
	}
	c.log.Warn("cursor overridden", zap.String("name", name), zap.Int64("cursor", cursor))
	return nil
}

// writeDue decides under the lock whether this Set should hit the store.
func (c *CursorStore) writeDue(name string, now time.Time) bool {
	last, ok := c.written[name]
	return !ok || now.Sub(last) >= c.interval
}

// write persists one cursor; GREATEST keeps the stored value monotone even
// across racing processes.
func (c *CursorStore) write(ctx context.Context, name string, cursor int64, at time.Time) error {
	_, err := c.store.pool.Exec(ctx, `
		INSERT INTO ingest_cursors (name, cursor, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			cursor     = GREATEST(ingest_cursors.cursor, EXCLUDED.cursor),
			updated_at = EXCLUDED.updated_at`,
		name, cursor, at)
	if err != nil {
		return fmt.Errorf("persist cursor %s: %w", name, err)
	}
	return nil
}
