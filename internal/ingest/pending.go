// Package ingest consumes the durable stream and maintains the index: the
// commit processor, the pending-op buffer, and the retry loops live here.
package ingest

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// PendingOp is a child operation held back because its parent record has not
// arrived yet: a like or repost waiting for its subject post, or a list item
// waiting for its list.
type PendingOp struct {
	URI        string    // the child record's own URI
	Collection string    // lexicon collection NSID
	ActorDID   string    // record author
	SubjectDID string    // list items only
	ParentURI  string    // subject post URI or list URI
	CreatedAt  time.Time // record's self-reported creation time
	EnqueuedAt time.Time
}

// BufferConfig bounds a pending buffer.
type BufferConfig struct {
	MaxTotal     int
	MaxPerParent int
	TTL          time.Duration
}

// DefaultBufferConfig matches the documented defaults.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{MaxTotal: 10000, MaxPerParent: 100, TTL: 10 * time.Minute}
}

// BufferStats is a counter snapshot.
type BufferStats struct {
	Size    int   `json:"size"`
	Parents int   `json:"parents"`
	Dropped int64 `json:"dropped"`
	Expired int64 `json:"expired"`
}

type pendingEntry struct {
	op     PendingOp
	global *list.Element // position in arrival order, for drop-oldest
}

// PendingBuffer defers child ops until their parent arrives. It is
// process-local and deliberately not a retry queue: replaying the stream
// must reproduce the same final index without it.
//
// All mutations run under one mutex with no I/O inside the critical section.
type PendingBuffer struct {
	cfg BufferConfig

	mu       sync.Mutex
	byParent map[string][]*pendingEntry // FIFO per parent
	byOpURI  map[string]string          // op URI → parent URI, for cancellation
	arrival  *list.List                 // *pendingEntry in enqueue order
	size     int

	dropped atomic.Int64
	expired atomic.Int64
}

// NewPendingBuffer builds an empty buffer.
func NewPendingBuffer(cfg BufferConfig) *PendingBuffer {
	if cfg.MaxTotal <= 0 || cfg.MaxPerParent <= 0 || cfg.TTL <= 0 {
		cfg = DefaultBufferConfig()
	}
	return &PendingBuffer{
		cfg:      cfg,
		byParent: make(map[string][]*pendingEntry),
		byOpURI:  make(map[string]string),
		arrival:  list.New(),
	}
}

// Enqueue defers one op under its parent URI. A second enqueue of the same
// op URI is a no-op (redelivered messages must not double-buffer). Overflow
// of either bound drops the oldest entry and counts it.
func (b *PendingBuffer) Enqueue(op PendingOp) {
	op.EnqueuedAt = time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.byOpURI[op.URI]; dup {
		return
	}

	if q := b.byParent[op.ParentURI]; len(q) >= b.cfg.MaxPerParent {
		b.removeLocked(q[0])
		b.dropped.Add(1)
	}
	for b.size >= b.cfg.MaxTotal {
		oldest := b.arrival.Front()
		if oldest == nil {
			break
		}
		b.removeLocked(oldest.Value.(*pendingEntry))
		b.dropped.Add(1)
	}

	e := &pendingEntry{op: op}
	e.global = b.arrival.PushBack(e)
	b.byParent[op.ParentURI] = append(b.byParent[op.ParentURI], e)
	b.byOpURI[op.URI] = op.ParentURI
	b.size++
}

// TakeQueue removes and returns the whole queue for a parent in one critical
// section, so a concurrent enqueue under the same parent lands in a fresh
// queue instead of racing the flush.
func (b *PendingBuffer) TakeQueue(parentURI string) []PendingOp {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.byParent[parentURI]
	if len(q) == 0 {
		return nil
	}
	out := make([]PendingOp, len(q))
	for i, e := range q {
		out[i] = e.op
		b.arrival.Remove(e.global)
		delete(b.byOpURI, e.op.URI)
	}
	delete(b.byParent, parentURI)
	b.size -= len(q)
	return out
}

// Cancel removes a single buffered op by its own URI, for deletes that
// arrive before the parent does. Reports whether anything was removed.
func (b *PendingBuffer) Cancel(opURI string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	parent, ok := b.byOpURI[opURI]
	if !ok {
		return false
	}
	for _, e := range b.byParent[parent] {
		if e.op.URI == opURI {
			b.removeLocked(e)
			return true
		}
	}
	return false
}

// PurgeParent discards everything queued under a deleted parent. Returns the
// number of ops discarded.
func (b *PendingBuffer) PurgeParent(parentURI string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.byParent[parentURI]
	for _, e := range q {
		b.arrival.Remove(e.global)
		delete(b.byOpURI, e.op.URI)
	}
	delete(b.byParent, parentURI)
	b.size -= len(q)
	return len(q)
}

// Sweep removes entries older than the TTL, counting them as expired.
// Returns the number removed.
func (b *PendingBuffer) Sweep(now time.Time) int {
	cutoff := now.Add(-b.cfg.TTL)

	b.mu.Lock()
	defer b.mu.Unlock()

	var removed int
	for {
		front := b.arrival.Front()
		if front == nil {
			break
		}
		e := front.Value.(*pendingEntry)
		if !e.op.EnqueuedAt.Before(cutoff) {
			break
		}
		b.removeLocked(e)
		removed++
	}
	b.expired.Add(int64(removed))
	return removed
}

// Parents returns the distinct parent URIs with queued ops, for the retry
// loop's existence probes.
func (b *PendingBuffer) Parents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.byParent))
	for parent := range b.byParent {
		out = append(out, parent)
	}
	return out
}

// Size returns the total number of buffered ops.
func (b *PendingBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Stats returns a snapshot of sizes and counters.
func (b *PendingBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Size:    b.size,
		Parents: len(b.byParent),
		Dropped: b.dropped.Load(),
		Expired: b.expired.Load(),
	}
}

// removeLocked unlinks one entry from all three structures. Caller holds the
// mutex.
func (b *PendingBuffer) removeLocked(e *pendingEntry) {
	b.arrival.Remove(e.global)
	delete(b.byOpURI, e.op.URI)

	q := b.byParent[e.op.ParentURI]
	for i, cand := range q {
		if cand == e {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(b.byParent, e.op.ParentURI)
	} else {
		b.byParent[e.op.ParentURI] = q
	}
	b.size--
}
