package ingest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/lexicon"
)

func pendingLike(n int, parent string) PendingOp {
	return PendingOp{
		URI:        fmt.Sprintf("at://did:plc:a/app.bsky.feed.like/%d", n),
		Collection: lexicon.CollectionLike,
		ActorDID:   "did:plc:a",
		ParentURI:  parent,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestPendingBuffer_EnqueueTake(t *testing.T) {
	b := NewPendingBuffer(DefaultBufferConfig())
	parent := "at://did:plc:b/app.bsky.feed.post/9"

	b.Enqueue(pendingLike(1, parent))
	b.Enqueue(pendingLike(2, parent))
	assert.Equal(t, 2, b.Size())

	ops := b.TakeQueue(parent)
	require.Len(t, ops, 2)
	assert.Equal(t, "at://did:plc:a/app.bsky.feed.like/1", ops[0].URI, "FIFO order")
	assert.Zero(t, b.Size())

	// Queue is gone after the take.
	assert.Nil(t, b.TakeQueue(parent))
}

func TestPendingBuffer_DuplicateOpIgnored(t *testing.T) {
	b := NewPendingBuffer(DefaultBufferConfig())
	parent := "at://did:plc:b/app.bsky.feed.post/9"

	b.Enqueue(pendingLike(1, parent))
	b.Enqueue(pendingLike(1, parent))
	assert.Equal(t, 1, b.Size())
}

func TestPendingBuffer_CancelRemovesOp(t *testing.T) {
	b := NewPendingBuffer(DefaultBufferConfig())
	parent := "at://did:plc:b/app.bsky.feed.post/9"

	op := pendingLike(1, parent)
	b.Enqueue(op)

	assert.True(t, b.Cancel(op.URI))
	assert.Zero(t, b.Size())
	assert.Empty(t, b.Parents())

	assert.False(t, b.Cancel(op.URI), "second cancel finds nothing")
}

func TestPendingBuffer_PurgeParent(t *testing.T) {
	b := NewPendingBuffer(DefaultBufferConfig())
	parent := "at://did:plc:b/app.bsky.feed.post/9"
	other := "at://did:plc:b/app.bsky.feed.post/10"

	b.Enqueue(pendingLike(1, parent))
	b.Enqueue(pendingLike(2, parent))
	b.Enqueue(pendingLike(3, other))

	assert.Equal(t, 2, b.PurgeParent(parent))
	assert.Equal(t, 1, b.Size())
	assert.Equal(t, []string{other}, b.Parents())
}

func TestPendingBuffer_PerParentCapDropsOldest(t *testing.T) {
	b := NewPendingBuffer(BufferConfig{MaxTotal: 1000, MaxPerParent: 3, TTL: time.Minute})
	parent := "at://did:plc:b/app.bsky.feed.post/9"

	for i := 1; i <= 5; i++ {
		b.Enqueue(pendingLike(i, parent))
	}

	ops := b.TakeQueue(parent)
	require.Len(t, ops, 3)
	assert.Equal(t, "at://did:plc:a/app.bsky.feed.like/3", ops[0].URI, "oldest two dropped")
	assert.Equal(t, int64(2), b.Stats().Dropped)
}

func TestPendingBuffer_GlobalCapDropsOldest(t *testing.T) {
	b := NewPendingBuffer(BufferConfig{MaxTotal: 4, MaxPerParent: 100, TTL: time.Minute})

	for i := 1; i <= 6; i++ {
		b.Enqueue(pendingLike(i, fmt.Sprintf("at://did:plc:b/app.bsky.feed.post/%d", i)))
	}

	stats := b.Stats()
	assert.Equal(t, 4, stats.Size, "size never exceeds the cap")
	assert.Equal(t, int64(2), stats.Dropped)

	// The two oldest parents lost their entries.
	assert.Nil(t, b.TakeQueue("at://did:plc:b/app.bsky.feed.post/1"))
	assert.Nil(t, b.TakeQueue("at://did:plc:b/app.bsky.feed.post/2"))
	assert.Len(t, b.TakeQueue("at://did:plc:b/app.bsky.feed.post/3"), 1)
}

func TestPendingBuffer_SweepExpiresByTTL(t *testing.T) {
	b := NewPendingBuffer(BufferConfig{MaxTotal: 100, MaxPerParent: 10, TTL: 10 * time.Minute})
	parent := "at://did:plc:b/app.bsky.feed.post/9"

	b.Enqueue(pendingLike(1, parent))

	assert.Zero(t, b.Sweep(time.Now().UTC().Add(5*time.Minute)), "fresh entries survive")
	assert.Equal(t, 1, b.Sweep(time.Now().UTC().Add(11*time.Minute)))
	assert.Zero(t, b.Size())
	assert.Equal(t, int64(1), b.Stats().Expired)
}

func TestPendingBuffer_TakeDuringEnqueueKeepsNewEntries(t *testing.T) {
	b := NewPendingBuffer(DefaultBufferConfig())
	parent := "at://did:plc:b/app.bsky.feed.post/9"

	b.Enqueue(pendingLike(1, parent))
	_ = b.TakeQueue(parent)

	// An enqueue after the take lands in a fresh queue.
	b.Enqueue(pendingLike(2, parent))
	ops := b.TakeQueue(parent)
	require.Len(t, ops, 1)
	assert.Equal(t, "at://did:plc:a/app.bsky.feed.like/2", ops[0].URI)
}
