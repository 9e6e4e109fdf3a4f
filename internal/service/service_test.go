package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/cache"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/thread"
)

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cache.New(rdb, zaptest.NewLogger(t))
}

type fakeAssembler struct {
	calls atomic.Int32
	th    thread.Thread
}

func (f *fakeAssembler) Assemble(context.Context, string, thread.Options) (thread.Thread, error) {
	f.calls.Add(1)
	return f.th, nil
}

type fakeAggStore struct {
	calls atomic.Int32
	aggs  map[string]index.PostAggregates
}

func (f *fakeAggStore) GetAggregates(_ context.Context, uri string) (index.PostAggregates, error) {
	f.calls.Add(1)
	if agg, ok := f.aggs[uri]; ok {
		return agg, nil
	}
	return index.PostAggregates{PostURI: uri}, nil
}

func simpleThread() thread.Thread {
	anchor := &thread.Node{Post: index.Post{URI: "uri:anchor"}}
	anchor.Replies = []*thread.Node{{Post: index.Post{URI: "uri:r1"}}}
	return thread.Thread{
		Ancestors: []index.Post{{URI: "uri:root"}},
		Anchor:    anchor,
	}
}

func TestGetThread_AggregatesAttached(t *testing.T) {
	asm := &fakeAssembler{th: simpleThread()}
	store := &fakeAggStore{aggs: map[string]index.PostAggregates{
		"uri:anchor": {PostURI: "uri:anchor", LikeCount: 7, ReplyCount: 1},
	}}
	svc := NewThreadService(asm, store, testCache(t), zaptest.NewLogger(t))

	view, err := svc.GetThread(context.Background(), "uri:anchor", thread.Options{ViewerDID: "did:plc:v"})
	require.NoError(t, err)
	assert.Len(t, view.Aggregates, 3, "root, anchor, and reply all counted")
	assert.Equal(t, int64(7), view.Aggregates["uri:anchor"].LikeCount)
}

func TestGetThread_ViewerlessAssemblyIsCached(t *testing.T) {
	asm := &fakeAssembler{th: simpleThread()}
	store := &fakeAggStore{}
	svc := NewThreadService(asm, store, testCache(t), zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := svc.GetThread(ctx, "uri:anchor", thread.Options{})
	require.NoError(t, err)
	_, err = svc.GetThread(ctx, "uri:anchor", thread.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), asm.calls.Load(), "second request served from cache")

	// Viewer-specific requests never reuse the shared entry.
	_, err = svc.GetThread(ctx, "uri:anchor", thread.Options{ViewerDID: "did:plc:v"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), asm.calls.Load())
}

func TestGetThread_AggregateCacheBackfill(t *testing.T) {
	asm := &fakeAssembler{th: simpleThread()}
	store := &fakeAggStore{}
	svc := NewThreadService(asm, store, testCache(t), zaptest.NewLogger(t))
	ctx := context.Background()

	// Viewer requests bypass the whole-thread cache, so aggregates come from
	// the per-post entries primed by the first call.
	_, err := svc.GetThread(ctx, "uri:anchor", thread.Options{ViewerDID: "did:plc:a"})
	require.NoError(t, err)
	first := store.calls.Load()
	_, err = svc.GetThread(ctx, "uri:anchor", thread.Options{ViewerDID: "did:plc:b"})
	require.NoError(t, err)
	assert.Equal(t, first, store.calls.Load(), "second call hits only the cache")
}

type fakeSearchStore struct {
	posts        []index.PostSearchResult
	gotAfterRank float64
}

func (f *fakeSearchStore) SearchPosts(_ context.Context, _ string, limit int, afterRank float64) ([]index.PostSearchResult, error) {
	f.gotAfterRank = afterRank
	if len(f.posts) > limit {
		return f.posts[:limit], nil
	}
	return f.posts, nil
}

func (f *fakeSearchStore) SearchActors(context.Context, string, int) ([]index.ActorSearchResult, error) {
	return nil, nil
}

func (f *fakeSearchStore) TypeaheadActors(context.Context, string, int) ([]index.Actor, error) {
	return nil, nil
}

func TestSearchPosts_CursorRoundTrip(t *testing.T) {
	store := &fakeSearchStore{posts: []index.PostSearchResult{
		{Post: index.Post{URI: "uri:1"}, Rank: 0.9},
		{Post: index.Post{URI: "uri:2"}, Rank: 0.5},
	}}
	svc := NewSearchService(store)
	ctx := context.Background()

	page, err := svc.SearchPosts(ctx, "hello", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Results, 2)
	require.NotEmpty(t, page.Cursor, "full page carries a cursor")

	_, err = svc.SearchPosts(ctx, "hello", 2, page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, 0.5, store.gotAfterRank, "cursor decodes to the trailing rank")

	_, err = svc.SearchPosts(ctx, "hello", 2, "not-a-number")
	assert.Error(t, err)
}

func TestSearchPosts_ShortPageHasNoCursor(t *testing.T) {
	store := &fakeSearchStore{posts: []index.PostSearchResult{
		{Post: index.Post{URI: "uri:1"}, Rank: 0.9},
	}}
	page, err := NewSearchService(store).SearchPosts(context.Background(), "hello", 25, "")
	require.NoError(t, err)
	assert.Empty(t, page.Cursor)
}

type fakeActorStore struct {
	notifs    []index.Notification
	gotBefore time.Time
}

func (f *fakeActorStore) GetActor(_ context.Context, did string) (index.Actor, error) {
	return index.Actor{DID: did, Handle: "someone.example"}, nil
}

func (f *fakeActorStore) ListNotifications(_ context.Context, _ string, limit int, before time.Time) ([]index.Notification, error) {
	f.gotBefore = before
	if len(f.notifs) > limit {
		return f.notifs[:limit], nil
	}
	return f.notifs, nil
}

func TestListNotifications_Paging(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeActorStore{notifs: []index.Notification{
		{ID: "n1", CreatedAt: base},
		{ID: "n2", CreatedAt: base.Add(-time.Minute)},
	}}
	svc := NewActorService(store)
	ctx := context.Background()

	page, err := svc.ListNotifications(ctx, "did:plc:a", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Notifications, 2)
	require.NotEmpty(t, page.Cursor)

	_, err = svc.ListNotifications(ctx, "did:plc:a", 2, page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, base.Add(-time.Minute), store.gotBefore)

	_, err = svc.ListNotifications(ctx, "did:plc:a", 2, "yesterday")
	assert.Error(t, err)
}
