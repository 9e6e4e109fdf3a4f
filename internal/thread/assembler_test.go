package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
)

// memStore is an in-memory Store for assembly tests.
type memStore struct {
	posts   map[string]index.Post
	gates   map[string]index.ThreadGate
	follows map[string]map[string]struct{}
	members map[string]struct{}
	hidden  map[string]map[string]struct{}
	labels  map[string][]index.Label
}

func newMemStore() *memStore {
	return &memStore{
		posts:   make(map[string]index.Post),
		gates:   make(map[string]index.ThreadGate),
		follows: make(map[string]map[string]struct{}),
		hidden:  make(map[string]map[string]struct{}),
		labels:  make(map[string][]index.Label),
	}
}

func (m *memStore) addPost(uri, author, parent string, facets string) {
	p := index.Post{URI: uri, AuthorDID: author, CreatedAt: time.Now()}
	if parent != "" {
		p.ReplyParentURI = &parent
	}
	if facets != "" {
		p.Facets = json.RawMessage(facets)
	}
	m.posts[uri] = p
}

func (m *memStore) GetPost(_ context.Context, uri string) (index.Post, error) {
	p, ok := m.posts[uri]
	if !ok {
		return index.Post{}, index.ErrNotFound
	}
	return p, nil
}

func (m *memStore) GetReplies(_ context.Context, parentURI string, limit int) ([]index.Post, error) {
	var out []index.Post
	for _, p := range m.posts {
		if p.ReplyParentURI != nil && *p.ReplyParentURI == parentURI {
			out = append(out, p)
		}
	}
	// Deterministic order for assertions.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].URI < out[i].URI {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetThreadGate(_ context.Context, postURI string) (index.ThreadGate, error) {
	g, ok := m.gates[postURI]
	if !ok {
		return index.ThreadGate{}, index.ErrNotFound
	}
	return g, nil
}

func (m *memStore) GetFollowingSet(_ context.Context, actorDID string) (map[string]struct{}, error) {
	return m.follows[actorDID], nil
}

func (m *memStore) GetListMembers(context.Context, []string) (map[string]struct{}, error) {
	return m.members, nil
}

func (m *memStore) GetViewerHiddenAuthors(_ context.Context, viewerDID string) (map[string]struct{}, error) {
	return m.hidden[viewerDID], nil
}

func (m *memStore) EffectiveLabels(_ context.Context, subject string) ([]index.Label, error) {
	return index.ReplayLabels(m.labels[subject]), nil
}

type testCounters struct {
	mu sync.Mutex
	n  map[string]int
}

func newTestCounters() *testCounters { return &testCounters{n: make(map[string]int)} }

func (c *testCounters) Incr(name string) {
	c.mu.Lock()
	c.n[name]++
	c.mu.Unlock()
}

func (c *testCounters) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

func uris(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Post.URI
	}
	return out
}

func TestAssemble_UnknownAnchorIsEmpty(t *testing.T) {
	a := NewAssembler(newMemStore(), newTestCounters(), zaptest.NewLogger(t))
	th, err := a.Assemble(context.Background(), "at://did:plc:x/app.bsky.feed.post/missing", Options{})
	require.NoError(t, err)
	assert.Nil(t, th.Anchor)
	assert.Empty(t, th.Ancestors)
}

func TestAssemble_AncestorsRootFirstAndDescendantsBounded(t *testing.T) {
	store := newMemStore()
	// root <- a <- anchor <- c1 <- c2 <- c3 with descendant depth 2.
	store.addPost("uri:root", "did:plc:alice", "", "")
	store.addPost("uri:a", "did:plc:bob", "uri:root", "")
	store.addPost("uri:anchor", "did:plc:carol", "uri:a", "")
	store.addPost("uri:c1", "did:plc:dan", "uri:anchor", "")
	store.addPost("uri:c2", "did:plc:erin", "uri:c1", "")
	store.addPost("uri:c3", "did:plc:frank", "uri:c2", "")

	a := NewAssembler(store, newTestCounters(), zaptest.NewLogger(t))
	th, err := a.Assemble(context.Background(), "uri:anchor", Options{DescendantDepth: 2})
	require.NoError(t, err)

	require.Len(t, th.Ancestors, 2)
	assert.Equal(t, "uri:root", th.Ancestors[0].URI)
	assert.Equal(t, "uri:a", th.Ancestors[1].URI)

	require.NotNil(t, th.Anchor)
	require.Len(t, th.Anchor.Replies, 1)
	c1 := th.Anchor.Replies[0]
	assert.Equal(t, "uri:c1", c1.Post.URI)
	require.Len(t, c1.Replies, 1)
	assert.Equal(t, "uri:c2", c1.Replies[0].Post.URI)
	assert.Empty(t, c1.Replies[0].Replies, "depth 2 stops before c3")
}

func TestAssemble_AncestorDepthBounded(t *testing.T) {
	store := newMemStore()
	store.addPost("uri:p0", "did:plc:a", "", "")
	for i := 1; i <= 5; i++ {
		store.addPost(fmt.Sprintf("uri:p%d", i), "did:plc:a", fmt.Sprintf("uri:p%d", i-1), "")
	}

	a := NewAssembler(store, newTestCounters(), zaptest.NewLogger(t))
	th, err := a.Assemble(context.Background(), "uri:p5", Options{AncestorDepth: 3})
	require.NoError(t, err)
	require.Len(t, th.Ancestors, 3)
	// Topmost reachable within the budget comes first.
	assert.Equal(t, "uri:p2", th.Ancestors[0].URI)
	assert.Equal(t, "uri:p4", th.Ancestors[2].URI)
}

func TestAssemble_ReplyGateMentionsOnly(t *testing.T) {
	store := newMemStore()
	facets := `[{"features":[{"$type":"app.bsky.richtext.facet#mention","did":"did:plc:bob"}]}]`
	store.addPost("uri:R", "did:plc:alice", "", facets)
	store.addPost("uri:r1", "did:plc:bob", "uri:R", "")
	store.addPost("uri:r2", "did:plc:carol", "uri:R", "")
	store.addPost("uri:r3", "did:plc:alice", "uri:r2", "") // collapses with its parent
	store.gates["uri:R"] = index.ThreadGate{
		PostURI:       "uri:R",
		OwnerDID:      "did:plc:alice",
		AllowMentions: true,
	}

	counters := newTestCounters()
	a := NewAssembler(store, counters, zaptest.NewLogger(t))
	th, err := a.Assemble(context.Background(), "uri:R", Options{})
	require.NoError(t, err)

	require.NotNil(t, th.Anchor)
	assert.Equal(t, []string{"uri:r1"}, uris(th.Anchor.Replies))
	assert.Equal(t, 1, counters.get("thread:gate_violations"),
		"r2 rejected once; r3's subtree never visited")
}

func TestAssemble_GateAllowsFollowingAndListMembers(t *testing.T) {
	store := newMemStore()
	store.addPost("uri:R", "did:plc:alice", "", "")
	store.addPost("uri:r1", "did:plc:bob", "uri:R", "")   // followed
	store.addPost("uri:r2", "did:plc:carol", "uri:R", "") // list member
	store.addPost("uri:r3", "did:plc:dan", "uri:R", "")   // neither
	store.addPost("uri:r4", "did:plc:alice", "uri:R", "") // root author always allowed
	store.gates["uri:R"] = index.ThreadGate{
		PostURI:        "uri:R",
		OwnerDID:       "did:plc:alice",
		AllowFollowing: true,
		AllowListURIs:  []string{"uri:list"},
	}
	store.follows["did:plc:alice"] = map[string]struct{}{"did:plc:bob": {}}
	store.members = map[string]struct{}{"did:plc:carol": {}}

	a := NewAssembler(store, newTestCounters(), zaptest.NewLogger(t))
	th, err := a.Assemble(context.Background(), "uri:R", Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"uri:r1", "uri:r2", "uri:r4"}, uris(th.Anchor.Replies))
}

func TestAssemble_GateAppliesFromRootWhenAnchorIsDeep(t *testing.T) {
	store := newMemStore()
	store.addPost("uri:R", "did:plc:alice", "", "")
	store.addPost("uri:mid", "did:plc:alice", "uri:R", "")
	store.addPost("uri:bad", "did:plc:carol", "uri:mid", "")
	store.gates["uri:R"] = index.ThreadGate{PostURI: "uri:R", OwnerDID: "did:plc:alice"}

	a := NewAssembler(store, newTestCounters(), zaptest.NewLogger(t))
	th, err := a.Assemble(context.Background(), "uri:mid", Options{})
	require.NoError(t, err)
	require.Len(t, th.Ancestors, 1, "anchor's root located")
	assert.Empty(t, th.Anchor.Replies, "root gate with no allow rules blocks non-author replies")
}

func TestAssemble_ViewerHidesBlockedAuthorsSubtree(t *testing.T) {
	store := newMemStore()
	store.addPost("uri:R", "did:plc:alice", "", "")
	store.addPost("uri:r1", "did:plc:bob", "uri:R", "")
	store.addPost("uri:r2", "did:plc:carol", "uri:r1", "") // under hidden bob
	store.hidden["did:plc:viewer"] = map[string]struct{}{"did:plc:bob": {}}

	a := NewAssembler(store, newTestCounters(), zaptest.NewLogger(t))
	th, err := a.Assemble(context.Background(), "uri:R", Options{ViewerDID: "did:plc:viewer"})
	require.NoError(t, err)
	assert.Empty(t, th.Anchor.Replies, "hidden author removes the whole subtree")
}

func TestAssemble_ViewerHidesLabeledPosts(t *testing.T) {
	store := newMemStore()
	store.addPost("uri:R", "did:plc:alice", "", "")
	store.addPost("uri:r1", "did:plc:bob", "uri:R", "")
	store.addPost("uri:r2", "did:plc:carol", "uri:R", "")
	store.addPost("uri:r3", "did:plc:dan", "uri:R", "")
	now := time.Now()
	store.labels["uri:r1"] = []index.Label{
		{Src: "did:plc:mod", Subject: "uri:r1", Val: "!hide", CreatedAt: now},
	}
	// Negated label: assert then retract.
	store.labels["uri:r2"] = []index.Label{
		{Src: "did:plc:mod", Subject: "uri:r2", Val: "spam", CreatedAt: now},
		{Src: "did:plc:mod", Subject: "uri:r2", Val: "spam", Neg: true, CreatedAt: now.Add(time.Second)},
	}
	store.labels["uri:r3"] = []index.Label{
		{Src: "did:plc:mod", Subject: "uri:r3", Val: "spam", CreatedAt: now},
	}

	a := NewAssembler(store, newTestCounters(), zaptest.NewLogger(t))
	th, err := a.Assemble(context.Background(), "uri:R", Options{
		ViewerDID:  "did:plc:viewer",
		HideLabels: []string{"spam"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"uri:r2"}, uris(th.Anchor.Replies),
		"r1 hidden by !hide, r3 by spam; r2's spam label was negated")
}

func TestAssemble_NoViewerSeesEverything(t *testing.T) {
	store := newMemStore()
	store.addPost("uri:R", "did:plc:alice", "", "")
	store.addPost("uri:r1", "did:plc:bob", "uri:R", "")
	store.labels["uri:r1"] = []index.Label{
		{Src: "did:plc:mod", Subject: "uri:r1", Val: "!hide", CreatedAt: time.Now()},
	}

	a := NewAssembler(store, newTestCounters(), zaptest.NewLogger(t))
	th, err := a.Assemble(context.Background(), "uri:R", Options{})
	require.NoError(t, err)
	assert.Len(t, th.Anchor.Replies, 1, "label filtering is viewer-scoped")
}

func TestMentionDIDs(t *testing.T) {
	facets := `[
		{"features":[{"$type":"app.bsky.richtext.facet#mention","did":"did:plc:bob"}]},
		{"features":[{"$type":"app.bsky.richtext.facet#link","uri":"https://example.com"}]},
		{"features":[{"$type":"app.bsky.richtext.facet#mention","did":"did:plc:carol"}]}
	]`
	got := mentionDIDs(json.RawMessage(facets))
	assert.Equal(t, map[string]struct{}{"did:plc:bob": {}, "did:plc:carol": {}}, got)

	assert.Empty(t, mentionDIDs(nil))
	assert.Empty(t, mentionDIDs(json.RawMessage(`{broken`)))
}
