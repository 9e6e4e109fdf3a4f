// Package service is the read path: thin compositions of the index store,
// the cache layer, and the thread assembler that the HTTP handlers call.
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/cache"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/thread"
)

// AggregateStore supplies the per-post counters.
type AggregateStore interface {
	GetAggregates(ctx context.Context, postURI string) (index.PostAggregates, error)
}

// Assembler builds the thread tree.
type Assembler interface {
	Assemble(ctx context.Context, anchorURI string, opts thread.Options) (thread.Thread, error)
}

// ThreadView is a thread plus the aggregates of every post in it, keyed by
// post URI.
type ThreadView struct {
	Thread     thread.Thread                   `json:"thread"`
	Aggregates map[string]index.PostAggregates `json:"aggregates"`
}

// ThreadService assembles threads and decorates them with cached counts.
type ThreadService struct {
	assembler Assembler
	store     AggregateStore
	cache     *cache.Cache
	log       *zap.Logger
}

// NewThreadService wires the thread read path.
func NewThreadService(assembler Assembler, store AggregateStore, c *cache.Cache, logger *zap.Logger) *ThreadService {
	return &ThreadService{assembler: assembler, store: store, cache: c, log: logger}
}

// GetThread assembles the thread around anchorURI. Viewerless assemblies at
// default depths are cached whole; viewer-specific ones are always built
// fresh because their filtering is personal.
func (s *ThreadService) GetThread(ctx context.Context, anchorURI string, opts thread.Options) (ThreadView, error) {
	cacheable := opts.ViewerDID == "" && opts.AncestorDepth == 0 && opts.DescendantDepth == 0 && len(opts.HideLabels) == 0
	key := cache.Key(cache.PrefixThreadContext, anchorURI)

	if cacheable {
		var cached ThreadView
		if s.cache.Get(ctx, key, &cached) {
			return cached, nil
		}
	}

	th, err := s.assembler.Assemble(ctx, anchorURI, opts)
	if err != nil {
		return ThreadView{}, fmt.Errorf("assemble thread: %w", err)
	}

	view := ThreadView{Thread: th, Aggregates: s.loadAggregates(ctx, collectURIs(th))}
	if cacheable && th.Anchor != nil {
		s.cache.Set(ctx, cache.PrefixThreadContext, key, view)
	}
	return view, nil
}

// loadAggregates reads counts cache-first, then backfills misses from the
// store and re-primes the cache in one pipeline.
func (s *ThreadService) loadAggregates(ctx context.Context, uris []string) map[string]index.PostAggregates {
	out := make(map[string]index.PostAggregates, len(uris))
	if len(uris) == 0 {
		return out
	}

	keys := make([]string, len(uris))
	keyToURI := make(map[string]string, len(uris))
	for i, uri := range uris {
		keys[i] = cache.Key(cache.PrefixPostAggregates, uri)
		keyToURI[keys[i]] = uri
	}

	hits := s.cache.GetMany(ctx, keys)
	fill := make(map[string]any)
	for key, uri := range keyToURI {
		if raw, ok := hits[key]; ok {
			var agg index.PostAggregates
			if json.Unmarshal(raw, &agg) == nil {
				out[uri] = agg
				continue
			}
		}
		agg, err := s.store.GetAggregates(ctx, uri)
		if err != nil {
			s.log.Warn("aggregate load failed", zap.String("uri", uri), zap.Error(err))
			continue
		}
		out[uri] = agg
		fill[key] = agg
	}
	s.cache.SetMany(ctx, cache.PrefixPostAggregates, fill)
	return out
}

// collectURIs gathers every post URI appearing in a thread.
func collectURIs(th thread.Thread) []string {
	var out []string
	for _, p := range th.Ancestors {
		out = append(out, p.URI)
	}
	var walk func(n *thread.Node)
	walk = func(n *thread.Node) {
		if n == nil {
			return
		}
		out = append(out, n.Post.URI)
		for _, r := range n.Replies {
			walk(r)
		}
	}
	walk(th.Anchor)
	return out
}
