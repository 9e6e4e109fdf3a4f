// Package thread builds view trees around an anchor post: the ancestor
// chain up to the root plus a depth-bounded reply tree, filtered by the
// root's reply gate and the viewer's blocks, mutes, and label preferences.
package thread

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
)

// Defaults and bounds for an assembly.
const (
	DefaultAncestorDepth   = 80
	DefaultDescendantDepth = 6
	maxRepliesPerNode      = 100
)

// DefaultHideLabel is always in the viewer hide set.
const DefaultHideLabel = "!hide"

// Store is the read slice of the index the assembler needs.
type Store interface {
	GetPost(ctx context.Context, uri string) (index.Post, error)
	GetReplies(ctx context.Context, parentURI string, limit int) ([]index.Post, error)
	GetThreadGate(ctx context.Context, postURI string) (index.ThreadGate, error)
	GetFollowingSet(ctx context.Context, actorDID string) (map[string]struct{}, error)
	GetListMembers(ctx context.Context, listURIs []string) (map[string]struct{}, error)
	GetViewerHiddenAuthors(ctx context.Context, viewerDID string) (map[string]struct{}, error)
	EffectiveLabels(ctx context.Context, subject string) ([]index.Label, error)
}

// Counters receives assembly counters.
type Counters interface {
	Incr(name string)
}

// Options parameterize one assembly. Zero depths take the defaults.
type Options struct {
	AncestorDepth   int
	DescendantDepth int
	ViewerDID       string
	// HideLabels extends the viewer hide set beyond DefaultHideLabel.
	HideLabels []string
}

// Node is one post with its accepted replies.
type Node struct {
	Post    index.Post `json:"post"`
	Replies []*Node    `json:"replies,omitempty"`
}

// Thread is an assembled view: ancestors ordered root-first, then the
// anchor with its reply tree. A nil Anchor means the anchor post is not
// indexed.
type Thread struct {
	Ancestors []index.Post `json:"ancestors,omitempty"`
	Anchor    *Node        `json:"anchor,omitempty"`
}

// gateFilter is the per-assembly acceptance state, loaded once.
type gateFilter struct {
	active     bool
	rootAuthor string
	gate       index.ThreadGate
	mentioned  map[string]struct{}
	following  map[string]struct{}
	members    map[string]struct{}
}

// accepts is the O(1) reply-gate check.
func (g *gateFilter) accepts(authorDID string) bool {
	if !g.active {
		return true
	}
	if authorDID == g.rootAuthor {
		return true
	}
	if g.gate.AllowMentions {
		if _, ok := g.mentioned[authorDID]; ok {
			return true
		}
	}
	if g.gate.AllowFollowing {
		if _, ok := g.following[authorDID]; ok {
			return true
		}
	}
	if g.gate.AllowListMembers() {
		if _, ok := g.members[authorDID]; ok {
			return true
		}
	}
	return false
}

// Assembler builds threads from the index store.
type Assembler struct {
	store    Store
	counters Counters
	log      *zap.Logger
}

// NewAssembler wires an assembler.
func NewAssembler(store Store, counters Counters, logger *zap.Logger) *Assembler {
	return &Assembler{store: store, counters: counters, log: logger}
}

// Assemble builds the thread around anchorURI. An unknown anchor yields an
// empty thread, not an error.
func (a *Assembler) Assemble(ctx context.Context, anchorURI string, opts Options) (Thread, error) {
	if opts.AncestorDepth <= 0 {
		opts.AncestorDepth = DefaultAncestorDepth
	}
	if opts.DescendantDepth <= 0 {
		opts.DescendantDepth = DefaultDescendantDepth
	}

	anchor, err := a.store.GetPost(ctx, anchorURI)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return Thread{}, nil
		}
		return Thread{}, fmt.Errorf("load anchor: %w", err)
	}

	ancestors, err := a.walkAncestors(ctx, anchor, opts.AncestorDepth)
	if err != nil {
		return Thread{}, err
	}

	root := anchor
	if len(ancestors) > 0 {
		root = ancestors[0]
	}

	filter, err := a.loadGateFilter(ctx, root)
	if err != nil {
		return Thread{}, err
	}

	var hidden map[string]struct{}
	var hideLabels map[string]struct{}
	if opts.ViewerDID != "" {
		hidden, err = a.store.GetViewerHiddenAuthors(ctx, opts.ViewerDID)
		if err != nil {
			return Thread{}, fmt.Errorf("load viewer filters: %w", err)
		}
		hideLabels = make(map[string]struct{}, len(opts.HideLabels)+1)
		hideLabels[DefaultHideLabel] = struct{}{}
		for _, v := range opts.HideLabels {
			hideLabels[v] = struct{}{}
		}
	}

	anchorNode := &Node{Post: anchor}
	if err := a.walkDescendants(ctx, anchorNode, opts.DescendantDepth, filter, hidden, hideLabels); err != nil {
		return Thread{}, err
	}

	return Thread{Ancestors: ancestors, Anchor: anchorNode}, nil
}

// walkAncestors follows parent URIs up to the root, returning them
// root-first. A parent that fell out of the index truncates the chain there.
func (a *Assembler) walkAncestors(ctx context.Context, from index.Post, depth int) ([]index.Post, error) {
	var chain []index.Post
	cur := from
	for i := 0; i < depth && cur.ReplyParentURI != nil; i++ {
		parent, err := a.store.GetPost(ctx, *cur.ReplyParentURI)
		if err != nil {
			if errors.Is(err, index.ErrNotFound) {
				break
			}
			return nil, fmt.Errorf("walk ancestors: %w", err)
		}
		chain = append(chain, parent)
		cur = parent
	}
	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// loadGateFilter loads the root's reply gate and, concurrently, exactly the
// allow-sets its rules need.
func (a *Assembler) loadGateFilter(ctx context.Context, root index.Post) (*gateFilter, error) {
	gate, err := a.store.GetThreadGate(ctx, root.URI)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return &gateFilter{}, nil
		}
		return nil, fmt.Errorf("load thread gate: %w", err)
	}

	f := &gateFilter{active: true, rootAuthor: root.AuthorDID, gate: gate}
	g, gctx := errgroup.WithContext(ctx)

	if gate.AllowMentions {
		f.mentioned = mentionDIDs(root.Facets)
	}
	if gate.AllowFollowing {
		g.Go(func() error {
			set, err := a.store.GetFollowingSet(gctx, root.AuthorDID)
			if err != nil {
				return fmt.Errorf("load follow set: %w", err)
			}
			f.following = set
			return nil
		})
	}
	if gate.AllowListMembers() {
		g.Go(func() error {
			set, err := a.store.GetListMembers(gctx, gate.AllowListURIs)
			if err != nil {
				return fmt.Errorf("load list members: %w", err)
			}
			f.members = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return f, nil
}

// walkDescendants fills the reply tree breadth-first. Rejection is
// monotonic: a rejected or hidden reply's subtree is never visited.
func (a *Assembler) walkDescendants(ctx context.Context, anchor *Node, depth int, filter *gateFilter, hidden, hideLabels map[string]struct{}) error {
	frontier := []*Node{anchor}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []*Node
		for _, node := range frontier {
			replies, err := a.store.GetReplies(ctx, node.Post.URI, maxRepliesPerNode)
			if err != nil {
				return fmt.Errorf("load replies of %s: %w", node.Post.URI, err)
			}
			for _, reply := range replies {
				if !filter.accepts(reply.AuthorDID) {
					a.counters.Incr("thread:gate_violations")
					continue
				}
				if hidden != nil {
					if _, blocked := hidden[reply.AuthorDID]; blocked {
						continue
					}
				}
				if len(hideLabels) > 0 {
					hide, err := a.labelHidden(ctx, reply.URI, hideLabels)
					if err != nil {
						return err
					}
					if hide {
						continue
					}
				}
				child := &Node{Post: reply}
				node.Replies = append(node.Replies, child)
				next = append(next, child)
			}
		}
		frontier = next
	}
	return nil
}

// labelHidden reports whether the post's effective labels intersect the
// viewer hide set.
func (a *Assembler) labelHidden(ctx context.Context, uri string, hideLabels map[string]struct{}) (bool, error) {
	labels, err := a.store.EffectiveLabels(ctx, uri)
	if err != nil {
		return false, fmt.Errorf("load labels of %s: %w", uri, err)
	}
	for _, l := range labels {
		if _, hide := hideLabels[l.Val]; hide {
			return true, nil
		}
	}
	return false, nil
}
