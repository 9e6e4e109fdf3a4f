package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/cache"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/lexicon"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/queue"
)

// poisonPillError marks structurally unrecoverable messages: redelivery can
// never fix them, so they go straight to the dead-letter stream.
type poisonPillError struct{ msg string }

func (e *poisonPillError) Error() string { return "poison pill: " + e.msg }

// processEvent routes one queue event. It is pure with respect to the queue:
// ack/nak policy lives in processMessage, keeping this unit-testable.
func (p *Processor) processEvent(ctx context.Context, ev queue.Event) error {
	switch ev.Type {
	case queue.EventCommit:
		var data CommitData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return &poisonPillError{msg: fmt.Sprintf("unmarshal commit data: %v", err)}
		}
		if data.Repo == "" {
			return &poisonPillError{msg: "commit event without repo"}
		}
		// Ops inside one commit run in upstream order; concurrency lives
		// across messages, not inside them.
		for _, op := range data.Ops {
			if err := p.processOp(ctx, data.Repo, op); err != nil {
				return err
			}
		}
		return nil

	case queue.EventIdentity:
		var data IdentityData
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.DID == "" {
			return &poisonPillError{msg: "malformed identity event"}
		}
		p.counters.Incr("events:identity")
		return p.store.SetHandle(ctx, data.DID, data.Handle)

	case queue.EventAccount:
		var data AccountData
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.DID == "" {
			return &poisonPillError{msg: "malformed account event"}
		}
		p.counters.Incr("events:account")
		return p.store.SetActive(ctx, data.DID, data.Active)

	default:
		return &poisonPillError{msg: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
}

// processOp handles one create/update/delete inside a commit.
func (p *Processor) processOp(ctx context.Context, repo string, op CommitOp) error {
	collection, _, ok := strings.Cut(op.Path, "/")
	if !ok || collection == "" {
		return &poisonPillError{msg: fmt.Sprintf("malformed op path %q", op.Path)}
	}
	uri := "at://" + repo + "/" + op.Path

	switch op.Action {
	case "delete":
		return p.processDelete(ctx, repo, collection, uri)
	case "create", "update":
		return p.processWrite(ctx, repo, collection, uri, op)
	default:
		return &poisonPillError{msg: fmt.Sprintf("unknown op action %q", op.Action)}
	}
}

// processDelete cancels any buffered child keyed by this URI, then removes
// the row. Cascade semantics live here, not in the schema, so buffered ops
// stay visible to the buffer's bookkeeping.
func (p *Processor) processDelete(ctx context.Context, repo, collection, uri string) error {
	p.pending.Cancel(uri)
	p.pendingListItems.Cancel(uri)
	p.counters.Incr("ops:delete")

	switch collection {
	case lexicon.CollectionPost:
		if purged := p.pending.PurgeParent(uri); purged > 0 {
			p.log.Debug("purged pending children of deleted post",
				zap.String("uri", uri), zap.Int("count", purged))
		}
		// Decrement the parent's reply count before the row disappears.
		if post, err := p.store.GetPost(ctx, uri); err == nil && post.ReplyParentURI != nil {
			if err := p.store.BumpAggregate(ctx, *post.ReplyParentURI, "reply_count", -1); err != nil {
				return err
			}
			p.invalidate(ctx, cache.Key(cache.PrefixPostAggregates, *post.ReplyParentURI))
		}
		if err := p.store.DeletePost(ctx, uri); err != nil {
			return err
		}
		if err := p.store.DeleteNotificationsForSubject(ctx, uri); err != nil {
			return err
		}
		p.invalidate(ctx,
			cache.Key(cache.PrefixPostAggregates, uri),
			cache.Key(cache.PrefixThreadContext, uri))
		return nil

	case lexicon.CollectionLike:
		subject, err := p.store.DeleteLike(ctx, uri)
		if err != nil {
			if err == index.ErrNotFound {
				return nil // never indexed, or cancelled while pending
			}
			return err
		}
		if err := p.store.BumpAggregate(ctx, subject, "like_count", -1); err != nil {
			return err
		}
		p.invalidate(ctx, cache.Key(cache.PrefixPostAggregates, subject))
		return nil

	case lexicon.CollectionRepost:
		subject, err := p.store.DeleteRepost(ctx, uri)
		if err != nil {
			if err == index.ErrNotFound {
				return nil
			}
			return err
		}
		if err := p.store.DeleteFeedItem(ctx, uri); err != nil {
			return err
		}
		if err := p.store.BumpAggregate(ctx, subject, "repost_count", -1); err != nil {
			return err
		}
		p.invalidate(ctx, cache.Key(cache.PrefixPostAggregates, subject))
		return nil

	case lexicon.CollectionFollow:
		return p.store.DeleteFollow(ctx, uri)
	case lexicon.CollectionBlock:
		if err := p.store.DeleteBlock(ctx, uri); err != nil {
			return err
		}
		p.invalidate(ctx, cache.Key(cache.PrefixMutesBlocks, repo))
		return nil
	case lexicon.CollectionList:
		p.pendingListItems.PurgeParent(uri)
		return p.store.DeleteList(ctx, uri)
	case lexicon.CollectionListItem:
		return p.store.DeleteListItem(ctx, uri)
	case lexicon.CollectionFeedGenerator:
		return p.store.DeleteRecord(ctx, "feed_generators", uri)
	case lexicon.CollectionStarterPack:
		return p.store.DeleteRecord(ctx, "starter_packs", uri)
	case lexicon.CollectionLabelerService:
		return p.store.DeleteRecord(ctx, "labeler_services", uri)
	case lexicon.CollectionThreadGate:
		// Gates key on the gated post, not the gate record URI.
		return p.store.DeleteRecord(ctx, "thread_gates", threadGatePostURI(repo, uri))
	case lexicon.CollectionPostGate:
		return p.store.DeleteRecord(ctx, "post_gates", uri)
	default:
		// Profiles are never deleted (the actor row survives); unknown
		// collections have no rows to remove.
		return nil
	}
}

// processWrite validates and dispatches a create/update.
func (p *Processor) processWrite(ctx context.Context, repo, collection, uri string, op CommitOp) error {
	result, verr := p.registry.Validate(collection, op.Record)
	switch result {
	case lexicon.ResultInvalid:
		// Dropped, counted, acked: redelivery cannot make it valid.
		p.counters.Incr("ops:invalid")
		p.log.Debug("dropping invalid record",
			zap.String("uri", uri), zap.Error(verr))
		return nil
	case lexicon.ResultUnknown:
		// Forward compatibility: unknown collections pass through and are
		// counted, but nothing is indexed for them.
		p.counters.Incr("ops:unknown_collection")
		return nil
	}

	if p.skipForBackfill(op.Record) {
		p.counters.Incr("ops:backfill_skipped")
		return nil
	}

	if err := p.store.EnsureActor(ctx, repo); err != nil {
		return err
	}
	p.counters.Incr("ops:" + collection)

	switch collection {
	case lexicon.CollectionPost:
		return p.handlePost(ctx, repo, uri, op)
	case lexicon.CollectionLike:
		return p.handleInteraction(ctx, repo, uri, op.Record, lexicon.CollectionLike)
	case lexicon.CollectionRepost:
		return p.handleInteraction(ctx, repo, uri, op.Record, lexicon.CollectionRepost)
	case lexicon.CollectionFollow:
		return p.handleFollow(ctx, repo, uri, op.Record)
	case lexicon.CollectionBlock:
		return p.handleBlock(ctx, repo, uri, op.Record)
	case lexicon.CollectionList:
		return p.handleList(ctx, repo, uri, op.Record)
	case lexicon.CollectionListItem:
		return p.handleListItem(ctx, repo, uri, op.Record)
	case lexicon.CollectionProfile:
		return p.handleProfile(ctx, repo, op.Record)
	case lexicon.CollectionFeedGenerator:
		return p.handleFeedGenerator(ctx, repo, uri, op.Record)
	case lexicon.CollectionStarterPack:
		return p.handleStarterPack(ctx, repo, uri, op.Record)
	case lexicon.CollectionLabelerService:
		return p.handleLabelerService(ctx, repo, uri, op.Record)
	case lexicon.CollectionThreadGate:
		return p.handleThreadGate(ctx, repo, op.Record)
	case lexicon.CollectionPostGate:
		return p.handlePostGate(ctx, uri, op.Record)
	case lexicon.CollectionLabel:
		return p.handleLabel(ctx, repo, op.Record)
	default:
		return nil
	}
}

// ── per-collection handlers ────────────────────────────────────────────────

func (p *Processor) handlePost(ctx context.Context, repo, uri string, op CommitOp) error {
	var rec lexicon.PostRecord
	if err := json.Unmarshal(op.Record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("post %s: %v", uri, err)}
	}

	params := index.UpsertPostParams{
		URI:       uri,
		CID:       op.CID,
		AuthorDID: repo,
		Text:      rec.Text,
		Facets:    rec.Facets,
		Embed:     rec.Embed,
		Langs:     rec.Langs,
		CreatedAt: parseTime(rec.CreatedAt),
	}
	if rec.Reply != nil {
		params.ReplyParentURI = &rec.Reply.Parent.URI
		params.ReplyRootURI = &rec.Reply.Root.URI
	}

	inserted, err := p.store.UpsertPost(ctx, params)
	if err != nil {
		if index.IsUniqueViolation(err) {
			return nil
		}
		return err
	}
	if !inserted {
		// Identically-keyed replace: aggregates, notifications, and pending
		// flushes already happened on first sighting.
		return nil
	}

	if err := p.store.UpsertFeedItem(ctx, uri, uri, repo, "post", params.CreatedAt); err != nil {
		return err
	}

	if rec.Reply != nil {
		if err := p.store.BumpAggregate(ctx, rec.Reply.Parent.URI, "reply_count", 1); err != nil {
			return err
		}
		p.invalidate(ctx,
			cache.Key(cache.PrefixPostAggregates, rec.Reply.Parent.URI),
			cache.Key(cache.PrefixThreadContext, rec.Reply.Root.URI))

		if parentAuthor, err := p.store.GetPostAuthor(ctx, rec.Reply.Parent.URI); err == nil && parentAuthor != repo {
			if err := p.store.InsertNotification(ctx, parentAuthor, repo, index.NotifReply, &uri); err != nil {
				return err
			}
		}
	}

	if err := p.notifyMentions(ctx, repo, uri, rec.Text); err != nil {
		return err
	}

	// The post is durable: release children that were waiting for it.
	return p.flushPendingFor(ctx, uri)
}

// handleInteraction covers likes and reposts, which share the
// subject/pending/notification shape.
func (p *Processor) handleInteraction(ctx context.Context, repo, uri string, record json.RawMessage, collection string) error {
	var rec lexicon.LikeRecord // RepostRecord is structurally identical
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("%s %s: %v", collection, uri, err)}
	}
	subject := rec.Subject.URI
	createdAt := parseTime(rec.CreatedAt)

	exists, err := p.store.PostExists(ctx, subject)
	if err != nil {
		return err
	}
	if !exists {
		p.enqueuePending(uri, collection, repo, subject, createdAt)
		return nil
	}

	return p.insertInteraction(ctx, PendingOp{
		URI:        uri,
		Collection: collection,
		ActorDID:   repo,
		ParentURI:  subject,
		CreatedAt:  createdAt,
	}, true)
}

// insertInteraction writes a like or repost row. requeueOnFK handles the
// parent vanishing between the existence check (or flush-take) and the
// insert by putting the op back on the pending buffer.
func (p *Processor) insertInteraction(ctx context.Context, op PendingOp, requeueOnFK bool) error {
	var err error
	switch op.Collection {
	case lexicon.CollectionLike:
		err = p.store.InsertLike(ctx, op.URI, op.ActorDID, op.ParentURI, op.CreatedAt)
	case lexicon.CollectionRepost:
		err = p.store.InsertRepost(ctx, op.URI, op.ActorDID, op.ParentURI, op.CreatedAt)
	default:
		return &poisonPillError{msg: fmt.Sprintf("unexpected pending collection %q", op.Collection)}
	}
	if err != nil {
		if index.IsUniqueViolation(err) {
			return nil
		}
		if index.IsFKViolation(err) {
			if requeueOnFK {
				p.enqueuePending(op.URI, op.Collection, op.ActorDID, op.ParentURI, op.CreatedAt)
			}
			return nil
		}
		return err
	}

	column, reason := "like_count", index.NotifLike
	if op.Collection == lexicon.CollectionRepost {
		column, reason = "repost_count", index.NotifRepost
		if err := p.store.UpsertFeedItem(ctx, op.URI, op.ParentURI, op.ActorDID, "repost", op.CreatedAt); err != nil {
			return err
		}
	}
	if err := p.store.BumpAggregate(ctx, op.ParentURI, column, 1); err != nil {
		return err
	}
	p.invalidate(ctx, cache.Key(cache.PrefixPostAggregates, op.ParentURI))

	if author, err := p.store.GetPostAuthor(ctx, op.ParentURI); err == nil && author != op.ActorDID {
		if err := p.store.InsertNotification(ctx, author, op.ActorDID, reason, &op.ParentURI); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) handleFollow(ctx context.Context, repo, uri string, record json.RawMessage) error {
	var rec lexicon.FollowRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("follow %s: %v", uri, err)}
	}
	if err := p.store.InsertFollow(ctx, uri, repo, rec.Subject, parseTime(rec.CreatedAt)); err != nil {
		if index.IsUniqueViolation(err) {
			return nil
		}
		return err
	}
	return p.store.InsertNotification(ctx, rec.Subject, repo, index.NotifFollow, nil)
}

func (p *Processor) handleBlock(ctx context.Context, repo, uri string, record json.RawMessage) error {
	var rec lexicon.BlockRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("block %s: %v", uri, err)}
	}
	if err := p.store.InsertBlock(ctx, uri, repo, rec.Subject, parseTime(rec.CreatedAt)); err != nil {
		if index.IsUniqueViolation(err) {
			return nil
		}
		return err
	}
	p.invalidate(ctx,
		cache.Key(cache.PrefixMutesBlocks, repo),
		cache.Key(cache.PrefixMutesBlocks, rec.Subject))
	return nil
}

func (p *Processor) handleList(ctx context.Context, repo, uri string, record json.RawMessage) error {
	var rec lexicon.ListRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("list %s: %v", uri, err)}
	}
	inserted, err := p.store.UpsertList(ctx, index.List{
		URI:         uri,
		CreatorDID:  repo,
		Purpose:     rec.Purpose,
		Name:        rec.Name,
		Description: optional(rec.Description),
		CreatedAt:   parseTime(rec.CreatedAt),
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return p.flushPendingFor(ctx, uri)
}

func (p *Processor) handleListItem(ctx context.Context, repo, uri string, record json.RawMessage) error {
	var rec lexicon.ListItemRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("list item %s: %v", uri, err)}
	}
	op := PendingOp{
		URI:        uri,
		Collection: lexicon.CollectionListItem,
		ActorDID:   repo,
		SubjectDID: rec.Subject,
		ParentURI:  rec.List,
		CreatedAt:  parseTime(rec.CreatedAt),
	}
	return p.insertListItem(ctx, op, true)
}

func (p *Processor) insertListItem(ctx context.Context, op PendingOp, requeueOnFK bool) error {
	err := p.store.InsertListItem(ctx, op.URI, op.ParentURI, op.SubjectDID, op.CreatedAt)
	if err != nil {
		if index.IsUniqueViolation(err) {
			return nil
		}
		if index.IsFKViolation(err) {
			if requeueOnFK {
				p.pendingListItems.Enqueue(op)
				p.counters.Incr("pending:enqueued")
			}
			return nil
		}
		return err
	}
	return nil
}

func (p *Processor) handleProfile(ctx context.Context, repo string, record json.RawMessage) error {
	var rec lexicon.ProfileRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("profile %s: %v", repo, err)}
	}
	return p.store.UpsertProfile(ctx, repo, optional(rec.DisplayName), optional(rec.Description), rec.Avatar)
}

func (p *Processor) handleFeedGenerator(ctx context.Context, repo, uri string, record json.RawMessage) error {
	var rec lexicon.FeedGeneratorRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("feed generator %s: %v", uri, err)}
	}
	return p.store.UpsertFeedGenerator(ctx, index.FeedGenerator{
		URI:         uri,
		CreatorDID:  repo,
		DID:         rec.DID,
		DisplayName: rec.DisplayName,
		Description: optional(rec.Description),
		CreatedAt:   parseTime(rec.CreatedAt),
	})
}

func (p *Processor) handleStarterPack(ctx context.Context, repo, uri string, record json.RawMessage) error {
	var rec lexicon.StarterPackRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("starter pack %s: %v", uri, err)}
	}
	return p.store.UpsertStarterPack(ctx, index.StarterPack{
		URI:        uri,
		CreatorDID: repo,
		Name:       rec.Name,
		ListURI:    rec.List,
		CreatedAt:  parseTime(rec.CreatedAt),
	})
}

func (p *Processor) handleLabelerService(ctx context.Context, repo, uri string, record json.RawMessage) error {
	var rec lexicon.LabelerServiceRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("labeler %s: %v", uri, err)}
	}
	return p.store.UpsertLabelerService(ctx, index.LabelerService{
		URI:        uri,
		CreatorDID: repo,
		Policies:   rec.Policies,
		CreatedAt:  parseTime(rec.CreatedAt),
	})
}

func (p *Processor) handleThreadGate(ctx context.Context, repo string, record json.RawMessage) error {
	var rec lexicon.ThreadGateRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("thread gate: %v", err)}
	}
	gate := index.ThreadGate{
		PostURI:   rec.Post,
		OwnerDID:  repo,
		CreatedAt: parseTime(rec.CreatedAt),
	}
	gate.AllowMentions, gate.AllowFollowing, gate.AllowListURIs = parseGateRules(rec.Allow)
	if err := p.store.UpsertThreadGate(ctx, gate); err != nil {
		return err
	}
	p.invalidate(ctx, cache.Key(cache.PrefixThreadContext, rec.Post))
	return nil
}

func (p *Processor) handlePostGate(ctx context.Context, uri string, record json.RawMessage) error {
	var rec lexicon.PostGateRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("post gate %s: %v", uri, err)}
	}
	return p.store.UpsertPostGate(ctx, index.PostGate{
		URI:            uri,
		PostURI:        rec.Post,
		DetachedEmbeds: rec.DetachedEmbeds,
		EmbeddingRules: rec.EmbeddingRules,
		CreatedAt:      parseTime(rec.CreatedAt),
	})
}

func (p *Processor) handleLabel(ctx context.Context, repo string, record json.RawMessage) error {
	var rec lexicon.LabelRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("label: %v", err)}
	}
	src := rec.Src
	if src == "" {
		src = repo
	}
	if err := p.store.InsertLabel(ctx, index.Label{
		Src:       src,
		Subject:   rec.URI,
		Val:       rec.Val,
		Neg:       rec.Neg,
		CreatedAt: parseTime(rec.CTS),
	}); err != nil {
		return err
	}
	p.invalidate(ctx, cache.Key(cache.PrefixLabels, rec.URI))
	return nil
}

// ── shared helpers ─────────────────────────────────────────────────────────

// flushPendingFor drains the pending queues keyed by a freshly written
// parent. TakeQueue removes atomically, so a concurrent enqueue lands in a
// fresh queue and is picked up by the retry loop.
func (p *Processor) flushPendingFor(ctx context.Context, parentURI string) error {
	for _, op := range p.pending.TakeQueue(parentURI) {
		if err := p.insertInteraction(ctx, op, true); err != nil {
			return err
		}
		p.counters.Incr("pending:flushed")
	}
	for _, op := range p.pendingListItems.TakeQueue(parentURI) {
		if err := p.insertListItem(ctx, op, true); err != nil {
			return err
		}
		p.counters.Incr("pending:flushed")
	}
	return nil
}

func (p *Processor) enqueuePending(uri, collection, actorDID, parentURI string, createdAt time.Time) {
	p.pending.Enqueue(PendingOp{
		URI:        uri,
		Collection: collection,
		ActorDID:   actorDID,
		ParentURI:  parentURI,
		CreatedAt:  createdAt,
	})
	p.counters.Incr("pending:enqueued")
}

// notifyMentions scans post text for handle mentions and notifies each
// distinct mentioned actor once.
func (p *Processor) notifyMentions(ctx context.Context, authorDID, postURI, text string) error {
	handles := scanMentions(text)
	if len(handles) == 0 {
		return nil
	}
	resolved, err := p.store.ResolveHandles(ctx, handles)
	if err != nil {
		return err
	}
	notified := make(map[string]struct{}, len(resolved))
	for _, handle := range handles {
		did, ok := resolved[handle]
		if !ok || did == authorDID {
			continue
		}
		if _, dup := notified[did]; dup {
			continue
		}
		notified[did] = struct{}{}
		if err := p.store.InsertNotification(ctx, did, authorDID, index.NotifMention, &postURI); err != nil {
			return err
		}
	}
	return nil
}

// skipForBackfill drops old records when a backfill cutoff is configured.
// The createdAt is self-reported by the repository owner, so this is a
// best-effort filter, not a security boundary.
func (p *Processor) skipForBackfill(record json.RawMessage) bool {
	if p.backfillCutoff.IsZero() {
		return false
	}
	var probe struct {
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal(record, &probe); err != nil || probe.CreatedAt == "" {
		return false
	}
	t, err := parseTimeStrict(probe.CreatedAt)
	if err != nil {
		return false
	}
	return t.Before(p.backfillCutoff)
}

// invalidate drops cache keys; a nil invalidator makes it a no-op.
func (p *Processor) invalidate(ctx context.Context, keys ...string) {
	if p.cacheInv != nil {
		p.cacheInv.Delete(ctx, keys...)
	}
}

// parseGateRules interprets the threadgate allow array. A missing array
// means only the root author may reply (all switches off, matching an empty
// allow list); rule variants switch on their $type.
func parseGateRules(allow json.RawMessage) (mentions, following bool, listURIs []string) {
	if len(allow) == 0 {
		return false, false, nil
	}
	var rules []struct {
		Type string `json:"$type"`
		List string `json:"list"`
	}
	if err := json.Unmarshal(allow, &rules); err != nil {
		return false, false, nil
	}
	for _, r := range rules {
		switch r.Type {
		case "app.bsky.feed.threadgate#mentionRule":
			mentions = true
		case "app.bsky.feed.threadgate#followingRule":
			following = true
		case "app.bsky.feed.threadgate#listRule":
			if r.List != "" {
				listURIs = append(listURIs, r.List)
			}
		}
	}
	return mentions, following, listURIs
}

// threadGatePostURI maps a gate record URI onto the post it gates: the gate
// shares its rkey with the post.
func threadGatePostURI(repo, gateURI string) string {
	rkey := gateURI[strings.LastIndex(gateURI, "/")+1:]
	return "at://" + repo + "/" + lexicon.CollectionPost + "/" + rkey
}

// parseTime accepts the timestamp formats seen in the wild and falls back
// to now for unparseable values, because the index still wants the row.
func parseTime(s string) time.Time {
	if t, err := parseTimeStrict(s); err == nil {
		return t
	}
	return time.Now().UTC()
}

func parseTimeStrict(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
