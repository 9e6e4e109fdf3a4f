package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/firehose"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/queue"
)

// Aliases keep the consumer-side interfaces expressible without re-declaring
// the stream's wire types or the payloads the producer encodes into them.
type (
	Message     = queue.Message
	PendingInfo = queue.PendingInfo

	CommitData   = firehose.CommitData
	CommitOp     = firehose.CommitOp
	IdentityData = firehose.IdentityData
	AccountData  = firehose.AccountData
)

// Store is the slice of the index store the processor writes through.
// *index.Store satisfies it; tests substitute a function-field mock.
type Store interface {
	EnsureActor(ctx context.Context, did string) error
	SetHandle(ctx context.Context, did, handle string) error
	SetActive(ctx context.Context, did string, active bool) error
	UpsertProfile(ctx context.Context, did string, displayName, description *string, avatar json.RawMessage) error
	ResolveHandles(ctx context.Context, handles []string) (map[string]string, error)

	UpsertPost(ctx context.Context, p index.UpsertPostParams) (bool, error)
	DeletePost(ctx context.Context, uri string) error
	GetPost(ctx context.Context, uri string) (index.Post, error)
	PostExists(ctx context.Context, uri string) (bool, error)
	GetPostAuthor(ctx context.Context, uri string) (string, error)

	InsertLike(ctx context.Context, uri, actorDID, subjectURI string, createdAt time.Time) error
	DeleteLike(ctx context.Context, uri string) (string, error)
	InsertRepost(ctx context.Context, uri, actorDID, subjectURI string, createdAt time.Time) error
	DeleteRepost(ctx context.Context, uri string) (string, error)

	InsertFollow(ctx context.Context, uri, actorDID, subjectDID string, createdAt time.Time) error
	DeleteFollow(ctx context.Context, uri string) error
	InsertBlock(ctx context.Context, uri, actorDID, subjectDID string, createdAt time.Time) error
	DeleteBlock(ctx context.Context, uri string) error

	UpsertList(ctx context.Context, l index.List) (bool, error)
	DeleteList(ctx context.Context, uri string) error
	ListExists(ctx context.Context, uri string) (bool, error)
	InsertListItem(ctx context.Context, uri, listURI, subjectDID string, createdAt time.Time) error
	DeleteListItem(ctx context.Context, uri string) error

	UpsertFeedGenerator(ctx context.Context, g index.FeedGenerator) error
	UpsertStarterPack(ctx context.Context, p index.StarterPack) error
	UpsertLabelerService(ctx context.Context, l index.LabelerService) error
	UpsertThreadGate(ctx context.Context, g index.ThreadGate) error
	UpsertPostGate(ctx context.Context, g index.PostGate) error
	InsertLabel(ctx context.Context, l index.Label) error
	DeleteRecord(ctx context.Context, table, uri string) error

	InsertNotification(ctx context.Context, recipientDID, authorDID, reason string, reasonSubject *string) error
	DeleteNotificationsForSubject(ctx context.Context, subjectURI string) error

	BumpAggregate(ctx context.Context, postURI, column string, delta int64) error
	UpsertFeedItem(ctx context.Context, uri, postURI, actorDID, kind string, sortAt time.Time) error
	DeleteFeedItem(ctx context.Context, uri string) error
}

// Queue is the durable stream surface the processor consumes from.
// *queue.Stream satisfies it.
type Queue interface {
	Consume(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, ids ...string) error
	Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error)
	PendingDetails(ctx context.Context, minIdle time.Duration, count int64) ([]PendingInfo, error)
	FetchByID(ctx context.Context, id string) (Message, bool, error)
	DeadLetter(ctx context.Context, msg Message, deliveries int64, reason string) error
}

// Invalidator drops cache keys whose backing rows changed. Nil-safe via the
// processor's helper.
type Invalidator interface {
	Delete(ctx context.Context, keys ...string)
}

// Counters receives processing counters.
type Counters interface {
	Incr(name string)
}
