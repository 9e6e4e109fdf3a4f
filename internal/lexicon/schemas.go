package lexicon

import "encoding/json"

// Collection NSIDs understood by this deployment.
const (
	CollectionPost           = "app.bsky.feed.post"
	CollectionLike           = "app.bsky.feed.like"
	CollectionRepost         = "app.bsky.feed.repost"
	CollectionFeedGenerator  = "app.bsky.feed.generator"
	CollectionThreadGate     = "app.bsky.feed.threadgate"
	CollectionPostGate       = "app.bsky.feed.postgate"
	CollectionFollow         = "app.bsky.graph.follow"
	CollectionBlock          = "app.bsky.graph.block"
	CollectionList           = "app.bsky.graph.list"
	CollectionListItem       = "app.bsky.graph.listitem"
	CollectionStarterPack    = "app.bsky.graph.starterpack"
	CollectionProfile        = "app.bsky.actor.profile"
	CollectionLabelerService = "app.bsky.labeler.service"
	CollectionLabel          = "com.atproto.label.label"
)

// StrongRef is a (uri, cid) pair pointing at a specific record version.
type StrongRef struct {
	URI string `json:"uri" validate:"required"`
	CID string `json:"cid"`
}

// ReplyRef carries the thread position of a reply. When a post declares a
// reply, both root and parent must be present.
type ReplyRef struct {
	Root   StrongRef `json:"root" validate:"required"`
	Parent StrongRef `json:"parent" validate:"required"`
}

// PostRecord is app.bsky.feed.post. Timestamps are validated leniently here;
// the processor parses them with a fallback because upstream repositories
// contain malformed dates that the index still accepts.
type PostRecord struct {
	Text      string          `json:"text" validate:"max=3000"`
	CreatedAt string          `json:"createdAt" validate:"required"`
	Reply     *ReplyRef       `json:"reply,omitempty"`
	Facets    json.RawMessage `json:"facets,omitempty"`
	Embed     json.RawMessage `json:"embed,omitempty"`
	Langs     []string        `json:"langs,omitempty" validate:"max=3"`
}

// LikeRecord is app.bsky.feed.like.
type LikeRecord struct {
	Subject   StrongRef `json:"subject" validate:"required"`
	CreatedAt string    `json:"createdAt" validate:"required"`
}

// RepostRecord is app.bsky.feed.repost.
type RepostRecord struct {
	Subject   StrongRef `json:"subject" validate:"required"`
	CreatedAt string    `json:"createdAt" validate:"required"`
}

// FollowRecord is app.bsky.graph.follow.
type FollowRecord struct {
	Subject   string `json:"subject" validate:"required"`
	CreatedAt string `json:"createdAt" validate:"required"`
}

// BlockRecord is app.bsky.graph.block.
type BlockRecord struct {
	Subject   string `json:"subject" validate:"required"`
	CreatedAt string `json:"createdAt" validate:"required"`
}

// ListRecord is app.bsky.graph.list.
type ListRecord struct {
	Purpose     string `json:"purpose" validate:"required"`
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description,omitempty" validate:"max=3000"`
	CreatedAt   string `json:"createdAt" validate:"required"`
}

// ListItemRecord is app.bsky.graph.listitem.
type ListItemRecord struct {
	Subject   string `json:"subject" validate:"required"`
	List      string `json:"list" validate:"required"`
	CreatedAt string `json:"createdAt" validate:"required"`
}

// StarterPackRecord is app.bsky.graph.starterpack.
type StarterPackRecord struct {
	Name      string `json:"name" validate:"required,max=500"`
	List      string `json:"list" validate:"required"`
	CreatedAt string `json:"createdAt" validate:"required"`
}

// ProfileRecord is app.bsky.actor.profile. Every field is optional; the
// schema exists so malformed profile payloads are still caught.
type ProfileRecord struct {
	DisplayName string          `json:"displayName,omitempty" validate:"max=640"`
	Description string          `json:"description,omitempty" validate:"max=2560"`
	Avatar      json.RawMessage `json:"avatar,omitempty"`
	Banner      json.RawMessage `json:"banner,omitempty"`
	CreatedAt   string          `json:"createdAt,omitempty"`
}

// FeedGeneratorRecord is app.bsky.feed.generator.
type FeedGeneratorRecord struct {
	DID         string `json:"did" validate:"required"`
	DisplayName string `json:"displayName" validate:"required,max=240"`
	Description string `json:"description,omitempty" validate:"max=3000"`
	CreatedAt   string `json:"createdAt" validate:"required"`
}

// ThreadGateRecord is app.bsky.feed.threadgate. The allow array is kept raw;
// the indexer interprets the rule variants.
type ThreadGateRecord struct {
	Post      string          `json:"post" validate:"required"`
	Allow     json.RawMessage `json:"allow,omitempty"`
	CreatedAt string          `json:"createdAt" validate:"required"`
}

// PostGateRecord is app.bsky.feed.postgate.
type PostGateRecord struct {
	Post             string          `json:"post" validate:"required"`
	DetachedEmbeds   json.RawMessage `json:"detachedEmbeddingUris,omitempty"`
	EmbeddingRules   json.RawMessage `json:"embeddingRules,omitempty"`
	CreatedAt        string          `json:"createdAt" validate:"required"`
}

// LabelerServiceRecord is app.bsky.labeler.service.
type LabelerServiceRecord struct {
	Policies  json.RawMessage `json:"policies" validate:"required"`
	CreatedAt string          `json:"createdAt" validate:"required"`
}

// LabelRecord is com.atproto.label.label: a moderation assertion about a
// subject (URI or DID). Neg retracts the matching (src, val) pair.
type LabelRecord struct {
	Src string `json:"src,omitempty"`
	URI string `json:"uri" validate:"required"`
	Val string `json:"val" validate:"required,max=128"`
	Neg bool   `json:"neg,omitempty"`
	CTS string `json:"cts" validate:"required"`
}

func registerDefaults(r *Registry) {
	r.Register(CollectionPost, func() any { return &PostRecord{} })
	r.Register(CollectionLike, func() any { return &LikeRecord{} })
	r.Register(CollectionRepost, func() any { return &RepostRecord{} })
	r.Register(CollectionFeedGenerator, func() any { return &FeedGeneratorRecord{} })
	r.Register(CollectionThreadGate, func() any { return &ThreadGateRecord{} })
	r.Register(CollectionPostGate, func() any { return &PostGateRecord{} })
	r.Register(CollectionFollow, func() any { return &FollowRecord{} })
	r.Register(CollectionBlock, func() any { return &BlockRecord{} })
	r.Register(CollectionList, func() any { return &ListRecord{} })
	r.Register(CollectionListItem, func() any { return &ListItemRecord{} })
	r.Register(CollectionStarterPack, func() any { return &StarterPackRecord{} })
	r.Register(CollectionProfile, func() any { return &ProfileRecord{} })
	r.Register(CollectionLabelerService, func() any { return &LabelerServiceRecord{} })
	r.Register(CollectionLabel, func() any { return &LabelRecord{} })
}
