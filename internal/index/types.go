package index

import (
	"encoding/json"
	"time"
)

// PlaceholderHandle marks an actor sighted before any identity event or
// profile record arrived for it.
const PlaceholderHandle = "handle.invalid"

// Actor is one row of the users table.
type Actor struct {
	DID         string    `json:"did"`
	Handle      string    `json:"handle"`
	DisplayName *string   `json:"displayName,omitempty"`
	AvatarURL   *string   `json:"avatarUrl,omitempty"`
	Description *string   `json:"description,omitempty"`
	Deactivated bool      `json:"deactivated"`
	IndexedAt   time.Time `json:"indexedAt"`
}

// Post is one row of the posts table.
type Post struct {
	URI            string          `json:"uri"`
	CID            string          `json:"cid"`
	AuthorDID      string          `json:"authorDid"`
	Text           string          `json:"text"`
	ReplyParentURI *string         `json:"replyParentUri,omitempty"`
	ReplyRootURI   *string         `json:"replyRootUri,omitempty"`
	Facets         json.RawMessage `json:"facets,omitempty"`
	Embed          json.RawMessage `json:"embed,omitempty"`
	Langs          []string        `json:"langs,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	IndexedAt      time.Time       `json:"indexedAt"`
}

// Interaction is a like or repost row.
type Interaction struct {
	URI        string    `json:"uri"`
	ActorDID   string    `json:"actorDid"`
	SubjectURI string    `json:"subjectUri"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Edge is a follow or block row: a directed (actor, subject) pair.
type Edge struct {
	URI        string    `json:"uri"`
	ActorDID   string    `json:"actorDid"`
	SubjectDID string    `json:"subjectDid"`
	CreatedAt  time.Time `json:"createdAt"`
}

// List is one row of the lists table.
type List struct {
	URI         string    `json:"uri"`
	CreatorDID  string    `json:"creatorDid"`
	Purpose     string    `json:"purpose"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListItem binds a subject DID into a list.
type ListItem struct {
	URI        string    `json:"uri"`
	ListURI    string    `json:"listUri"`
	SubjectDID string    `json:"subjectDid"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FeedGenerator is a feed generator service record.
type FeedGenerator struct {
	URI         string    `json:"uri"`
	CreatorDID  string    `json:"creatorDid"`
	DID         string    `json:"did"`
	DisplayName string    `json:"displayName"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StarterPack is a starter pack record.
type StarterPack struct {
	URI        string    `json:"uri"`
	CreatorDID string    `json:"creatorDid"`
	Name       string    `json:"name"`
	ListURI    string    `json:"listUri"`
	CreatedAt  time.Time `json:"createdAt"`
}

// LabelerService is a labeler declaration record.
type LabelerService struct {
	URI        string          `json:"uri"`
	CreatorDID string          `json:"creatorDid"`
	Policies   json.RawMessage `json:"policies"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Label is one moderation assertion. Effective labels for a subject are
// derived by replaying its rows in created_at order.
type Label struct {
	Src       string    `json:"src"`
	Subject   string    `json:"subject"`
	Val       string    `json:"val"`
	Neg       bool      `json:"neg"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notification reasons.
const (
	NotifReply   = "reply"
	NotifMention = "mention"
	NotifLike    = "like"
	NotifRepost  = "repost"
	NotifFollow  = "follow"
)

// Notification is one row of the notifications table.
type Notification struct {
	ID            string    `json:"id"`
	RecipientDID  string    `json:"recipientDid"`
	AuthorDID     string    `json:"authorDid"`
	Reason        string    `json:"reason"`
	ReasonSubject *string   `json:"reasonSubject,omitempty"`
	Seen          bool      `json:"seen"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ThreadGate is the reply policy attached to a thread root.
type ThreadGate struct {
	PostURI        string    `json:"postUri"`
	OwnerDID       string    `json:"ownerDid"`
	AllowMentions  bool      `json:"allowMentions"`
	AllowFollowing bool      `json:"allowFollowing"`
	AllowListURIs  []string  `json:"allowListUris"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AllowListMembers reports whether any list rule is attached.
func (g ThreadGate) AllowListMembers() bool { return len(g.AllowListURIs) > 0 }

// PostGate carries embedding rules for a post.
type PostGate struct {
	URI            string          `json:"uri"`
	PostURI        string          `json:"postUri"`
	DetachedEmbeds json.RawMessage `json:"detachedEmbeds,omitempty"`
	EmbeddingRules json.RawMessage `json:"embeddingRules,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// PostAggregates carries the denormalized per-post counts.
type PostAggregates struct {
	PostURI     string `json:"postUri"`
	LikeCount   int64  `json:"likeCount"`
	RepostCount int64  `json:"repostCount"`
	ReplyCount  int64  `json:"replyCount"`
}
