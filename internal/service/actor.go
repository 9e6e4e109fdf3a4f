package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
)

const (
	defaultNotifLimit = 50
	maxNotifLimit     = 100
)

// ActorStore is the index slice behind the actor endpoints.
type ActorStore interface {
	GetActor(ctx context.Context, did string) (index.Actor, error)
	ListNotifications(ctx context.Context, recipientDID string, limit int, before time.Time) ([]index.Notification, error)
}

// NotificationPage is one page of notifications, newest first. Cursor is
// the trailing createdAt, empty on the last page.
type NotificationPage struct {
	Notifications []index.Notification `json:"notifications"`
	Cursor        string               `json:"cursor,omitempty"`
}

// ActorService serves actor profiles and notification lists.
type ActorService struct {
	store ActorStore
}

// NewActorService wires the actor read path.
func NewActorService(store ActorStore) *ActorService {
	return &ActorService{store: store}
}

// GetActor returns the indexed profile for a DID.
func (s *ActorService) GetActor(ctx context.Context, did string) (index.Actor, error) {
	return s.store.GetActor(ctx, did)
}

// ListNotifications pages a recipient's notifications backwards in time.
func (s *ActorService) ListNotifications(ctx context.Context, did string, limit int, cursor string) (NotificationPage, error) {
	if limit <= 0 {
		limit = defaultNotifLimit
	}
	if limit > maxNotifLimit {
		limit = maxNotifLimit
	}

	before := time.Time{}
	if cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return NotificationPage{}, fmt.Errorf("malformed cursor %q", cursor)
		}
		before = t
	}

	notifs, err := s.store.ListNotifications(ctx, did, limit, before)
	if err != nil {
		return NotificationPage{}, err
	}

	page := NotificationPage{Notifications: notifs}
	if len(notifs) == limit {
		page.Cursor = notifs[len(notifs)-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return page, nil
}
