package index

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertNotification writes one notification row. Callers must only invoke
// this after the triggering record's primary row is durably written.
func (s *Store) InsertNotification(ctx context.Context, recipientDID, authorDID, reason string, reasonSubject *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, recipient_did, author_did, reason, reason_subject)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), recipientDID, authorDID, reason, reasonSubject)
	if err != nil {
		return fmt.Errorf("insert %s notification for %s: %w", reason, recipientDID, err)
	}
	return nil
}

// ListNotifications pages a recipient's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, recipientDID string, limit int, before time.Time) ([]Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recipient_did, author_did, reason, reason_subject, seen, created_at
		FROM notifications
		WHERE recipient_did = $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3`,
		recipientDID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications %s: %w", recipientDID, err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientDID, &n.AuthorDID, &n.Reason, &n.ReasonSubject, &n.Seen, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationsSeen flags everything at or before the given time as seen.
func (s *Store) MarkNotificationsSeen(ctx context.Context, recipientDID string, seenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications SET seen = TRUE
		WHERE recipient_did = $1 AND created_at <= $2 AND NOT seen`,
		recipientDID, seenAt)
	if err != nil {
		return fmt.Errorf("mark seen %s: %w", recipientDID, err)
	}
	return nil
}

// DeleteNotificationsForSubject removes notifications that reference a
// deleted record, so dangling reason subjects do not survive the record.
func (s *Store) DeleteNotificationsForSubject(ctx context.Context, subjectURI string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE reason_subject = $1`, subjectURI); err != nil {
		return fmt.Errorf("delete notifications for %s: %w", subjectURI, err)
	}
	return nil
}

// PruneNotificationsBefore removes notifications older than the retention
// horizon. Returns the number of rows removed.
func (s *Store) PruneNotificationsBefore(ctx context.Context, horizon time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE created_at < $1`, horizon)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
