package index

import (
	"context"
	"fmt"
	"time"
)

// InsertLike writes one like row. Unique and foreign-key violations pass
// through untranslated; the processor's ack policy distinguishes them with
// IsUniqueViolation / IsFKViolation.
func (s *Store) InsertLike(ctx context.Context, uri, actorDID, subjectURI string, createdAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO likes (uri, actor_did, subject_uri, created_at)
		VALUES ($1, $2, $3, $4)`,
		uri, actorDID, subjectURI, createdAt)
	if err != nil {
		return fmt.Errorf("insert like %s: %w", uri, err)
	}
	return nil
}

// DeleteLike removes a like row, returning the subject URI so the caller can
// fix up aggregates. ErrNotFound when the row never existed.
func (s *Store) DeleteLike(ctx context.Context, uri string) (string, error) {
	var subjectURI string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM likes WHERE uri = $1 RETURNING subject_uri`, uri).
		Scan(&subjectURI)
	if err != nil {
		return "", notFound(err)
	}
	return subjectURI, nil
}

// InsertRepost writes one repost row; same error contract as InsertLike.
func (s *Store) InsertRepost(ctx context.Context, uri, actorDID, subjectURI string, createdAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reposts (uri, actor_did, subject_uri, created_at)
		VALUES ($1, $2, $3, $4)`,
		uri, actorDID, subjectURI, createdAt)
	if err != nil {
		return fmt.Errorf("insert repost %s: %w", uri, err)
	}
	return nil
}

// DeleteRepost removes a repost row, returning the subject URI.
func (s *Store) DeleteRepost(ctx context.Context, uri string) (string, error) {
	var subjectURI string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM reposts WHERE uri = $1 RETURNING subject_uri`, uri).
		Scan(&subjectURI)
	if err != nil {
		return "", notFound(err)
	}
	return subjectURI, nil
}
