package index

import (
	"context"
	"fmt"
	"time"
)

// InsertFollow writes one directed follow edge. At most one edge per
// (actor, subject) is enforced by the schema; duplicates surface as unique
// violations.
func (s *Store) InsertFollow(ctx context.Context, uri, actorDID, subjectDID string, createdAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO follows (uri, actor_did, subject_did, created_at)
		VALUES ($1, $2, $3, $4)`,
		uri, actorDID, subjectDID, createdAt)
	if err != nil {
		return fmt.Errorf("insert follow %s: %w", uri, err)
	}
	return nil
}

// DeleteFollow removes a follow edge by record URI.
func (s *Store) DeleteFollow(ctx context.Context, uri string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM follows WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete follow %s: %w", uri, err)
	}
	return nil
}

// InsertBlock writes one directed block edge.
func (s *Store) InsertBlock(ctx context.Context, uri, actorDID, subjectDID string, createdAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocks (uri, actor_did, subject_did, created_at)
		VALUES ($1, $2, $3, $4)`,
		uri, actorDID, subjectDID, createdAt)
	if err != nil {
		return fmt.Errorf("insert block %s: %w", uri, err)
	}
	return nil
}

// DeleteBlock removes a block edge by record URI.
func (s *Store) DeleteBlock(ctx context.Context, uri string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM blocks WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete block %s: %w", uri, err)
	}
	return nil
}

// GetFollowingSet returns the set of DIDs the actor follows, for reply-gate
// evaluation.
func (s *Store) GetFollowingSet(ctx context.Context, actorDID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT subject_did FROM follows WHERE actor_did = $1`, actorDID)
	if err != nil {
		return nil, fmt.Errorf("following set %s: %w", actorDID, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		out[did] = struct{}{}
	}
	return out, rows.Err()
}

// GetViewerHiddenAuthors returns the union of DIDs the viewer blocks or
// mutes, plus authors who block the viewer. The read path hides their posts.
func (s *Store) GetViewerHiddenAuthors(ctx context.Context, viewerDID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject_did FROM blocks WHERE actor_did = $1
		UNION
		SELECT actor_did FROM blocks WHERE subject_did = $1
		UNION
		SELECT subject_did FROM mutes WHERE actor_did = $1
		UNION
		SELECT li.subject_did
		FROM list_mutes lm
		JOIN list_items li ON li.list_uri = lm.list_uri
		WHERE lm.actor_did = $1`,
		viewerDID)
	if err != nil {
		return nil, fmt.Errorf("viewer hidden authors %s: %w", viewerDID, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		out[did] = struct{}{}
	}
	return out, rows.Err()
}
