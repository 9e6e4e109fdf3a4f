package index

import (
	"context"
	"fmt"
	"time"
)

// UpsertList writes a list row. Returns inserted = true on first sighting so
// the processor can flush pending list items.
func (s *Store) UpsertList(ctx context.Context, l List) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO lists (uri, creator_did, purpose, name, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uri) DO UPDATE SET
			purpose     = EXCLUDED.purpose,
			name        = EXCLUDED.name,
			description = EXCLUDED.description
		RETURNING (xmax = 0)`,
		l.URI, l.CreatorDID, l.Purpose, l.Name, l.Description, l.CreatedAt).
		Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert list %s: %w", l.URI, err)
	}
	return inserted, nil
}

// DeleteList removes the list and its items. Item removal is explicit
// because the schema carries no cascades.
func (s *Store) DeleteList(ctx context.Context, uri string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete list %s: %w", uri, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM list_items WHERE list_uri = $1`, uri); err != nil {
		return fmt.Errorf("delete list items %s: %w", uri, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM lists WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete list %s: %w", uri, err)
	}
	return tx.Commit(ctx)
}

// ListExists is the existence probe for the list-item pending decision.
func (s *Store) ListExists(ctx context.Context, uri string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lists WHERE uri = $1)`, uri).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("list exists %s: %w", uri, err)
	}
	return exists, nil
}

// InsertListItem writes one membership row. FK violations (list not yet
// indexed) pass through for the processor to buffer.
func (s *Store) InsertListItem(ctx context.Context, uri, listURI, subjectDID string, createdAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO list_items (uri, list_uri, subject_did, created_at)
		VALUES ($1, $2, $3, $4)`,
		uri, listURI, subjectDID, createdAt)
	if err != nil {
		return fmt.Errorf("insert list item %s: %w", uri, err)
	}
	return nil
}

// DeleteListItem removes one membership row by record URI.
func (s *Store) DeleteListItem(ctx context.Context, uri string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM list_items WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete list item %s: %w", uri, err)
	}
	return nil
}

// GetListMembers returns the union of member DIDs across the given lists,
// for reply-gate evaluation.
func (s *Store) GetListMembers(ctx context.Context, listURIs []string) (map[string]struct{}, error) {
	if len(listURIs) == 0 {
		return map[string]struct{}{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT subject_did FROM list_items WHERE list_uri = ANY($1)`, listURIs)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
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
