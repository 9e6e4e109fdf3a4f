package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// EnsureActor creates a placeholder user row on first sighting. An existing
// row is left untouched so identity events and profile records stay
// authoritative over the placeholder.
func (s *Store) EnsureActor(ctx context.Context, did string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (did, handle)
		VALUES ($1, $2)
		ON CONFLICT (did) DO NOTHING`,
		did, PlaceholderHandle)
	if err != nil {
		return fmt.Errorf("ensure actor %s: %w", did, err)
	}
	return nil
}

// SetHandle applies an identity event: the actor's handle changed (or became
// known for the first time).
func (s *Store) SetHandle(ctx context.Context, did, handle string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (did, handle)
		VALUES ($1, $2)
		ON CONFLICT (did) DO UPDATE SET handle = EXCLUDED.handle, updated_at = now()`,
		did, handle)
	if err != nil {
		return fmt.Errorf("set handle %s: %w", did, err)
	}
	return nil
}

// SetActive applies an account event. Actors are never deleted; deactivation
// is a flag the read path honors.
func (s *Store) SetActive(ctx context.Context, did string, active bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (did, handle, deactivated)
		VALUES ($1, $2, $3)
		ON CONFLICT (did) DO UPDATE SET deactivated = EXCLUDED.deactivated, updated_at = now()`,
		did, PlaceholderHandle, !active)
	if err != nil {
		return fmt.Errorf("set active %s: %w", did, err)
	}
	return nil
}

// UpsertProfile applies an actor's profile record. The handle is owned by
// identity events and left alone here.
func (s *Store) UpsertProfile(ctx context.Context, did string, displayName, description *string, avatar json.RawMessage) error {
	avatarURL := avatarRef(avatar)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (did, handle, display_name, avatar_url, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (did) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url   = EXCLUDED.avatar_url,
			description  = EXCLUDED.description,
			updated_at   = now()`,
		did, PlaceholderHandle, displayName, avatarURL, description)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", did, err)
	}
	return nil
}

// GetActor returns one user row.
func (s *Store) GetActor(ctx context.Context, did string) (Actor, error) {
	var a Actor
	err := s.pool.QueryRow(ctx, `
		SELECT did, handle, display_name, avatar_url, description, deactivated, indexed_at
		FROM users WHERE did = $1`, did).
		Scan(&a.DID, &a.Handle, &a.DisplayName, &a.AvatarURL, &a.Description, &a.Deactivated, &a.IndexedAt)
	if err != nil {
		return Actor{}, notFound(err)
	}
	return a, nil
}

// GetActorByHandle resolves a handle (case-insensitive) to its user row.
func (s *Store) GetActorByHandle(ctx context.Context, handle string) (Actor, error) {
	var a Actor
	err := s.pool.QueryRow(ctx, `
		SELECT did, handle, display_name, avatar_url, description, deactivated, indexed_at
		FROM users WHERE lower(handle) = lower($1)`, handle).
		Scan(&a.DID, &a.Handle, &a.DisplayName, &a.AvatarURL, &a.Description, &a.Deactivated, &a.IndexedAt)
	if err != nil {
		return Actor{}, notFound(err)
	}
	return a, nil
}

// ResolveHandles maps handles to DIDs in one query. Unknown handles are
// absent from the result.
func (s *Store) ResolveHandles(ctx context.Context, handles []string) (map[string]string, error) {
	if len(handles) == 0 {
		return map[string]string{}, nil
	}
	lowered := make([]string, len(handles))
	for i, h := range handles {
		lowered[i] = strings.ToLower(h)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT lower(handle), did FROM users WHERE lower(handle) = ANY($1)`, lowered)
	if err != nil {
		return nil, fmt.Errorf("resolve handles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(handles))
	for rows.Next() {
		var handle, did string
		if err := rows.Scan(&handle, &did); err != nil {
			return nil, err
		}
		out[handle] = did
	}
	return out, rows.Err()
}

// IsDeactivated reports the actor's deactivation flag; unknown actors count
// as active.
func (s *Store) IsDeactivated(ctx context.Context, did string) (bool, error) {
	var deactivated bool
	err := s.pool.QueryRow(ctx, `SELECT deactivated FROM users WHERE did = $1`, did).Scan(&deactivated)
	if err != nil {
		if notFound(err) == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return deactivated, nil
}

// avatarRef extracts a stable reference string from a blob ref payload.
// Stored as an opaque link; resolving it to a CDN URL is the caller's
// concern.
func avatarRef(avatar json.RawMessage) *string {
	if len(avatar) == 0 {
		return nil
	}
	var blob struct {
		Ref struct {
			Link string `json:"$link"`
		} `json:"ref"`
	}
	if err := json.Unmarshal(avatar, &blob); err != nil || blob.Ref.Link == "" {
		return nil
	}
	return &blob.Ref.Link
}

