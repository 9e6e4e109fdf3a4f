package index

import (
	"context"
	"fmt"
)

// UpsertThreadGate writes the reply policy for a thread root.
func (s *Store) UpsertThreadGate(ctx context.Context, g ThreadGate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO thread_gates (post_uri, owner_did, allow_mentions, allow_following, allow_list_uris, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (post_uri) DO UPDATE SET
			allow_mentions  = EXCLUDED.allow_mentions,
			allow_following = EXCLUDED.allow_following,
			allow_list_uris = EXCLUDED.allow_list_uris`,
		g.PostURI, g.OwnerDID, g.AllowMentions, g.AllowFollowing, g.AllowListURIs, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert thread gate %s: %w", g.PostURI, err)
	}
	return nil
}

// GetThreadGate returns the gate attached to a thread root, or ErrNotFound
// when the root is ungated.
func (s *Store) GetThreadGate(ctx context.Context, postURI string) (ThreadGate, error) {
	var g ThreadGate
	err := s.pool.QueryRow(ctx, `
		SELECT post_uri, owner_did, allow_mentions, allow_following, allow_list_uris, created_at
		FROM thread_gates WHERE post_uri = $1`, postURI).
		Scan(&g.PostURI, &g.OwnerDID, &g.AllowMentions, &g.AllowFollowing, &g.AllowListURIs, &g.CreatedAt)
	if err != nil {
		return ThreadGate{}, notFound(err)
	}
	return g, nil
}

// UpsertPostGate writes the embedding rules attached to a post.
func (s *Store) UpsertPostGate(ctx context.Context, g PostGate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO post_gates (uri, post_uri, detached_embeds, embedding_rules, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uri) DO UPDATE SET
			detached_embeds = EXCLUDED.detached_embeds,
			embedding_rules = EXCLUDED.embedding_rules`,
		g.URI, g.PostURI, g.DetachedEmbeds, g.EmbeddingRules, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert post gate %s: %w", g.URI, err)
	}
	return nil
}
