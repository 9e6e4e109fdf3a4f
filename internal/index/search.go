package index

import (
	"context"
	"fmt"
	"strings"
)

// PostSearchResult is one ranked post hit. Rank is the pagination cursor:
// the next page passes the trailing rank back in.
type PostSearchResult struct {
	Post Post    `json:"post"`
	Rank float64 `json:"rank"`
}

// ActorSearchResult is one ranked actor hit. Rank is the maximum of the
// trigram similarity on the handle and the lexeme match score.
type ActorSearchResult struct {
	Actor Actor   `json:"actor"`
	Rank  float64 `json:"rank"`
}

// SearchPosts ranks posts against a plain-text query, descending. afterRank
// pages: pass 0 for the first page, then the trailing rank of the previous
// page. Empty queries return empty.
func (s *Store) SearchPosts(ctx context.Context, query string, limit int, afterRank float64) ([]PostSearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if afterRank <= 0 {
		// Sentinel meaning "no cursor": rank scores are strictly positive.
		afterRank = 1e9
	}

	rows, err := s.pool.Query(ctx, `
		SELECT p.uri, p.cid, p.author_did, p.text, p.reply_parent_uri, p.reply_root_uri,
		       p.facets, p.embed, p.langs, p.created_at, p.indexed_at,
		       ts_rank_cd(p.text_ts, q) AS rank
		FROM posts p
		JOIN users u ON u.did = p.author_did
		CROSS JOIN plainto_tsquery('simple', $1) q
		WHERE p.text_ts @@ q
		  AND NOT u.deactivated
		  AND ts_rank_cd(p.text_ts, q) < $2
		ORDER BY rank DESC, p.created_at DESC
		LIMIT $3`,
		query, afterRank, limit)
	if err != nil {
		return nil, fmt.Errorf("search posts: %w", err)
	}
	defer rows.Close()

	var out []PostSearchResult
	for rows.Next() {
		var r PostSearchResult
		p := &r.Post
		if err := rows.Scan(&p.URI, &p.CID, &p.AuthorDID, &p.Text, &p.ReplyParentURI, &p.ReplyRootURI,
			&p.Facets, &p.Embed, &p.Langs, &p.CreatedAt, &p.IndexedAt, &r.Rank); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchActors unions a trigram similarity on the handle with a lexeme match
// on handle, display name, and description; rank is the greater of the two
// scores.
func (s *Store) SearchActors(ctx context.Context, query string, limit int) ([]ActorSearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT did, handle, display_name, avatar_url, description, deactivated, indexed_at,
		       GREATEST(
		           similarity(handle, $1),
		           ts_rank_cd(profile_ts, plainto_tsquery('simple', $1))
		       ) AS rank
		FROM users
		WHERE NOT deactivated
		  AND (handle % $1 OR profile_ts @@ plainto_tsquery('simple', $1))
		ORDER BY rank DESC, handle ASC
		LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("search actors: %w", err)
	}
	defer rows.Close()

	var out []ActorSearchResult
	for rows.Next() {
		var r ActorSearchResult
		a := &r.Actor
		if err := rows.Scan(&a.DID, &a.Handle, &a.DisplayName, &a.AvatarURL, &a.Description,
			&a.Deactivated, &a.IndexedAt, &r.Rank); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TypeaheadActors does a case-folded prefix match on the handle.
func (s *Store) TypeaheadActors(ctx context.Context, prefix string, limit int) ([]Actor, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT did, handle, display_name, avatar_url, description, deactivated, indexed_at
		FROM users
		WHERE NOT deactivated AND lower(handle) LIKE $1
		ORDER BY handle ASC
		LIMIT $2`,
		EscapeLike(strings.ToLower(prefix))+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("typeahead: %w", err)
	}
	defer rows.Close()

	var out []Actor
	for rows.Next() {
		var a Actor
		if err := rows.Scan(&a.DID, &a.Handle, &a.DisplayName, &a.AvatarURL, &a.Description,
			&a.Deactivated, &a.IndexedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EscapeLike escapes the LIKE metacharacters so user input matches
// literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
