package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertPostParams carries the denormalized post row.
type UpsertPostParams struct {
	URI            string
	CID            string
	AuthorDID      string
	Text           string
	ReplyParentURI *string
	ReplyRootURI   *string
	Facets         json.RawMessage
	Embed          json.RawMessage
	Langs          []string
	CreatedAt      time.Time
}

// UpsertPost writes a post row. Returns inserted = true on first sighting so
// the processor knows to flush pending children and maintain aggregates;
// identically-keyed replaces return false.
func (s *Store) UpsertPost(ctx context.Context, p UpsertPostParams) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (uri, cid, author_did, text, reply_parent_uri, reply_root_uri,
		                   facets, embed, langs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (uri) DO UPDATE SET
			cid        = EXCLUDED.cid,
			text       = EXCLUDED.text,
			facets     = EXCLUDED.facets,
			embed      = EXCLUDED.embed,
			langs      = EXCLUDED.langs,
			indexed_at = now()
		RETURNING (xmax = 0)`,
		p.URI, p.CID, p.AuthorDID, p.Text, p.ReplyParentURI, p.ReplyRootURI,
		p.Facets, p.Embed, p.Langs, p.CreatedAt).
		Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert post %s: %w", p.URI, err)
	}
	return inserted, nil
}

// DeletePost removes the post row and its derived rows (aggregates, feed
// items, gates). Dependent likes/reposts are removed explicitly because the
// schema carries no cascades; the processor owns cascade semantics.
func (s *Store) DeletePost(ctx context.Context, uri string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete post %s: %w", uri, err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM likes WHERE subject_uri = $1`,
		`DELETE FROM reposts WHERE subject_uri = $1`,
		`DELETE FROM feed_items WHERE post_uri = $1`,
		`DELETE FROM post_aggregates WHERE post_uri = $1`,
		`DELETE FROM thread_gates WHERE post_uri = $1`,
		`DELETE FROM posts WHERE uri = $1`,
	} {
		if _, err := tx.Exec(ctx, q, uri); err != nil {
			return fmt.Errorf("delete post %s: %w", uri, err)
		}
	}
	return tx.Commit(ctx)
}

// GetPost returns one post row.
func (s *Store) GetPost(ctx context.Context, uri string) (Post, error) {
	var p Post
	err := s.pool.QueryRow(ctx, `
		SELECT uri, cid, author_did, text, reply_parent_uri, reply_root_uri,
		       facets, embed, langs, created_at, indexed_at
		FROM posts WHERE uri = $1`, uri).
		Scan(&p.URI, &p.CID, &p.AuthorDID, &p.Text, &p.ReplyParentURI, &p.ReplyRootURI,
			&p.Facets, &p.Embed, &p.Langs, &p.CreatedAt, &p.IndexedAt)
	if err != nil {
		return Post{}, notFound(err)
	}
	return p, nil
}

// PostExists is the cheap existence probe the pending buffer decision uses.
func (s *Store) PostExists(ctx context.Context, uri string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM posts WHERE uri = $1)`, uri).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("post exists %s: %w", uri, err)
	}
	return exists, nil
}

// GetPostAuthor returns just the author DID, for notification routing.
func (s *Store) GetPostAuthor(ctx context.Context, uri string) (string, error) {
	var did string
	err := s.pool.QueryRow(ctx, `SELECT author_did FROM posts WHERE uri = $1`, uri).Scan(&did)
	if err != nil {
		return "", notFound(err)
	}
	return did, nil
}

// GetReplies returns the direct replies to a post, oldest first, skipping
// deactivated authors. The thread assembler walks these breadth-first.
func (s *Store) GetReplies(ctx context.Context, parentURI string, limit int) ([]Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.uri, p.cid, p.author_did, p.text, p.reply_parent_uri, p.reply_root_uri,
		       p.facets, p.embed, p.langs, p.created_at, p.indexed_at
		FROM posts p
		JOIN users u ON u.did = p.author_did
		WHERE p.reply_parent_uri = $1
		  AND NOT u.deactivated
		ORDER BY p.created_at ASC
		LIMIT $2`, parentURI, limit)
	if err != nil {
		return nil, fmt.Errorf("get replies %s: %w", parentURI, err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// ── aggregates and feed items ───────────────────────────────────────────────

// BumpAggregate adjusts one counter column for a post. Decrements clamp at
// zero because replayed deletes may arrive for rows the index never held.
func (s *Store) BumpAggregate(ctx context.Context, postURI, column string, delta int64) error {
	var q string
	switch column {
	case "like_count", "repost_count", "reply_count":
		q = fmt.Sprintf(`
			INSERT INTO post_aggregates (post_uri, %[1]s)
			VALUES ($1, GREATEST($2, 0))
			ON CONFLICT (post_uri) DO UPDATE SET %[1]s = GREATEST(post_aggregates.%[1]s + $2, 0)`,
			column)
	default:
		return fmt.Errorf("unknown aggregate column %q", column)
	}
	if _, err := s.pool.Exec(ctx, q, postURI, delta); err != nil {
		return fmt.Errorf("bump %s for %s: %w", column, postURI, err)
	}
	return nil
}

// GetAggregates returns the counter row for a post; zeroes when absent.
func (s *Store) GetAggregates(ctx context.Context, postURI string) (PostAggregates, error) {
	agg := PostAggregates{PostURI: postURI}
	err := s.pool.QueryRow(ctx, `
		SELECT like_count, repost_count, reply_count
		FROM post_aggregates WHERE post_uri = $1`, postURI).
		Scan(&agg.LikeCount, &agg.RepostCount, &agg.ReplyCount)
	if err != nil {
		if notFound(err) == ErrNotFound {
			return agg, nil
		}
		return agg, err
	}
	return agg, nil
}

// UpsertFeedItem records a feed stream entry for a post or repost.
func (s *Store) UpsertFeedItem(ctx context.Context, uri, postURI, actorDID, kind string, sortAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_items (uri, post_uri, actor_did, kind, sort_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uri) DO NOTHING`,
		uri, postURI, actorDID, kind, sortAt)
	if err != nil {
		return fmt.Errorf("upsert feed item %s: %w", uri, err)
	}
	return nil
}

// DeleteFeedItem removes one feed stream entry.
func (s *Store) DeleteFeedItem(ctx context.Context, uri string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM feed_items WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete feed item %s: %w", uri, err)
	}
	return nil
}

func scanPosts(rows pgx.Rows) ([]Post, error) {
	var out []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.URI, &p.CID, &p.AuthorDID, &p.Text, &p.ReplyParentURI, &p.ReplyRootURI,
			&p.Facets, &p.Embed, &p.Langs, &p.CreatedAt, &p.IndexedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
