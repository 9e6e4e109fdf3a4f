package index

import (
	"context"
	"fmt"
	"time"
)

// InsertLabel appends one label assertion. The table is append-only;
// negations are applied at read time by EffectiveLabels.
func (s *Store) InsertLabel(ctx context.Context, l Label) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO labels (src, subject, val, neg, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		l.Src, l.Subject, l.Val, l.Neg, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert label %s on %s: %w", l.Val, l.Subject, err)
	}
	return nil
}

// EffectiveLabels replays all label rows for a subject in timestamp order: a
// non-negated row asserts the (src, val) pair, a negated row retracts it.
// The result is insertion-order independent given distinct timestamps.
func (s *Store) EffectiveLabels(ctx context.Context, subject string) ([]Label, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT src, subject, val, neg, created_at
		FROM labels WHERE subject = $1
		ORDER BY created_at ASC, id ASC`, subject)
	if err != nil {
		return nil, fmt.Errorf("labels for %s: %w", subject, err)
	}
	defer rows.Close()

	var all []Label
	for rows.Next() {
		var l Label
		if err := rows.Scan(&l.Src, &l.Subject, &l.Val, &l.Neg, &l.CreatedAt); err != nil {
			return nil, err
		}
		all = append(all, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ReplayLabels(all), nil
}

// ReplayLabels reduces an ordered label sequence to the surviving
// assertions. Exposed so the thread assembler can reuse the replay on cached
// rows.
func ReplayLabels(ordered []Label) []Label {
	type key struct{ src, val string }
	effective := make(map[key]Label)
	// Tracked separately from effective: a negate/re-assert cycle must not
	// append the key to the output order twice.
	appended := make(map[key]bool)
	var order []key
	for _, l := range ordered {
		k := key{src: l.Src, val: l.Val}
		if l.Neg {
			delete(effective, k)
			continue
		}
		if !appended[k] {
			appended[k] = true
			order = append(order, k)
		}
		effective[k] = l
	}

	out := make([]Label, 0, len(effective))
	for _, k := range order {
		if l, ok := effective[k]; ok {
			out = append(out, l)
		}
	}
	return out
}

// PruneLabelsBefore removes label rows older than the horizon whose effect
// has been superseded. Maintenance only; the replay result is unchanged
// because surviving assertions are kept.
func (s *Store) PruneLabelsBefore(ctx context.Context, horizon time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM labels l
		WHERE l.created_at < $1
		  AND EXISTS (
			SELECT 1 FROM labels newer
			WHERE newer.subject = l.subject AND newer.src = l.src AND newer.val = l.val
			  AND newer.created_at > l.created_at
		  )`, horizon)
	if err != nil {
		return 0, fmt.Errorf("prune labels: %w", err)
	}
	return tag.RowsAffected(), nil
}
