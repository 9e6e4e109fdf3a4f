package index

import (
	"context"
	"fmt"
)

// statTables are the hot tables surfaced on the stats endpoint.
var statTables = []string{
	"users", "posts", "likes", "reposts", "follows", "blocks",
	"lists", "list_items", "feed_generators", "labels", "notifications",
	"thread_gates",
}

// TableCounts returns row counts for the hot tables. COUNT(*) per table is
// acceptable here because the endpoint is dashboard-rate, not request-rate,
// and results sit behind the cache layer.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(statTables))
	for _, table := range statTables {
		var n int64
		if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}
