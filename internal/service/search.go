package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
)

const (
	defaultSearchLimit = 25
	maxSearchLimit     = 100
)

// SearchStore is the index slice behind the search endpoints.
type SearchStore interface {
	SearchPosts(ctx context.Context, query string, limit int, afterRank float64) ([]index.PostSearchResult, error)
	SearchActors(ctx context.Context, query string, limit int) ([]index.ActorSearchResult, error)
	TypeaheadActors(ctx context.Context, prefix string, limit int) ([]index.Actor, error)
}

// PostSearchPage is one page of ranked post hits. Cursor is the trailing
// rank, empty on the last page.
type PostSearchPage struct {
	Results []index.PostSearchResult `json:"results"`
	Cursor  string                   `json:"cursor,omitempty"`
}

// SearchService wraps the store's search queries with limit clamping and
// cursor encoding.
type SearchService struct {
	store SearchStore
}

// NewSearchService wires the search read path.
func NewSearchService(store SearchStore) *SearchService {
	return &SearchService{store: store}
}

// SearchPosts runs a ranked full-text post search. cursor is the value
// returned by the previous page, or empty for the first.
func (s *SearchService) SearchPosts(ctx context.Context, query string, limit int, cursor string) (PostSearchPage, error) {
	limit = clampLimit(limit)
	afterRank := 0.0
	if cursor != "" {
		r, err := strconv.ParseFloat(cursor, 64)
		if err != nil {
			return PostSearchPage{}, fmt.Errorf("malformed cursor %q", cursor)
		}
		afterRank = r
	}

	results, err := s.store.SearchPosts(ctx, query, limit, afterRank)
	if err != nil {
		return PostSearchPage{}, err
	}

	page := PostSearchPage{Results: results}
	if len(results) == limit {
		page.Cursor = strconv.FormatFloat(results[len(results)-1].Rank, 'g', -1, 64)
	}
	return page, nil
}

// SearchActors runs the combined trigram/lexeme actor search.
func (s *SearchService) SearchActors(ctx context.Context, query string, limit int) ([]index.ActorSearchResult, error) {
	return s.store.SearchActors(ctx, query, clampLimit(limit))
}

// Typeahead runs the prefix match for as-you-type suggestions.
func (s *SearchService) Typeahead(ctx context.Context, prefix string, limit int) ([]index.Actor, error) {
	return s.store.TypeaheadActors(ctx, prefix, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultSearchLimit
	}
	if limit > maxSearchLimit {
		return maxSearchLimit
	}
	return limit
}
