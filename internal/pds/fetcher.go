package pds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	fetchTimeout  = 10 * time.Second
	maxRecordSize = 4 << 20
)

// getRecordResponse is the com.atproto.repo.getRecord payload.
type getRecordResponse struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

type fetchResult struct {
	record json.RawMessage
	cid    string
}

// Fetcher retrieves single records from their repository hosts over XRPC.
// A circuit breaker keeps a flapping host from absorbing the retry loop.
type Fetcher struct {
	resolver *Resolver
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
}

// NewFetcher builds the record fetcher. The breaker opens after five
// consecutive failures and probes again after 30 seconds.
func NewFetcher(resolver *Resolver, logger *zap.Logger) *Fetcher {
	f := &Fetcher{
		resolver: resolver,
		client:   &http.Client{Timeout: fetchTimeout},
		log:      logger,
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "pds-fetch",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("record fetch breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return f
}

// FetchRecord retrieves one record by AT-URI from the owning repository
// host. Returns the record value and its CID.
func (f *Fetcher) FetchRecord(ctx context.Context, uri string) (json.RawMessage, string, error) {
	repo, collection, rkey, err := parseATURI(uri)
	if err != nil {
		return nil, "", err
	}

	res, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetch(ctx, repo, collection, rkey)
	})
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", uri, err)
	}
	out := res.(fetchResult)
	return out.record, out.cid, nil
}

func (f *Fetcher) fetch(ctx context.Context, repo, collection, rkey string) (fetchResult, error) {
	endpoint, err := f.resolver.Resolve(ctx, repo)
	if err != nil {
		return fetchResult{}, err
	}

	q := url.Values{}
	q.Set("repo", repo)
	q.Set("collection", collection)
	q.Set("rkey", rkey)
	reqURL := endpoint + "/xrpc/com.atproto.repo.getRecord?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fetchResult{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fetchResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fetchResult{}, fmt.Errorf("getRecord: status %d from %s", resp.StatusCode, endpoint)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordSize))
	if err != nil {
		return fetchResult{}, err
	}
	var out getRecordResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fetchResult{}, fmt.Errorf("parse getRecord response: %w", err)
	}
	if len(out.Value) == 0 {
		return fetchResult{}, fmt.Errorf("getRecord response carries no record value")
	}
	return fetchResult{record: out.Value, cid: out.CID}, nil
}

// parseATURI splits at://<repo>/<collection>/<rkey>.
func parseATURI(uri string) (repo, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("not an at-uri: %q", uri)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed at-uri: %q", uri)
	}
	return parts[0], parts[1], parts[2], nil
}
