package pds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func plcHandler(t *testing.T, endpoint string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": r.URL.Path[1:],
			"service": []map[string]string{
				{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": endpoint},
			},
		})
	}
}

func TestResolver_PLCWithCache(t *testing.T) {
	var hits atomic.Int32
	plc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		plcHandler(t, "https://pds.example")(w, r)
	}))
	defer plc.Close()

	r := NewResolver(plc.Client(), plc.URL, zaptest.NewLogger(t))
	ctx := context.Background()

	ep, err := r.Resolve(ctx, "did:plc:abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example", ep)

	// Second lookup comes from cache.
	_, err = r.Resolve(ctx, "did:plc:abc123")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolver_RejectsUnknownMethods(t *testing.T) {
	r := NewResolver(http.DefaultClient, "http://unused.invalid", zaptest.NewLogger(t))
	_, err := r.Resolve(context.Background(), "did:key:z6Mk")
	assert.Error(t, err)
	_, err = r.Resolve(context.Background(), "did:web:bad/path")
	assert.Error(t, err)
}

func TestResolver_NoPDSService(t *testing.T) {
	plc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "did:plc:x", "service": []any{}})
	}))
	defer plc.Close()

	r := NewResolver(plc.Client(), plc.URL, zaptest.NewLogger(t))
	_, err := r.Resolve(context.Background(), "did:plc:x")
	assert.ErrorContains(t, err, "no repository host")
}

func TestFetcher_FetchRecord(t *testing.T) {
	pdsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.repo.getRecord", r.URL.Path)
		assert.Equal(t, "did:plc:bob", r.URL.Query().Get("repo"))
		assert.Equal(t, "app.bsky.feed.post", r.URL.Query().Get("collection"))
		assert.Equal(t, "3kpost", r.URL.Query().Get("rkey"))
		json.NewEncoder(w).Encode(map[string]any{
			"uri":   "at://did:plc:bob/app.bsky.feed.post/3kpost",
			"cid":   "bafyfetched",
			"value": map[string]string{"text": "found me", "createdAt": "2026-03-01T00:00:00Z"},
		})
	}))
	defer pdsSrv.Close()

	plc := httptest.NewServer(plcHandler(t, pdsSrv.URL))
	defer plc.Close()

	f := NewFetcher(NewResolver(plc.Client(), plc.URL, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	record, cid, err := f.FetchRecord(context.Background(), "at://did:plc:bob/app.bsky.feed.post/3kpost")
	require.NoError(t, err)
	assert.Equal(t, "bafyfetched", cid)
	assert.JSONEq(t, `{"text":"found me","createdAt":"2026-03-01T00:00:00Z"}`, string(record))
}

func TestFetcher_BreakerOpensOnRepeatedFailure(t *testing.T) {
	pdsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer pdsSrv.Close()

	plc := httptest.NewServer(plcHandler(t, pdsSrv.URL))
	defer plc.Close()

	f := NewFetcher(NewResolver(plc.Client(), plc.URL, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := f.FetchRecord(ctx, "at://did:plc:bob/app.bsky.feed.post/3kpost")
		require.Error(t, err)
	}

	// Breaker is open now: the next call fails without touching the host.
	_, _, err := f.FetchRecord(ctx, "at://did:plc:bob/app.bsky.feed.post/3kpost")
	assert.ErrorContains(t, err, "circuit breaker is open")
}

func TestParseATURI(t *testing.T) {
	repo, coll, rkey, err := parseATURI("at://did:plc:bob/app.bsky.feed.post/3k")
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:bob", "app.bsky.feed.post", "3k"}, []string{repo, coll, rkey})

	_, _, _, err = parseATURI("at://did:plc:bob/short")
	assert.Error(t, err)
	_, _, _, err = parseATURI("http://x")
	assert.Error(t, err)
}
