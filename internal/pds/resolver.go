// Package pds talks to the rest of the network on the index's behalf:
// resolving DIDs to their repository hosts and fetching individual records
// that never arrived on the firehose.
package pds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPLCDirectory = "https://plc.directory"
	resolveTTL          = time.Hour
	maxDocBytes         = 1 << 20
)

// pdsServiceType is the DID document service type carrying the repo host.
const pdsServiceType = "AtprotoPersonalDataServer"

// didDocument is the subset of a DID document the resolver reads.
type didDocument struct {
	ID      string `json:"id"`
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

type cachedEndpoint struct {
	endpoint string
	at       time.Time
}

// Resolver maps DIDs onto their repository host endpoints. did:plc goes
// through the PLC directory; did:web reads the domain's well-known document.
// Results are cached in memory for an hour.
type Resolver struct {
	client *http.Client
	plcURL string
	log    *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedEndpoint
}

// NewResolver builds a resolver against the public PLC directory. plcURL
// overrides the directory for tests; empty means the default.
func NewResolver(client *http.Client, plcURL string, logger *zap.Logger) *Resolver {
	if plcURL == "" {
		plcURL = defaultPLCDirectory
	}
	return &Resolver{
		client: client,
		plcURL: plcURL,
		log:    logger,
		cache:  make(map[string]cachedEndpoint),
	}
}

// Resolve returns the repository host endpoint for a DID.
func (r *Resolver) Resolve(ctx context.Context, did string) (string, error) {
	r.mu.Lock()
	if c, ok := r.cache[did]; ok && time.Since(c.at) < resolveTTL {
		r.mu.Unlock()
		return c.endpoint, nil
	}
	r.mu.Unlock()

	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = r.plcURL + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		domain := strings.TrimPrefix(did, "did:web:")
		if domain == "" || strings.ContainsAny(domain, "/:") {
			return "", fmt.Errorf("unresolvable did:web %q", did)
		}
		docURL = "https://" + domain + "/.well-known/did.json"
	default:
		return "", fmt.Errorf("unsupported did method in %q", did)
	}

	endpoint, err := r.fetchEndpoint(ctx, docURL)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", did, err)
	}

	r.mu.Lock()
	r.cache[did] = cachedEndpoint{endpoint: endpoint, at: time.Now()}
	r.mu.Unlock()
	r.log.Debug("resolved repository host",
		zap.String("did", did), zap.String("endpoint", endpoint))
	return endpoint, nil
}

func (r *Resolver) fetchEndpoint(ctx context.Context, docURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("did document fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocBytes))
	if err != nil {
		return "", err
	}
	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("parse did document: %w", err)
	}
	for _, svc := range doc.Service {
		if svc.Type == pdsServiceType || strings.HasSuffix(svc.ID, "#atproto_pds") {
			if svc.ServiceEndpoint == "" {
				continue
			}
			return strings.TrimSuffix(svc.ServiceEndpoint, "/"), nil
		}
	}
	return "", fmt.Errorf("did document carries no repository host service")
}
