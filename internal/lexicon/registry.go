// Package lexicon is the schema registry for known record types.
//
// Validation outcomes form a three-way result: valid records proceed, unknown
// collections pass through uncounted as errors (forward compatibility with
// lexicons this deployment has never seen), and invalid records are dropped by
// the processor with a structured reason kept in a bounded ring.
package lexicon

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
)

// Result classifies a record against the registry.
type Result int

const (
	ResultValid Result = iota
	ResultUnknown
	ResultInvalid
)

func (r Result) String() string {
	switch r {
	case ResultValid:
		return "valid"
	case ResultUnknown:
		return "unknown"
	case ResultInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// maxErrorRing bounds the retained validation failures.
const maxErrorRing = 1000

// ValidationError is one recorded validation failure.
type ValidationError struct {
	Collection string    `json:"collection"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Stats is a snapshot of the registry counters.
type Stats struct {
	Valid   int64 `json:"valid"`
	Invalid int64 `json:"invalid"`
	Unknown int64 `json:"unknown"`
}

// Registry maps collection NSIDs to record schemas and validates raw records
// against them. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[string]func() any
	validate *validator.Validate

	valid   atomic.Int64
	invalid atomic.Int64
	unknown atomic.Int64

	ringMu sync.Mutex
	ring   []ValidationError
	ringAt int
}

// NewRegistry returns a registry pre-loaded with the known record types.
func NewRegistry() *Registry {
	r := &Registry{
		schemas:  make(map[string]func() any),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	registerDefaults(r)
	return r
}

// Register adds (or replaces) the schema for a collection. The factory must
// return a pointer to a fresh schema struct carrying validator tags.
func (r *Registry) Register(collection string, factory func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[collection] = factory
}

// Known reports whether the collection has a registered schema.
func (r *Registry) Known(collection string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[collection]
	return ok
}

// Validate checks a raw record against the schema registered for its
// collection. Unknown collections return ResultUnknown with a nil error; the
// caller passes those through. Invalid records return the reason.
func (r *Registry) Validate(collection string, record json.RawMessage) (Result, error) {
	r.mu.RLock()
	factory, ok := r.schemas[collection]
	r.mu.RUnlock()
	if !ok {
		r.unknown.Add(1)
		return ResultUnknown, nil
	}

	target := factory()
	if err := json.Unmarshal(record, target); err != nil {
		return r.fail(collection, fmt.Sprintf("malformed record: %v", err))
	}
	if err := r.validate.Struct(target); err != nil {
		return r.fail(collection, err.Error())
	}

	r.valid.Add(1)
	return ResultValid, nil
}

func (r *Registry) fail(collection, reason string) (Result, error) {
	r.invalid.Add(1)
	r.record(ValidationError{Collection: collection, Reason: reason, At: time.Now().UTC()})
	return ResultInvalid, fmt.Errorf("%s: %s", collection, reason)
}

// Stats returns the counter snapshot.
func (r *Registry) Stats() Stats {
	return Stats{
		Valid:   r.valid.Load(),
		Invalid: r.invalid.Load(),
		Unknown: r.unknown.Load(),
	}
}

// Errors returns the retained validation failures, oldest first.
func (r *Registry) Errors() []ValidationError {
	r.ringMu.Lock()
	defer r.ringMu.Unlock()
	if len(r.ring) < maxErrorRing {
		out := make([]ValidationError, len(r.ring))
		copy(out, r.ring)
		return out
	}
	out := make([]ValidationError, 0, maxErrorRing)
	out = append(out, r.ring[r.ringAt:]...)
	out = append(out, r.ring[:r.ringAt]...)
	return out
}

func (r *Registry) record(e ValidationError) {
	r.ringMu.Lock()
	defer r.ringMu.Unlock()
	if len(r.ring) < maxErrorRing {
		r.ring = append(r.ring, e)
		return
	}
	r.ring[r.ringAt] = e
	r.ringAt = (r.ringAt + 1) % maxErrorRing
}
