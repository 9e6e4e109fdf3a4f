// Package ingest turns queued firehose events into index writes. The
// processor consumes from the durable stream with parallel pipelines,
// buffers out-of-order children until their parent arrives, and quarantines
// messages that keep failing.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/lexicon"
)

// Loop cadences. Claim and retry run on the same beat; the sweeper is
// slower because TTL expiry is coarse by nature.
const (
	claimInterval = 30 * time.Second
	claimMinIdle  = 30 * time.Second
	claimBatch    = 100
	retryInterval = 30 * time.Second
	sweepInterval = time.Minute
	maxFetchTries = 3
	fetchRetryGap = 30 * time.Second
)

// Fetcher hydrates a missing record from its owning repository host. The
// retry loop uses it when a buffered child's parent never arrives on the
// stream.
type Fetcher interface {
	FetchRecord(ctx context.Context, uri string) (record json.RawMessage, cid string, err error)
}

// Options parameterizes a Processor.
type Options struct {
	Pipelines        int
	MaxConcurrentOps int
	BatchSize        int64
	BlockDuration    time.Duration
	MaxDeliveries    int64
	// BackfillCutoff drops records older than it when non-zero.
	BackfillCutoff time.Time
	Buffer         BufferConfig
}

// fetchState tracks parent hydration attempts so a dead parent is probed at
// most maxFetchTries times, spaced out.
type fetchState struct {
	attempts int
	lastAt   time.Time
}

// Processor drains the durable stream into the index store.
type Processor struct {
	opts     Options
	queue    Queue
	store    Store
	registry *lexicon.Registry
	fetcher  Fetcher
	cacheInv Invalidator
	counters Counters
	log      *zap.Logger

	pending          *PendingBuffer // likes and reposts keyed by post URI
	pendingListItems *PendingBuffer // list items keyed by list URI
	backfillCutoff   time.Time

	fetchMu sync.Mutex
	fetches map[string]*fetchState

	sem    chan struct{}
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewProcessor wires a processor. fetcher and cacheInv may be nil.
func NewProcessor(opts Options, q Queue, store Store, registry *lexicon.Registry, fetcher Fetcher, cacheInv Invalidator, counters Counters, logger *zap.Logger) *Processor {
	if opts.Pipelines < 1 {
		opts.Pipelines = 1
	}
	if opts.MaxConcurrentOps < 1 {
		opts.MaxConcurrentOps = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = 100 * time.Millisecond
	}
	if opts.MaxDeliveries < 1 {
		opts.MaxDeliveries = 10
	}
	return &Processor{
		opts:             opts,
		queue:            q,
		store:            store,
		registry:         registry,
		fetcher:          fetcher,
		cacheInv:         cacheInv,
		counters:         counters,
		log:              logger,
		pending:          NewPendingBuffer(opts.Buffer),
		pendingListItems: NewPendingBuffer(opts.Buffer),
		backfillCutoff:   opts.BackfillCutoff,
		fetches:          make(map[string]*fetchState),
		sem:              make(chan struct{}, opts.MaxConcurrentOps),
		stopCh:           make(chan struct{}),
	}
}

// Start launches the pipelines and the maintenance loops.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.opts.Pipelines; i++ {
		consumer := fmt.Sprintf("pipeline-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.consumeLoop(ctx, consumer)
		}()
	}

	p.wg.Add(3)
	go func() { defer p.wg.Done(); p.claimLoop(ctx) }()
	go func() { defer p.wg.Done(); p.retryLoop(ctx) }()
	go func() { defer p.wg.Done(); p.sweepLoop(ctx) }()

	p.log.Info("processor started",
		zap.Int("pipelines", p.opts.Pipelines),
		zap.Int("max_concurrent_ops", p.opts.MaxConcurrentOps),
	)
}

// Stop signals the loops and waits for in-flight work. Unacked messages are
// redelivered after restart; handlers are idempotent, so that is safe.
func (p *Processor) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// RetryPendingNow runs one retry pass outside the timer, for the control
// channel.
func (p *Processor) RetryPendingNow(ctx context.Context) {
	p.retryPending(ctx)
}

// PendingStats reports both buffers, for the stats endpoint.
func (p *Processor) PendingStats() (interactions, listItems BufferStats) {
	return p.pending.Stats(), p.pendingListItems.Stats()
}

// ── consume path ───────────────────────────────────────────────────────────

func (p *Processor) consumeLoop(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		msgs, err := p.queue.Consume(ctx, consumer, p.opts.BatchSize, p.opts.BlockDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("consume failed", zap.String("consumer", consumer), zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		p.processBatch(ctx, msgs, 1)
	}
}

// processBatch fans a batch across the shared concurrency budget and waits
// for it. deliveries is the delivery count for every message in the batch
// when known uniformly (1 on the fresh-consume path); the claim path passes
// per-message counts via processMessage directly.
func (p *Processor) processBatch(ctx context.Context, msgs []Message, deliveries int64) {
	var wg sync.WaitGroup
	for _, msg := range msgs {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(m Message) {
			defer wg.Done()
			defer func() { <-p.sem }()
			p.processMessage(ctx, m, deliveries)
		}(msg)
	}
	wg.Wait()
}

// processMessage owns the ack decision: success and poison pills leave the
// pending entry list; transient failures stay for redelivery.
func (p *Processor) processMessage(ctx context.Context, msg Message, deliveries int64) {
	err := p.processEvent(ctx, msg.Event)
	if err == nil {
		if ackErr := p.queue.Ack(ctx, msg.ID); ackErr != nil {
			p.log.Warn("ack failed", zap.String("id", msg.ID), zap.Error(ackErr))
		}
		p.counters.Incr("messages:processed")
		return
	}

	var pill *poisonPillError
	if errors.As(err, &pill) {
		p.counters.Incr("messages:poison")
		p.log.Warn("quarantining poison message",
			zap.String("id", msg.ID), zap.Error(err))
		if dlErr := p.queue.DeadLetter(ctx, msg, deliveries, err.Error()); dlErr != nil {
			p.log.Error("dead-letter failed", zap.String("id", msg.ID), zap.Error(dlErr))
		}
		return
	}

	// Transient (store outage, timeout): no ack, the claim loop or a restart
	// redelivers it.
	p.counters.Incr("messages:retryable_errors")
	p.log.Warn("processing failed, leaving for redelivery",
		zap.String("id", msg.ID),
		zap.Int64("deliveries", deliveries),
		zap.Error(err),
	)
}

// ── claim loop ─────────────────────────────────────────────────────────────

// claimLoop reaps messages stuck pending on dead or wedged consumers.
// Messages past the delivery budget go to the dead-letter stream; the rest
// are re-processed here.
func (p *Processor) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.claimStale(ctx)
		}
	}
}

func (p *Processor) claimStale(ctx context.Context) {
	infos, err := p.queue.PendingDetails(ctx, claimMinIdle, claimBatch)
	if err != nil {
		p.log.Warn("pending inspection failed", zap.Error(err))
		return
	}
	if len(infos) == 0 {
		return
	}

	deliveriesByID := make(map[string]int64, len(infos))
	for _, info := range infos {
		deliveriesByID[info.ID] = info.Deliveries
		if info.Deliveries < p.opts.MaxDeliveries {
			continue
		}
		msg, found, err := p.queue.FetchByID(ctx, info.ID)
		if err != nil {
			p.log.Warn("fetch for quarantine failed", zap.String("id", info.ID), zap.Error(err))
			continue
		}
		if !found {
			// Trimmed out of the stream already; just release the PEL entry.
			if err := p.queue.Ack(ctx, info.ID); err != nil {
				p.log.Warn("ack of trimmed message failed", zap.String("id", info.ID), zap.Error(err))
			}
			continue
		}
		p.counters.Incr("messages:delivery_exhausted")
		if err := p.queue.DeadLetter(ctx, msg, info.Deliveries, "delivery budget exhausted"); err != nil {
			p.log.Error("dead-letter failed", zap.String("id", info.ID), zap.Error(err))
		}
		delete(deliveriesByID, info.ID)
	}

	msgs, err := p.queue.Claim(ctx, "reaper", claimMinIdle, claimBatch)
	if err != nil {
		p.log.Warn("claim failed", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		deliveries := deliveriesByID[msg.ID]
		if deliveries == 0 {
			deliveries = 1
		}
		p.counters.Incr("messages:claimed")
		p.processMessage(ctx, msg, deliveries)
	}
}

// ── pending retry loop ─────────────────────────────────────────────────────

func (p *Processor) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.retryPending(ctx)
		}
	}
}

// retryPending re-probes every buffered parent. A parent that showed up
// through a path that bypassed the flush (claimed on another instance,
// backfilled) releases its queue here; a parent that never arrives gets a
// bounded number of direct fetches from its repository host.
func (p *Processor) retryPending(ctx context.Context) {
	for _, parent := range p.pending.Parents() {
		exists, err := p.store.PostExists(ctx, parent)
		if err != nil {
			p.log.Warn("pending probe failed", zap.String("parent", parent), zap.Error(err))
			continue
		}
		if exists {
			if err := p.flushPendingFor(ctx, parent); err != nil {
				p.log.Warn("pending flush failed", zap.String("parent", parent), zap.Error(err))
			}
			continue
		}
		p.maybeFetchParent(ctx, parent)
	}

	for _, parent := range p.pendingListItems.Parents() {
		exists, err := p.store.ListExists(ctx, parent)
		if err != nil {
			p.log.Warn("pending probe failed", zap.String("parent", parent), zap.Error(err))
			continue
		}
		if exists {
			if err := p.flushPendingFor(ctx, parent); err != nil {
				p.log.Warn("pending flush failed", zap.String("parent", parent), zap.Error(err))
			}
			continue
		}
		p.maybeFetchParent(ctx, parent)
	}

	p.pruneFetchStates()
}

// maybeFetchParent hydrates a missing parent record directly from its
// repository host, at most maxFetchTries times at least fetchRetryGap apart.
// On success the record goes through the normal write path, which flushes
// the waiting children.
func (p *Processor) maybeFetchParent(ctx context.Context, uri string) {
	if p.fetcher == nil {
		return
	}
	repo, collection, ok := splitATURI(uri)
	if !ok {
		return
	}

	p.fetchMu.Lock()
	st := p.fetches[uri]
	if st == nil {
		st = &fetchState{}
		p.fetches[uri] = st
	}
	if st.attempts >= maxFetchTries || time.Since(st.lastAt) < fetchRetryGap {
		p.fetchMu.Unlock()
		return
	}
	st.attempts++
	st.lastAt = time.Now()
	p.fetchMu.Unlock()

	record, cid, err := p.fetcher.FetchRecord(ctx, uri)
	if err != nil {
		p.counters.Incr("pending:fetch_failed")
		p.log.Debug("parent fetch failed",
			zap.String("uri", uri),
			zap.Int("attempt", st.attempts),
			zap.Error(err),
		)
		return
	}

	op := CommitOp{
		Action: "create",
		Path:   strings.TrimPrefix(uri, "at://"+repo+"/"),
		CID:    cid,
		Record: record,
	}
	if err := p.processWrite(ctx, repo, collection, uri, op); err != nil {
		p.log.Warn("indexing fetched parent failed", zap.String("uri", uri), zap.Error(err))
		return
	}
	p.counters.Incr("pending:fetched")
	p.log.Info("hydrated missing parent from repository host", zap.String("uri", uri))
}

// pruneFetchStates drops attempt tracking for parents no longer buffered.
func (p *Processor) pruneFetchStates() {
	live := make(map[string]struct{})
	for _, parent := range p.pending.Parents() {
		live[parent] = struct{}{}
	}
	for _, parent := range p.pendingListItems.Parents() {
		live[parent] = struct{}{}
	}
	p.fetchMu.Lock()
	for uri := range p.fetches {
		if _, ok := live[uri]; !ok {
			delete(p.fetches, uri)
		}
	}
	p.fetchMu.Unlock()
}

// ── sweeper ────────────────────────────────────────────────────────────────

func (p *Processor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			if n := p.pending.Sweep(now) + p.pendingListItems.Sweep(now); n > 0 {
				p.counters.Incr("pending:expired")
				p.log.Info("swept expired pending ops", zap.Int("count", n))
			}
		}
	}
}

// splitATURI breaks at://<repo>/<collection>/<rkey> into repo and collection.
func splitATURI(uri string) (repo, collection string, ok bool) {
	rest, found := strings.CutPrefix(uri, "at://")
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
