package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Event is the queue payload shape. Data is the per-type JSON described by
// the commit/identity/account envelopes; Seq is the upstream sequence when
// known.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Seq  string          `json:"seq,omitempty"`
}

// Event types on the stream.
const (
	EventCommit   = "commit"
	EventIdentity = "identity"
	EventAccount  = "account"
)

// Message is one delivered stream entry.
type Message struct {
	ID    string
	Event Event
}

// PendingInfo describes one un-acked entry in the consumer group.
type PendingInfo struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// DeadLetterEntry is one quarantined message as stored on the dead-letter
// stream.
type DeadLetterEntry struct {
	ID         string    `json:"id"`
	OrigID     string    `json:"origId"`
	Deliveries int64     `json:"deliveries"`
	Reason     string    `json:"reason"`
	MovedAt    time.Time `json:"movedAt"`
	Event      Event     `json:"event"`
}

// Options configures a Stream.
type Options struct {
	Key              string
	Group            string
	MaxLen           int64
	DeadLetterMaxLen int64
}

// Stream is the durable work queue: an approximately bounded Redis stream
// with one consumer group, plus a bounded dead-letter stream alongside it.
type Stream struct {
	rdb  *redis.Client
	opts Options
	log  *zap.Logger

	// Collapses concurrent group recreation after NOGROUP; the cross-process
	// side is guarded by a short-lived SET NX lock.
	regroup singleflight.Group
}

// NewStream wraps an existing Redis client. EnsureGroup must be called once
// before consuming.
func NewStream(rdb *redis.Client, opts Options, logger *zap.Logger) *Stream {
	return &Stream{rdb: rdb, opts: opts, log: logger}
}

// Key returns the main stream key.
func (s *Stream) Key() string { return s.opts.Key }

// Group returns the consumer group name.
func (s *Stream) Group() string { return s.opts.Group }

// DeadLetterKey returns the quarantine stream key.
func (s *Stream) DeadLetterKey() string { return s.opts.Key + ":dead" }

// Push appends one event. The stream is trimmed approximately to MaxLen;
// eviction at the tail is acceptable loss by contract.
func (s *Stream) Push(ctx context.Context, e Event) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.Key,
		MaxLen: s.opts.MaxLen,
		Approx: true,
		ID:     "*",
		Values: eventValues(e),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.opts.Key, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group at stream origin, creating the
// stream itself if needed. Re-creation of an existing group is not an error.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.opts.Key, s.opts.Group, "0").Err()
	if err != nil && !isGroupExistsError(err) {
		return fmt.Errorf("create consumer group %s: %w", s.opts.Group, err)
	}
	return nil
}

// Consume reads up to count messages not yet delivered to the group, blocking
// up to block when the stream is idle. An empty slice means no work. A
// NOGROUP response (group lost, e.g. after a flush) triggers single-flight
// recreation and returns empty so the caller's loop continues.
func (s *Stream) Consume(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.opts.Group,
		Consumer: consumer,
		Streams:  []string{s.opts.Key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if isNoGroupError(err) {
			s.recreateGroup(ctx)
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", s.opts.Key, err)
	}

	var out []Message
	for _, stream := range res {
		for _, m := range stream.Messages {
			out = append(out, Message{ID: m.ID, Event: eventFromValues(m.Values)})
		}
	}
	return out, nil
}

// Ack marks messages processed for the group.
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, s.opts.Key, s.opts.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// Claim transfers ownership of messages pending longer than minIdle in other
// consumers, returning them for reprocessing. Each claim counts as a
// delivery.
func (s *Stream) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.opts.Key,
		Group:    s.opts.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if isNoGroupError(err) {
			s.recreateGroup(ctx)
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, Event: eventFromValues(m.Values)})
	}
	return out, nil
}

// PendingDetails lists un-acked entries with their delivery counts, oldest
// first. minIdle filters out entries delivered too recently to touch.
func (s *Stream) PendingDetails(ctx context.Context, minIdle time.Duration, count int64) ([]PendingInfo, error) {
	ext, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.opts.Key,
		Group:  s.opts.Group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil || isNoGroupError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending: %w", err)
	}

	out := make([]PendingInfo, 0, len(ext))
	for _, p := range ext {
		out = append(out, PendingInfo{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

// FetchByID reads a single entry body from the main stream. Returns found =
// false when the entry was trimmed away.
func (s *Stream) FetchByID(ctx context.Context, id string) (Message, bool, error) {
	msgs, err := s.rdb.XRangeN(ctx, s.opts.Key, id, id, 1).Result()
	if err != nil {
		return Message{}, false, fmt.Errorf("xrange %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return Message{}, false, nil
	}
	return Message{ID: msgs[0].ID, Event: eventFromValues(msgs[0].Values)}, true, nil
}

// DeadLetter quarantines a message that exhausted its deliveries: it is
// appended to the bounded dead-letter stream with provenance fields and the
// original is acked so the group stops redelivering it.
func (s *Stream) DeadLetter(ctx context.Context, msg Message, deliveries int64, reason string) error {
	values := eventValues(msg.Event)
	values["origId"] = msg.ID
	values["deliveries"] = deliveries
	values["reason"] = reason
	values["movedAt"] = time.Now().UTC().Format(time.RFC3339Nano)

	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.DeadLetterKey(),
		MaxLen: s.opts.DeadLetterMaxLen,
		Approx: true,
		ID:     "*",
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dead-letter: %w", err)
	}

	if err := s.Ack(ctx, msg.ID); err != nil {
		return err
	}

	s.log.Warn("message moved to dead-letter stream",
		zap.String("orig_id", msg.ID),
		zap.Int64("deliveries", deliveries),
		zap.String("reason", reason),
	)
	return nil
}

// DumpDeadLetters returns up to count quarantined entries, newest first.
func (s *Stream) DumpDeadLetters(ctx context.Context, count int64) ([]DeadLetterEntry, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, s.DeadLetterKey(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange dead-letter: %w", err)
	}

	out := make([]DeadLetterEntry, 0, len(msgs))
	for _, m := range msgs {
		e := DeadLetterEntry{ID: m.ID, Event: eventFromValues(m.Values)}
		if v, ok := m.Values["origId"].(string); ok {
			e.OrigID = v
		}
		if v, ok := m.Values["deliveries"].(string); ok {
			fmt.Sscanf(v, "%d", &e.Deliveries)
		}
		if v, ok := m.Values["reason"].(string); ok {
			e.Reason = v
		}
		if v, ok := m.Values["movedAt"].(string); ok {
			if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
				e.MovedAt = t
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Len returns the main stream length.
func (s *Stream) Len(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, s.opts.Key).Result()
}

// DeadLetterLen returns the dead-letter stream length.
func (s *Stream) DeadLetterLen(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, s.DeadLetterKey()).Result()
}

// PendingCount returns the number of delivered-but-unacked messages.
func (s *Stream) PendingCount(ctx context.Context) (int64, error) {
	p, err := s.rdb.XPending(ctx, s.opts.Key, s.opts.Group).Result()
	if err != nil {
		if err == redis.Nil || isNoGroupError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending summary: %w", err)
	}
	return p.Count, nil
}

// recreateGroup re-creates the consumer group after a NOGROUP response.
// In-process callers collapse through singleflight; across processes a
// five-second SET NX lock elects one creator, everyone else backs off and
// retries their read.
func (s *Stream) recreateGroup(ctx context.Context) {
	_, _, _ = s.regroup.Do(s.opts.Group, func() (interface{}, error) {
		lockKey := fmt.Sprintf("lock:group:%s:%s", s.opts.Key, s.opts.Group)
		ok, err := s.rdb.SetNX(ctx, lockKey, "1", 5*time.Second).Result()
		if err != nil {
			s.log.Error("group recreation lock failed", zap.Error(err))
			return nil, nil
		}
		if !ok {
			return nil, nil
		}
		if err := s.EnsureGroup(ctx); err != nil {
			s.log.Error("consumer group recreation failed",
				zap.String("group", s.opts.Group),
				zap.Error(err),
			)
			return nil, nil
		}
		s.log.Warn("consumer group recreated",
			zap.String("stream", s.opts.Key),
			zap.String("group", s.opts.Group),
		)
		return nil, nil
	})
}

// ── wire format helpers ─────────────────────────────────────────────────────

func eventValues(e Event) map[string]interface{} {
	values := map[string]interface{}{
		"type": e.Type,
		"data": string(e.Data),
	}
	if e.Seq != "" {
		values["seq"] = e.Seq
	}
	return values
}

func eventFromValues(values map[string]interface{}) Event {
	var e Event
	if v, ok := values["type"].(string); ok {
		e.Type = v
	}
	if v, ok := values["data"].(string); ok {
		e.Data = json.RawMessage(v)
	}
	if v, ok := values["seq"].(string); ok {
		e.Seq = v
	}
	return e
}

// Redis returns raw server errors for group conditions; go-redis exposes no
// typed sentinels for them, so detection is by prefix, same as the server
// replies them.

func isGroupExistsError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroupError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
