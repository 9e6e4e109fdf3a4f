package firehose

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/queue"
)

// CursorName identifies this ingestion stream in the cursor store.
const CursorName = "firehose"

// Timing constants for the keep-alive and watchdog machinery.
const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	stallTimeout     = 2 * time.Minute
	backoffMin       = time.Second
	backoffMax       = 30 * time.Second
)

// Pusher appends events to the durable stream. Push may block; the ingest
// loop tolerates the back-pressure.
type Pusher interface {
	Push(ctx context.Context, e queue.Event) (string, error)
}

// CursorSink persists the resume position. Implementations coalesce the
// write-through.
type CursorSink interface {
	Get(ctx context.Context, name string) (int64, time.Time, error)
	Set(ctx context.Context, name string, cursor int64, at time.Time) error
	Flush(ctx context.Context) error
}

// FanOut broadcasts a lightweight copy of each event to in-process and
// pub/sub observers. Failures are the observer's loss, never the stream's.
type FanOut func(ctx context.Context, e queue.Event)

// Counters receives per-kind event counts.
type Counters interface {
	Incr(name string)
}

// Config parameterizes a Consumer.
type Config struct {
	RelayURL string
	// Compress requests zstd frames from the relay.
	Compress bool
}

// Consumer is the single long-running ingest task: one WebSocket to the
// relay, decoded frames pushed to the queue, cursor persisted along the way.
type Consumer struct {
	cfg      Config
	pusher   Pusher
	cursors  CursorSink
	fanOut   FanOut
	counters Counters
	log      *zap.Logger

	decoder *zstd.Decoder

	conn   *websocket.Conn
	connMu sync.Mutex

	cursor      atomic.Int64 // latest seq pushed
	hasCursor   atomic.Bool  // a stored cursor exists; 0 means oldest available
	resumeFrom  atomic.Int64 // frames at or below this are replays
	connected   atomic.Bool
	fatal       atomic.Bool
	lastEventAt atomic.Int64 // unix nanos
	startedAt   time.Time

	redialCh chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer wires the ingest task. Call Start to begin.
func NewConsumer(cfg Config, pusher Pusher, cursors CursorSink, fanOut FanOut, counters Counters, logger *zap.Logger) (*Consumer, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Consumer{
		cfg:      cfg,
		pusher:   pusher,
		cursors:  cursors,
		fanOut:   fanOut,
		counters: counters,
		log:      logger,
		decoder:  decoder,
		redialCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start loads the stored cursor and launches the connect/consume loop.
func (c *Consumer) Start(ctx context.Context) {
	c.startedAt = time.Now()
	if cursor, _, err := c.cursors.Get(ctx, CursorName); err == nil {
		// Cursor 0 is meaningful: it asks the relay for the oldest frames
		// it still has. Only a missing row means "start at head".
		c.cursor.Store(cursor)
		c.resumeFrom.Store(cursor)
		c.hasCursor.Store(true)
		c.log.Info("resuming firehose from stored cursor", zap.Int64("cursor", cursor))
	} else {
		c.log.Info("no stored cursor, starting at relay head")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop closes the socket, waits for the loop, and flushes the cursor.
func (c *Consumer) Stop(ctx context.Context) {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.closeConn()
	c.wg.Wait()
	c.decoder.Close()
	if err := c.cursors.Flush(ctx); err != nil {
		c.log.Error("cursor flush on shutdown failed", zap.Error(err))
	}
}

// Reconnect forces a redial without stopping the consumer. Used by the
// control channel.
func (c *Consumer) Reconnect() {
	select {
	case c.redialCh <- struct{}{}:
	default:
	}
	c.closeConn()
}

// Connected reports whether the socket is currently open.
func (c *Consumer) Connected() bool { return c.connected.Load() }

// Fatal reports whether ingestion stopped on an unrecoverable failure.
func (c *Consumer) Fatal() bool { return c.fatal.Load() }

// StartedAt is when Start was called; readiness grants a grace window
// relative to it.
func (c *Consumer) StartedAt() time.Time { return c.startedAt }

// Cursor returns the latest sequence pushed to the queue.
func (c *Consumer) Cursor() int64 { return c.cursor.Load() }

// LastEventAt returns the arrival time of the most recent frame.
func (c *Consumer) LastEventAt() time.Time {
	return time.Unix(0, c.lastEventAt.Load())
}

func (c *Consumer) run(ctx context.Context) {
	backoff := backoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		kind, err := c.connectAndConsume(ctx)
		if err == nil {
			// Clean stop (shutdown or forced redial): no backoff growth.
			backoff = backoffMin
			continue
		}

		c.counters.Incr("firehose:failure:" + string(kind))
		if kind.Fatal() {
			c.fatal.Store(true)
			c.log.Error("fatal firehose failure, ingestion stopped",
				zap.String("kind", string(kind)), zap.Error(err))
			return
		}

		c.log.Warn("firehose connection lost",
			zap.String("kind", string(kind)),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// connectAndConsume dials once and reads until the connection dies, the
// consumer stops, or a redial is forced. A nil error means a deliberate
// close.
func (c *Consumer) connectAndConsume(ctx context.Context) (FailureKind, error) {
	wsURL, err := c.buildURL()
	if err != nil {
		return FailureProtocol, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return classifyFailure(err, resp), fmt.Errorf("dial %s: %w", c.cfg.RelayURL, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
	c.lastEventAt.Store(time.Now().UnixNano())
	c.log.Info("firehose connected",
		zap.String("relay", c.cfg.RelayURL),
		zap.Int64("cursor", c.cursor.Load()),
	)
	defer func() {
		c.closeConn()
		c.connected.Store(false)
	}()

	// Keep-alive: ping every 30 s; a pong (or any frame) extends the read
	// deadline. A missed pong trips the 45 s deadline and kills the read.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	keepAliveDone := make(chan struct{})
	defer close(keepAliveDone)
	go c.keepAlive(conn, keepAliveDone)

	for {
		select {
		case <-ctx.Done():
			return "", nil
		case <-c.stopCh:
			return "", nil
		case <-c.redialCh:
			c.log.Info("redial requested")
			return "", nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return classifyFailure(err, nil), fmt.Errorf("read: %w", err)
		}
		c.lastEventAt.Store(time.Now().UnixNano())
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := c.handleFrame(ctx, message); err != nil {
			c.counters.Incr("firehose:frame_errors")
			c.log.Warn("frame handling failed", zap.Error(err))
		}
	}
}

// keepAlive sends pings and watches for stalls: no frame of any kind for
// 2 min while nominally connected forces the socket closed, which the read
// loop surfaces as a reconnectable error.
func (c *Consumer) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("ping write failed", zap.Error(err))
				return
			}
			if time.Since(c.LastEventAt()) > stallTimeout {
				c.counters.Incr("firehose:stalls")
				c.log.Warn("stream stalled, forcing reconnect",
					zap.Time("last_event", c.LastEventAt()))
				conn.Close()
				return
			}
		}
	}
}

// handleFrame decodes one relay frame, pushes it to the queue, fans it out,
// and records the cursor. Frames at or below the resume cursor are replays
// the queue already acked; they advance the cursor but are not re-pushed.
func (c *Consumer) handleFrame(ctx context.Context, message []byte) error {
	data, err := c.decompress(message)
	if err != nil {
		return err
	}

	event, seq, err := decodeFrame(data)
	if err != nil {
		if err == errSkipFrame {
			c.trackSeq(ctx, seq)
			return nil
		}
		return err
	}

	if seq > 0 && seq <= c.resumeFrom.Load() {
		c.counters.Incr("firehose:replayed")
		c.trackSeq(ctx, seq)
		return nil
	}

	// Push may block on queue back-pressure; that throttles the read loop
	// by design.
	if _, err := c.pusher.Push(ctx, event); err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	c.counters.Incr("events:" + event.Type)

	if c.fanOut != nil {
		c.fanOut(ctx, event)
	}
	c.trackSeq(ctx, seq)
	return nil
}

// trackSeq advances the in-memory cursor and hands it to the coalescing
// cursor store. Monotonicity is enforced here for the single ingest task.
func (c *Consumer) trackSeq(ctx context.Context, seq int64) {
	if seq <= 0 || seq <= c.cursor.Load() {
		return
	}
	c.cursor.Store(seq)
	if err := c.cursors.Set(ctx, CursorName, seq, time.Now().UTC()); err != nil {
		c.log.Warn("cursor persist failed", zap.Int64("seq", seq), zap.Error(err))
	}
}

// decompress sniffs the zstd magic bytes and decodes when present.
func (c *Consumer) decompress(data []byte) ([]byte, error) {
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD {
		out, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	}
	return data, nil
}

// buildURL attaches the cursor and compression parameters to the relay URL.
func (c *Consumer) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.RelayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	if c.cfg.Compress {
		q.Set("compress", "true")
	}
	if c.hasCursor.Load() || c.cursor.Load() > 0 {
		q.Set("cursor", strconv.FormatInt(c.cursor.Load(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// closeConn closes the socket under the mutex; safe when already closed.
func (c *Consumer) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}
