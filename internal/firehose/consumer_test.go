package firehose

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/queue"
)

func TestDecodeFrame_Commit(t *testing.T) {
	frame := []byte(`{
		"did": "did:plc:alice",
		"time_us": 1700000001,
		"kind": "commit",
		"commit": {
			"rev": "abc",
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3k2a",
			"record": {"text": "hi", "createdAt": "2026-01-02T03:04:05Z"},
			"cid": "bafyrei"
		}
	}`)

	ev, seq, err := decodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000001), seq)
	assert.Equal(t, queue.EventCommit, ev.Type)
	assert.Equal(t, "1700000001", ev.Seq)

	var data CommitData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, "did:plc:alice", data.Repo)
	require.Len(t, data.Ops, 1)
	assert.Equal(t, "create", data.Ops[0].Action)
	assert.Equal(t, "app.bsky.feed.post/3k2a", data.Ops[0].Path)
	assert.Equal(t, "bafyrei", data.Ops[0].CID)
}

func TestDecodeFrame_IdentityAndAccount(t *testing.T) {
	ev, _, err := decodeFrame([]byte(
		`{"did":"did:plc:b","time_us":2,"kind":"identity","identity":{"did":"did:plc:b","handle":"bob.example"}}`))
	require.NoError(t, err)
	assert.Equal(t, queue.EventIdentity, ev.Type)
	assert.JSONEq(t, `{"did":"did:plc:b","handle":"bob.example"}`, string(ev.Data))

	ev, _, err = decodeFrame([]byte(
		`{"did":"did:plc:b","time_us":3,"kind":"account","account":{"did":"did:plc:b","active":false}}`))
	require.NoError(t, err)
	assert.Equal(t, queue.EventAccount, ev.Type)
	assert.JSONEq(t, `{"did":"did:plc:b","active":false}`, string(ev.Data))
}

func TestDecodeFrame_SkipsUnknownKindButKeepsSeq(t *testing.T) {
	_, seq, err := decodeFrame([]byte(`{"did":"did:plc:b","time_us":7,"kind":"sync"}`))
	assert.Equal(t, errSkipFrame, err)
	assert.Equal(t, int64(7), seq)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	_, _, err := decodeFrame([]byte(`{`))
	require.Error(t, err)
	assert.NotEqual(t, errSkipFrame, err)
}

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, FailureAuth, classifyFailure(nil, &http.Response{StatusCode: http.StatusUnauthorized}))
	assert.Equal(t, FailureRateLimit, classifyFailure(nil, &http.Response{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, FailureAuth.Fatal())
	assert.False(t, FailureNetwork.Fatal())
	assert.False(t, FailureTimeout.Fatal())
}

// ── consumer loop against a fake relay ─────────────────────────────────────

type fakePusher struct {
	mu     sync.Mutex
	events []queue.Event
	gotCh  chan struct{}
}

func (p *fakePusher) Push(_ context.Context, e queue.Event) (string, error) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	select {
	case p.gotCh <- struct{}{}:
	default:
	}
	return "1-0", nil
}

type fakeCursors struct {
	mu     sync.Mutex
	stored int64
	has    bool
	sets   []int64
}

func (c *fakeCursors) Get(context.Context, string) (int64, time.Time, error) {
	if !c.has {
		return 0, time.Time{}, context.Canceled
	}
	return c.stored, time.Now(), nil
}

func (c *fakeCursors) Set(_ context.Context, _ string, cursor int64, _ time.Time) error {
	c.mu.Lock()
	c.sets = append(c.sets, cursor)
	c.mu.Unlock()
	return nil
}

func (c *fakeCursors) Flush(context.Context) error { return nil }

type nopCounters struct{}

func (nopCounters) Incr(string) {}

func commitFrame(seq int64, rkey string) string {
	return `{"did":"did:plc:alice","time_us":` + jsonInt(seq) + `,"kind":"commit","commit":{` +
		`"operation":"create","collection":"app.bsky.feed.post","rkey":"` + rkey + `",` +
		`"record":{"text":"x","createdAt":"2026-01-02T03:04:05Z"},"cid":"bafy"}}`
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestConsumer_SkipsReplayedSeqsOnResume(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var sawCursorParam string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawCursorParam = r.URL.Query().Get("cursor")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Seq 99 and 100 were already acked before the crash; 101 and 102
		// are new.
		for _, frame := range []string{
			commitFrame(99, "a"), commitFrame(100, "b"),
			commitFrame(101, "c"), commitFrame(102, "d"),
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the socket open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	pusher := &fakePusher{gotCh: make(chan struct{}, 8)}
	cursors := &fakeCursors{stored: 100, has: true}
	c, err := NewConsumer(
		Config{RelayURL: "ws" + strings.TrimPrefix(srv.URL, "http")},
		pusher, cursors, nil, nopCounters{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop(context.Background())

	// Two fresh events expected.
	for i := 0; i < 2; i++ {
		select {
		case <-pusher.gotCh:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for pushes")
		}
	}

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	require.Len(t, pusher.events, 2, "replayed seqs must not be re-pushed")
	assert.Equal(t, "101", pusher.events[0].Seq)
	assert.Equal(t, "102", pusher.events[1].Seq)
	assert.Equal(t, "100", sawCursorParam, "resume cursor advertised to the relay")
	assert.GreaterOrEqual(t, c.Cursor(), int64(102))
}
