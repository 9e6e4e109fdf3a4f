// Package firehose maintains the durable WebSocket subscription to the
// upstream relay and fans decoded events into the work queue.
package firehose

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/queue"
)

// Event kinds on the relay stream.
const (
	kindCommit   = "commit"
	kindIdentity = "identity"
	kindAccount  = "account"
)

// relayEvent is the relay's JSON frame envelope.
type relayEvent struct {
	DID    string `json:"did"`
	TimeUS int64  `json:"time_us"`
	Kind   string `json:"kind"`
	Commit *struct {
		Rev        string          `json:"rev"`
		Operation  string          `json:"operation"` // create | update | delete
		Collection string          `json:"collection"`
		RKey       string          `json:"rkey"`
		Record     json.RawMessage `json:"record,omitempty"`
		CID        string          `json:"cid"`
	} `json:"commit,omitempty"`
	Identity *struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"identity,omitempty"`
	Account *struct {
		DID    string `json:"did"`
		Active bool   `json:"active"`
	} `json:"account,omitempty"`
}

// CommitData is the queue payload for commit events.
type CommitData struct {
	Repo string     `json:"repo"`
	Ops  []CommitOp `json:"ops"`
}

// CommitOp is one create/update/delete inside a commit.
type CommitOp struct {
	Action string          `json:"action"`
	Path   string          `json:"path"`
	CID    string          `json:"cid,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
}

// IdentityData is the queue payload for identity events.
type IdentityData struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// AccountData is the queue payload for account events.
type AccountData struct {
	DID    string `json:"did"`
	Active bool   `json:"active"`
}

// errSkipFrame marks relay frames that carry nothing for the queue.
var errSkipFrame = errors.New("skip frame")

// decodeFrame maps one relay frame onto the queue event shape. Returns the
// frame's sequence (time_us) alongside so the consumer can track resume
// position even for skipped frames.
func decodeFrame(data []byte) (queue.Event, int64, error) {
	var ev relayEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		preview := data
		if len(preview) > 64 {
			preview = preview[:64]
		}
		return queue.Event{}, 0, fmt.Errorf("unmarshal frame (first bytes %q): %w", preview, err)
	}

	seq := strconv.FormatInt(ev.TimeUS, 10)

	switch ev.Kind {
	case kindCommit:
		if ev.Commit == nil || ev.Commit.Collection == "" || ev.Commit.RKey == "" {
			return queue.Event{}, ev.TimeUS, errSkipFrame
		}
		data, err := json.Marshal(CommitData{
			Repo: ev.DID,
			Ops: []CommitOp{{
				Action: ev.Commit.Operation,
				Path:   ev.Commit.Collection + "/" + ev.Commit.RKey,
				CID:    ev.Commit.CID,
				Record: ev.Commit.Record,
			}},
		})
		if err != nil {
			return queue.Event{}, ev.TimeUS, err
		}
		return queue.Event{Type: queue.EventCommit, Data: data, Seq: seq}, ev.TimeUS, nil

	case kindIdentity:
		if ev.Identity == nil {
			return queue.Event{}, ev.TimeUS, errSkipFrame
		}
		data, err := json.Marshal(IdentityData{DID: ev.Identity.DID, Handle: ev.Identity.Handle})
		if err != nil {
			return queue.Event{}, ev.TimeUS, err
		}
		return queue.Event{Type: queue.EventIdentity, Data: data, Seq: seq}, ev.TimeUS, nil

	case kindAccount:
		if ev.Account == nil {
			return queue.Event{}, ev.TimeUS, errSkipFrame
		}
		data, err := json.Marshal(AccountData{DID: ev.Account.DID, Active: ev.Account.Active})
		if err != nil {
			return queue.Event{}, ev.TimeUS, err
		}
		return queue.Event{Type: queue.EventAccount, Data: data, Seq: seq}, ev.TimeUS, nil

	default:
		return queue.Event{}, ev.TimeUS, errSkipFrame
	}
}

// FailureKind classifies a connection failure for the reconnect policy.
type FailureKind string

const (
	FailureNetwork   FailureKind = "network"
	FailureTimeout   FailureKind = "timeout"
	FailureProtocol  FailureKind = "protocol"
	FailureAuth      FailureKind = "auth"
	FailureRateLimit FailureKind = "ratelimit"
	FailureUnknown   FailureKind = "unknown"
)

// Fatal reports whether the failure must stop ingestion instead of
// triggering a reconnect. Only auth failures are fatal.
func (k FailureKind) Fatal() bool { return k == FailureAuth }

// classifyFailure maps a dial or read error onto the failure taxonomy.
// resp is the handshake response when the dial got that far.
func classifyFailure(err error, resp *http.Response) FailureKind {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return FailureAuth
		case http.StatusTooManyRequests:
			return FailureRateLimit
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return FailureTimeout
	}
	if websocket.IsCloseError(err,
		websocket.CloseProtocolError,
		websocket.CloseUnsupportedData,
		websocket.CloseInvalidFramePayloadData,
		websocket.ClosePolicyViolation) {
		return FailureProtocol
	}
	if websocket.IsUnexpectedCloseError(err) {
		return FailureNetwork
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureNetwork
	}
	if err != nil && strings.Contains(err.Error(), "connection") {
		return FailureNetwork
	}
	return FailureUnknown
}
