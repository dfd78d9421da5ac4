package hub

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/wormhole/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type resolveCall struct {
	requestID string
	decision  protocol.Decision
}

// fakeCore records routed frames and serves canned responses.
type fakeCore struct {
	mu       sync.Mutex
	sessions []protocol.SessionInfo
	queries  []protocol.Input
	controls []protocol.Control
	resolves chan resolveCall

	queryErr   error
	controlErr error
	resolveErr error
	catchup    protocol.SyncResponse
	catchupErr error
}

func newFakeCore() *fakeCore {
	return &fakeCore{resolves: make(chan resolveCall, 8)}
}

func (f *fakeCore) Sessions() []protocol.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeCore) Query(_ context.Context, session, text string) error {
	f.mu.Lock()
	f.queries = append(f.queries, protocol.Input{Session: session, Text: text})
	f.mu.Unlock()
	return f.queryErr
}

func (f *fakeCore) Control(_ context.Context, session string, action protocol.ControlAction) error {
	f.mu.Lock()
	f.controls = append(f.controls, protocol.Control{Session: session, Action: action})
	f.mu.Unlock()
	return f.controlErr
}

func (f *fakeCore) ResolvePermission(requestID string, decision protocol.Decision) error {
	f.resolves <- resolveCall{requestID: requestID, decision: decision}
	return f.resolveErr
}

func (f *fakeCore) Catchup(session string, afterSeq int64) (protocol.SyncResponse, error) {
	if f.catchupErr != nil {
		return protocol.SyncResponse{}, f.catchupErr
	}
	resp := f.catchup
	resp.Session = session
	return resp, nil
}

func (f *fakeCore) allQueries() []protocol.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Input(nil), f.queries...)
}

func (f *fakeCore) allControls() []protocol.Control {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Control(nil), f.controls...)
}

// newTestHub serves a hub over httptest and returns a dialable ws URL.
func newTestHub(t *testing.T, core Core) (*Hub, string) {
	t.Helper()
	h := New(testLogger(), core, Config{
		ServerVersion: "0.1.0",
		MachineName:   "testhost",
	})
	srv := NewServer(testLogger(), h, "127.0.0.1:0")

	ts := httptest.NewServer(srv.handler(context.Background()))
	t.Cleanup(func() {
		h.CloseAll()
		ts.Close()
	})
	return h, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// dial connects and completes the hello/welcome handshake.
func dial(t *testing.T, url, device string) (*websocket.Conn, protocol.Welcome) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sendFrame(t, conn, protocol.Hello{ClientVersion: "1.0.0", DeviceName: device})
	welcome, ok := readFrame(t, conn).(protocol.Welcome)
	require.True(t, ok, "expected welcome frame")
	return conn, welcome
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	data, err := protocol.EncodeClientMessage(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// syncBarrier round-trips a sync frame so the test knows every earlier
// frame on this connection has been dispatched.
func syncBarrier(t *testing.T, conn *websocket.Conn, session string) {
	t.Helper()
	sendFrame(t, conn, protocol.Sync{Session: session, LastSeenSequence: 0})
	_, ok := readFrame(t, conn).(protocol.SyncResponse)
	require.True(t, ok, "expected sync_response barrier")
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseServerMessage(payload)
	require.NoError(t, err)
	return msg
}
