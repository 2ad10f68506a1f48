package web

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/joestump/sdrhub/internal/config"
	"github.com/joestump/sdrhub/internal/proto"
	"github.com/joestump/sdrhub/internal/registry"
	"github.com/joestump/sdrhub/internal/store"
)

const (
	nodeID1 = "11111111-1111-1111-1111-111111111111"
	nodeID2 = "22222222-2222-2222-2222-222222222222"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Config{
		ListenAddr:        ":0",
		DefaultNodeConfig: proto.DefaultNodeConfig(),
	}
	srv := New(cfg, registry.New(), st)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// dialWS opens a WebSocket to the test server, optionally carrying the
// node_id cookie, and registers the connection for cleanup.
func dialWS(t *testing.T, ts *httptest.Server, path, nodeID string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	if nodeID != "" {
		h.Set("Cookie", "node_id="+nodeID)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, path), h)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialWSExpectStatus attempts a WebSocket dial that must be refused with the
// given HTTP status.
func dialWSExpectStatus(t *testing.T, ts *httptest.Server, path, nodeID string, want int) {
	t.Helper()
	h := http.Header{}
	if nodeID != "" {
		h.Set("Cookie", "node_id="+nodeID)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, path), h)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("dial %s: expected refusal, got connection", path)
	}
	if resp == nil || resp.StatusCode != want {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: expected status %d, got %d (%v)", path, want, status, err)
	}
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got type %d", msgType)
	}
	return data
}

func writeToHub(t *testing.T, conn *websocket.Conn, msg proto.ToHub) {
	t.Helper()
	frame, err := proto.EncodeToHub(msg)
	if err != nil {
		t.Fatalf("EncodeToHub: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func readToNode(t *testing.T, conn *websocket.Conn) proto.ToNode {
	t.Helper()
	msg, err := proto.DecodeToNode(readBinary(t, conn))
	if err != nil {
		t.Fatalf("DecodeToNode: %v", err)
	}
	return msg
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("parse uuid %q: %v", s, err)
	}
	return id
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
