package events

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/SanPilot/elf-backend/gateway"
)

type fakeWire struct {
	mu     sync.Mutex
	frames []string
}

func (f *fakeWire) ReadMessage() (int, []byte, error) {
	return 0, nil, io.EOF
}

func (f *fakeWire) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(data))
	return nil
}

func (f *fakeWire) Close() error { return nil }

func (f *fakeWire) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

type fakeIdentity struct{}

func (fakeIdentity) Owner(token string) (string, error) {
	if token == "good-token" {
		return "alice", nil
	}
	return "", errors.New("bad token")
}

func newHubConn(t *testing.T, hub *Hub) (*gateway.Conn, *fakeWire, gateway.SpecialHandler) {
	t.Helper()
	wire := &fakeWire{}
	conn := gateway.NewConn(wire, gateway.ConnOptions{})
	t.Cleanup(func() { _ = conn.Close() })
	return conn, wire, hub.newEventConn(conn)
}

func lastEnvelope(t *testing.T, wire *fakeWire) map[string]any {
	t.Helper()
	frames := wire.all()
	require.NotEmpty(t, frames)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1]), &envelope))
	return envelope
}

func TestEventConnRequiresAuthentication(t *testing.T) {
	hub := NewHub(nil, fakeIdentity{})
	conn, wire, handler := newHubConn(t, hub)

	handler.HandleFrame(conn, websocket.TextMessage, []byte("wrong"))
	envelope := lastEnvelope(t, wire)
	require.Equal(t, "failed", envelope["status"])
	require.Equal(t, gateway.ErrAuthFailed, envelope["error"])

	// The connection may retry with a valid token.
	handler.HandleFrame(conn, websocket.TextMessage, []byte("good-token"))
	envelope = lastEnvelope(t, wire)
	require.Equal(t, "success", envelope["status"])
}

func TestEmitReachesRegisteredConnections(t *testing.T) {
	hub := NewHub(nil, fakeIdentity{})

	connA, wireA, handlerA := newHubConn(t, hub)
	handlerA.HandleFrame(connA, websocket.TextMessage, []byte("good-token"))
	handlerA.HandleFrame(connA, websocket.TextMessage, []byte("fileUploaded"))

	connB, wireB, handlerB := newHubConn(t, hub)
	handlerB.HandleFrame(connB, websocket.TextMessage, []byte("good-token"))
	handlerB.HandleFrame(connB, websocket.TextMessage, []byte("userRenamed"))

	notified := hub.Emit("fileUploaded")
	require.Equal(t, 1, notified)
	require.Contains(t, wireA.all(), "fileUploaded")
	require.NotContains(t, wireB.all(), "fileUploaded")
}

func TestEmitWithoutListeners(t *testing.T) {
	hub := NewHub(nil, fakeIdentity{})
	require.Zero(t, hub.Emit("nobodyListens"))
}

func TestCloseUnregistersConnection(t *testing.T) {
	hub := NewHub(nil, fakeIdentity{})

	conn, wire, handler := newHubConn(t, hub)
	handler.HandleFrame(conn, websocket.TextMessage, []byte("good-token"))
	handler.HandleFrame(conn, websocket.TextMessage, []byte("fileUploaded"))

	handler.HandleClose(conn)
	frameCount := len(wire.all())

	require.Zero(t, hub.Emit("fileUploaded"))
	require.Len(t, wire.all(), frameCount)
}

func TestDuplicateRegistrationDeliversOnce(t *testing.T) {
	hub := NewHub(nil, fakeIdentity{})

	conn, wire, handler := newHubConn(t, hub)
	handler.HandleFrame(conn, websocket.TextMessage, []byte("good-token"))
	handler.HandleFrame(conn, websocket.TextMessage, []byte("fileUploaded"))
	handler.HandleFrame(conn, websocket.TextMessage, []byte("fileUploaded"))

	before := len(wire.all())
	require.Equal(t, 1, hub.Emit("fileUploaded"))
	require.Len(t, wire.all(), before+1)
}
