package transfer

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/SanPilot/elf-backend/gateway"
)

type wireFrame struct {
	messageType int
	data        []byte
}

// fakeWire records frames written to a connection under test.
type fakeWire struct {
	mu     sync.Mutex
	frames []wireFrame
}

func (f *fakeWire) ReadMessage() (int, []byte, error) {
	return 0, nil, io.EOF
}

func (f *fakeWire) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, wireFrame{messageType, append([]byte(nil), data...)})
	return nil
}

func (f *fakeWire) Close() error { return nil }

func (f *fakeWire) frame(t *testing.T, index int) wireFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.frames), index)
	return f.frames[index]
}

// waitFrames blocks until the wire has recorded at least n frames.
func (f *fakeWire) waitFrames(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		have := len(f.frames)
		f.mu.Unlock()
		if have >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames", n)
}

func envelopeOf(t *testing.T, frame wireFrame) map[string]any {
	t.Helper()
	require.Equal(t, websocket.TextMessage, frame.messageType)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(frame.data, &envelope))
	return envelope
}

func newSpecialConn(t *testing.T) (*gateway.Conn, *fakeWire) {
	t.Helper()
	wire := &fakeWire{}
	conn := gateway.NewConn(wire, gateway.ConnOptions{})
	t.Cleanup(func() { _ = conn.Close() })
	return conn, wire
}

func TestUploadConnSelectsSessionAndIngests(t *testing.T) {
	manager, _ := newTestManager(t, nil)
	session, err := manager.CreateUpload("alice", "a.bin", 5, "")
	require.NoError(t, err)

	conn, wire := newSpecialConn(t)
	handler := manager.newUploadConn(conn)

	handler.HandleFrame(conn, websocket.TextMessage, []byte(session.ID))
	envelope := envelopeOf(t, wire.frame(t, 0))
	require.Equal(t, "success", envelope["status"])
	require.Equal(t, session.ID, conn.BoundSession())

	handler.HandleFrame(conn, websocket.BinaryMessage, []byte("hello"))
	wire.waitFrames(t, 2)
	envelope = envelopeOf(t, wire.frame(t, 1))
	require.Equal(t, "success", envelope["status"])

	payload, err := os.ReadFile(session.FilePath)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
}

func TestUploadConnRejectsChunkWhileAppendInFlight(t *testing.T) {
	manager, _ := newTestManager(t, nil)
	session, err := manager.CreateUpload("alice", "a.bin", 20, "")
	require.NoError(t, err)

	conn, wire := newSpecialConn(t)
	handler := manager.newUploadConn(conn).(*uploadConn)

	handler.HandleFrame(conn, websocket.TextMessage, []byte(session.ID))
	envelope := envelopeOf(t, wire.frame(t, 0))
	require.Equal(t, "success", envelope["status"])

	// Hold the ready flag exactly as an unacknowledged append would.
	require.True(t, handler.ready.CompareAndSwap(true, false))

	handler.HandleFrame(conn, websocket.BinaryMessage, []byte("early"))
	envelope = envelopeOf(t, wire.frame(t, 1))
	require.Equal(t, "failed", envelope["status"])
	require.Equal(t, gateway.ErrServerNotReady, envelope["error"])

	// The rejected chunk was neither queued nor persisted.
	payload, err := os.ReadFile(session.FilePath)
	require.NoError(t, err)
	require.Empty(t, payload)

	// Once the pending append acknowledges, ingestion resumes.
	handler.ready.Store(true)
	handler.HandleFrame(conn, websocket.BinaryMessage, []byte("hello"))
	wire.waitFrames(t, 3)
	envelope = envelopeOf(t, wire.frame(t, 2))
	require.Equal(t, "success", envelope["status"])

	payload, err = os.ReadFile(session.FilePath)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
	require.True(t, handler.ready.Load())
}

func TestUploadConnRejectsUnknownSession(t *testing.T) {
	manager, _ := newTestManager(t, nil)
	conn, wire := newSpecialConn(t)
	handler := manager.newUploadConn(conn)

	handler.HandleFrame(conn, websocket.TextMessage, []byte("nope"))
	envelope := envelopeOf(t, wire.frame(t, 0))
	require.Equal(t, "failed", envelope["status"])
	require.Equal(t, gateway.ErrNoUploadSelected, envelope["error"])
}

func TestUploadConnRejectsTextAfterSelection(t *testing.T) {
	manager, _ := newTestManager(t, nil)
	session, err := manager.CreateUpload("alice", "a.bin", 5, "")
	require.NoError(t, err)

	conn, wire := newSpecialConn(t)
	handler := manager.newUploadConn(conn)

	handler.HandleFrame(conn, websocket.TextMessage, []byte(session.ID))
	handler.HandleFrame(conn, websocket.TextMessage, []byte("chunk as text"))
	envelope := envelopeOf(t, wire.frame(t, 1))
	require.Equal(t, gateway.ErrMalformedRequest, envelope["error"])
}

func TestDownloadConnServesChunksByIndex(t *testing.T) {
	storageDir := ""
	manager, store := newTestManager(t, func(o *Options) {
		o.MaxMessageSize = 4
		storageDir = o.StorageDir
	})
	commitFile(t, store, storageDir, "alice", "file-1", []byte("abcdefghij"))

	session, err := manager.CreateDownload("alice", "file-1")
	require.NoError(t, err)

	conn, wire := newSpecialConn(t)
	handler := manager.newDownloadConn(conn)

	handler.HandleFrame(conn, websocket.TextMessage, []byte(session.ID))
	envelope := envelopeOf(t, wire.frame(t, 0))
	require.Equal(t, "success", envelope["status"])

	handler.HandleFrame(conn, websocket.TextMessage, []byte("0"))
	frame := wire.frame(t, 1)
	require.Equal(t, websocket.BinaryMessage, frame.messageType)
	require.Equal(t, []byte("abcd"), frame.data)

	handler.HandleFrame(conn, websocket.TextMessage, []byte("2"))
	frame = wire.frame(t, 2)
	require.Equal(t, []byte("ij"), frame.data)

	handler.HandleFrame(conn, websocket.TextMessage, []byte("3"))
	envelope = envelopeOf(t, wire.frame(t, 3))
	require.Equal(t, gateway.ErrMalformedRequest, envelope["error"])

	handler.HandleFrame(conn, websocket.TextMessage, []byte("not a number"))
	envelope = envelopeOf(t, wire.frame(t, 4))
	require.Equal(t, gateway.ErrMalformedRequest, envelope["error"])
}

func TestDownloadConnRejectsUnknownSession(t *testing.T) {
	manager, _ := newTestManager(t, nil)
	conn, wire := newSpecialConn(t)
	handler := manager.newDownloadConn(conn)

	handler.HandleFrame(conn, websocket.TextMessage, []byte("nope"))
	envelope := envelopeOf(t, wire.frame(t, 0))
	require.Equal(t, gateway.ErrNoDownloadSelected, envelope["error"])
}
