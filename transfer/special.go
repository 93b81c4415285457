package transfer

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SanPilot/elf-backend/gateway"
)

// uploadConn owns a connection locked into upload mode. The first text
// frame selects a live upload session; binary frames afterwards are chunks.
// Appends run off the read loop, and the ready flag rejects a chunk that
// arrives before the previous append was acknowledged.
type uploadConn struct {
	manager *Manager
	log     *zap.Logger

	sessionID string
	ready     atomic.Bool
}

func (m *Manager) newUploadConn(conn *gateway.Conn) gateway.SpecialHandler {
	u := &uploadConn{
		manager: m,
		log:     m.log.With(zap.String("conn_id", conn.ID())),
	}
	u.ready.Store(true)
	return u
}

func (u *uploadConn) HandleFrame(conn *gateway.Conn, messageType int, data []byte) {
	if u.sessionID == "" {
		if messageType != websocket.TextMessage {
			_ = conn.Fail(nil, gateway.ErrMalformedRequest)
			return
		}
		id := string(data)
		if !u.manager.UploadExists(id) {
			_ = conn.Fail(nil, gateway.ErrNoUploadSelected)
			return
		}
		u.sessionID = id
		conn.BindSession(id)
		_ = conn.Success(nil, nil)
		return
	}

	if messageType != websocket.BinaryMessage {
		_ = conn.Fail(nil, gateway.ErrMalformedRequest)
		return
	}

	if !u.ready.CompareAndSwap(true, false) {
		_ = conn.Fail(nil, gateway.ErrServerNotReady)
		return
	}

	chunk := append([]byte(nil), data...)
	go func() {
		err := u.manager.IngestChunk(u.sessionID, chunk)
		u.ready.Store(true)
		if err != nil {
			if !errors.Is(err, ErrFileTooLarge) && !errors.Is(err, ErrNoUpload) {
				u.log.Error("chunk ingest failed",
					zap.String("session_id", u.sessionID),
					zap.Error(err))
			}
			_ = conn.Fail(nil, errorString(err))
			return
		}
		_ = conn.Success(nil, nil)
	}()
}

func (u *uploadConn) HandleClose(conn *gateway.Conn) {
	// An interrupted upload is left on disk for the sweep to reclaim.
	if u.sessionID != "" {
		u.log.Debug("upload connection closed", zap.String("session_id", u.sessionID))
	}
}

// downloadConn owns a connection locked into download mode. The first text
// frame selects a live download session; later text frames carry a decimal
// chunk index, answered with the raw chunk bytes.
type downloadConn struct {
	manager *Manager

	sessionID string
}

func (m *Manager) newDownloadConn(conn *gateway.Conn) gateway.SpecialHandler {
	return &downloadConn{manager: m}
}

func (d *downloadConn) HandleFrame(conn *gateway.Conn, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		_ = conn.Fail(nil, gateway.ErrMalformedRequest)
		return
	}

	if d.sessionID == "" {
		id := string(data)
		if _, ok := d.manager.Download(id); !ok {
			_ = conn.Fail(nil, gateway.ErrNoDownloadSelected)
			return
		}
		d.sessionID = id
		conn.BindSession(id)
		_ = conn.Success(nil, nil)
		return
	}

	index, err := strconv.Atoi(string(data))
	if err != nil || index < 0 {
		_ = conn.Fail(nil, gateway.ErrMalformedRequest)
		return
	}

	chunk, err := d.manager.ServeChunk(d.sessionID, index)
	if err != nil {
		_ = conn.Fail(nil, errorString(err))
		return
	}
	_ = conn.SendBinary(chunk)
}

func (d *downloadConn) HandleClose(conn *gateway.Conn) {}
