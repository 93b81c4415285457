package transfer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/SanPilot/elf-backend/gateway"
)

// ByteStreamServer is the companion endpoint for clients moving transfer
// volume off the primary multiplexed channel. The request path is the
// literal transfer-session id: GET streams a download, PUT or POST streams
// a request body into an upload.
type ByteStreamServer struct {
	manager *Manager
	log     *zap.Logger
	httpSrv *http.Server
}

// NewByteStreamServer wraps a manager with the companion HTTP endpoint.
func NewByteStreamServer(manager *Manager, logger *zap.Logger) *ByteStreamServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ByteStreamServer{
		manager: manager,
		log:     logger.Named("bytestream"),
	}
}

// Handler returns the endpoint's HTTP handler.
func (s *ByteStreamServer) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

// ListenAndServe binds the companion listener and serves until Shutdown.
func (s *ByteStreamServer) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the companion listener.
func (s *ByteStreamServer) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *ByteStreamServer) serve(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.Trim(r.URL.Path, "/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		s.writeError(w, http.StatusNotFound, gateway.ErrFailed)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.serveDownload(w, sessionID)
	case http.MethodPut, http.MethodPost:
		s.serveUpload(w, r, sessionID)
	default:
		w.Header().Set("Allow", "GET, PUT, POST")
		s.writeError(w, http.StatusMethodNotAllowed, gateway.ErrMalformedRequest)
	}
}

func (s *ByteStreamServer) serveDownload(w http.ResponseWriter, sessionID string) {
	session, ok := s.manager.Download(sessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, gateway.ErrFailed)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(session.Size(), 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment",
		map[string]string{"filename": session.Filename}))

	for i := 0; i < session.ChunkCount(); i++ {
		chunk, err := s.manager.ServeChunk(sessionID, i)
		if err != nil {
			s.log.Warn("download stream aborted",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
	}
}

func (s *ByteStreamServer) serveUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	written, err := s.manager.IngestStream(sessionID, r.Body)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoUpload):
			s.writeError(w, http.StatusNotFound, gateway.ErrFailed)
		case errors.Is(err, ErrFileTooLarge):
			s.writeError(w, http.StatusRequestEntityTooLarge, gateway.ErrFileTooLarge)
		default:
			s.log.Error("upload stream failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, gateway.ErrFailed)
		}
		return
	}

	payload, err := gateway.SuccessEnvelope(nil, map[string]any{"written": written})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, gateway.ErrFailed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *ByteStreamServer) writeError(w http.ResponseWriter, status int, errorString string) {
	payload, err := gateway.FailureEnvelope(nil, errorString)
	if err != nil {
		http.Error(w, fmt.Sprintf("%q", errorString), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
