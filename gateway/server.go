// Package gateway accepts client connections, negotiates the protocol mode
// of each one, enforces per-connection rate limits, and dispatches parsed
// action requests to registered handlers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SanPilot/elf-backend/metrics"
)

// ServerOptions configures a gateway Server.
type ServerOptions struct {
	Router  *Router
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock

	// MaxMessageSize bounds a single inbound frame payload.
	MaxMessageSize int
	// MessagesPerSecond is the per-connection rate-limit threshold.
	MessagesPerSecond int
	// BlockTime is the rate-limit cooldown window.
	BlockTime time.Duration
	// PingCountsTowardLimit controls whether keep-alive pings increment
	// the rate-limit counter.
	PingCountsTowardLimit bool
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 30
	}
	if o.BlockTime <= 0 {
		o.BlockTime = 10 * time.Second
	}
	return o
}

// Server owns the primary listener and all live connections.
type Server struct {
	opts     ServerOptions
	log      *zap.Logger
	upgrader websocket.Upgrader

	httpSrv *http.Server

	connMu sync.Mutex
	conns  map[string]*Conn

	wg sync.WaitGroup
}

// NewServer builds a gateway server around a validated router.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("gateway: router is required")
	}
	opts = opts.withDefaults()

	return &Server{
		opts: opts,
		log:  opts.Logger.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}, nil
}

// Handler returns the HTTP handler that upgrades requests to gateway
// connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// ListenAndServe binds the primary listener and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
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

// Shutdown stops the listener and closes all live connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.connMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(int64(s.opts.MaxMessageSize) + 1024)

	conn := NewConn(ws, ConnOptions{
		Logger:            s.log,
		Clock:             s.opts.Clock,
		MessagesPerSecond: s.opts.MessagesPerSecond,
		BlockTime:         s.opts.BlockTime,
	})

	s.connMu.Lock()
	s.conns[conn.ID()] = conn
	s.connMu.Unlock()
	s.opts.Metrics.ConnectionsOpen.Inc()
	s.log.Debug("connection accepted", zap.String("conn_id", conn.ID()), zap.String("remote", r.RemoteAddr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveConn(conn)
	}()
}

// ServeConn runs the read loop for an externally created connection. It is
// exported for transports other than the built-in HTTP listener.
func (s *Server) ServeConn(conn *Conn) {
	s.connMu.Lock()
	s.conns[conn.ID()] = conn
	s.connMu.Unlock()
	s.opts.Metrics.ConnectionsOpen.Inc()
	s.serveConn(conn)
}

func (s *Server) serveConn(conn *Conn) {
	defer func() {
		if handler := conn.specialHandler(); handler != nil {
			handler.HandleClose(conn)
		}
		_ = conn.Close()

		s.connMu.Lock()
		delete(s.conns, conn.ID())
		s.connMu.Unlock()
		s.opts.Metrics.ConnectionsOpen.Dec()
		s.log.Debug("connection closed", zap.String("conn_id", conn.ID()))
	}()

	first := true
	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		if handler := conn.specialHandler(); handler != nil {
			s.opts.Metrics.FramesTotal.WithLabelValues(string(ModeSpecial)).Inc()
			handler.HandleFrame(conn, messageType, data)
			continue
		}

		if first {
			first = false
			if messageType == websocket.TextMessage {
				if special, ok := s.opts.Router.Special(string(data)); ok {
					conn.lockSpecial(special(conn))
					s.log.Info("connection locked to special mode",
						zap.String("conn_id", conn.ID()),
						zap.String("key", string(data)))
					_ = conn.Success(nil, nil)
					continue
				}
			}
			conn.setMode(ModeNormal)
		}

		s.opts.Metrics.FramesTotal.WithLabelValues(string(ModeNormal)).Inc()
		s.handleFrame(conn, messageType, data)
	}
}

// handleFrame runs the normal-mode pipeline for one inbound frame.
func (s *Server) handleFrame(conn *Conn, messageType int, data []byte) {
	if messageType == websocket.TextMessage && string(data) == PingFrame {
		if s.opts.PingCountsTowardLimit {
			// Counted toward the window, but a ping is never refused.
			_ = conn.limiter.allow()
		}
		_ = conn.SendText(PongFrame)
		return
	}

	if !conn.limiter.allow() {
		s.opts.Metrics.RejectsTotal.WithLabelValues("rate_limit").Inc()
		s.log.Debug("frame rejected: rate limited", zap.String("conn_id", conn.ID()))
		_ = conn.Fail(nil, ErrTooManyRequests)
		return
	}

	if messageType != websocket.TextMessage {
		s.opts.Metrics.RejectsTotal.WithLabelValues("malformed").Inc()
		_ = conn.Fail(nil, ErrMalformedRequest)
		return
	}

	var envelope struct {
		ID     json.RawMessage `json:"id"`
		Action string          `json:"action"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.opts.Metrics.RejectsTotal.WithLabelValues("malformed").Inc()
		s.log.Debug("frame rejected: malformed JSON", zap.String("conn_id", conn.ID()), zap.Error(err))
		_ = conn.Fail(nil, ErrMalformedRequest)
		return
	}

	if isAbsent(envelope.ID) {
		s.opts.Metrics.RejectsTotal.WithLabelValues("missing_id").Inc()
		_ = conn.Fail(nil, ErrMissingParameters)
		return
	}

	if envelope.Action == "" {
		s.opts.Metrics.RejectsTotal.WithLabelValues("malformed").Inc()
		_ = conn.Fail(envelope.ID, ErrMalformedRequest)
		return
	}

	handler, ok := s.opts.Router.Resolve(envelope.Action)
	if !ok {
		s.opts.Metrics.RejectsTotal.WithLabelValues("invalid_action").Inc()
		s.log.Debug("frame rejected: invalid action",
			zap.String("conn_id", conn.ID()),
			zap.String("action", envelope.Action))
		_ = conn.Fail(envelope.ID, ErrInvalidAction)
		return
	}

	handler(&Request{ID: envelope.ID, Action: envelope.Action, Raw: data}, conn)
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
