package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Mode is the negotiated protocol mode of one connection.
type Mode string

const (
	// ModeAwaitingFirst means the first frame has not arrived yet.
	ModeAwaitingFirst Mode = "AWAITING_FIRST"
	// ModeNormal means frames are parsed as JSON action requests.
	ModeNormal Mode = "NORMAL"
	// ModeSpecial means the connection is locked to a special handler for
	// its remaining lifetime.
	ModeSpecial Mode = "SPECIAL"
)

// WireConn is the minimal duplex frame transport a Conn runs over. It is
// satisfied by *websocket.Conn.
type WireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConnOptions controls runtime behavior of a Conn.
type ConnOptions struct {
	Logger            *zap.Logger
	Clock             clock.Clock
	MessagesPerSecond int
	BlockTime         time.Duration
}

// Conn is one gateway connection. It owns the write path and the
// per-connection rate-limit state; the owning server runs the single read
// loop.
type Conn struct {
	id  string
	ws  WireConn
	log *zap.Logger

	limiter *frameLimiter

	writeMu sync.Mutex

	stateMu      sync.Mutex
	mode         Mode
	special      SpecialHandler
	boundSession string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an accepted transport connection.
func NewConn(ws WireConn, opts ConnOptions) *Conn {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 30
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = 10 * time.Second
	}

	id := uuid.NewString()
	return &Conn{
		id:      id,
		ws:      ws,
		log:     opts.Logger.With(zap.String("conn_id", id)),
		limiter: newFrameLimiter(opts.Clock, opts.MessagesPerSecond, opts.BlockTime),
		mode:    ModeAwaitingFirst,
		closed:  make(chan struct{}),
	}
}

// ID returns the connection's unique identity.
func (c *Conn) ID() string {
	return c.id
}

// Mode returns the current protocol mode.
func (c *Conn) Mode() Mode {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.mode
}

func (c *Conn) setMode(mode Mode) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.mode = mode
}

func (c *Conn) lockSpecial(handler SpecialHandler) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.mode = ModeSpecial
	c.special = handler
}

func (c *Conn) specialHandler() SpecialHandler {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.special
}

// BindSession associates a transfer session id with this connection. The
// association is a weak reference; session lifetime is owned elsewhere.
func (c *Conn) BindSession(sessionID string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.boundSession = sessionID
}

// BoundSession returns the associated transfer session id, if any.
func (c *Conn) BoundSession() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.boundSession
}

// Done is closed when the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// SendText writes one text frame.
func (c *Conn) SendText(payload string) error {
	return c.send(websocket.TextMessage, []byte(payload))
}

// SendBinary writes one binary frame.
func (c *Conn) SendBinary(payload []byte) error {
	return c.send(websocket.BinaryMessage, payload)
}

// SendJSON marshals and writes one text frame.
func (c *Conn) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(websocket.TextMessage, payload)
}

// Success writes the generic success envelope with optional extra fields.
func (c *Conn) Success(id json.RawMessage, extra map[string]any) error {
	payload, err := SuccessEnvelope(id, extra)
	if err != nil {
		return err
	}
	return c.send(websocket.TextMessage, payload)
}

// Fail writes a failure envelope carrying a canonical error string.
func (c *Conn) Fail(id json.RawMessage, errorString string) error {
	payload, err := FailureEnvelope(id, errorString)
	if err != nil {
		return err
	}
	return c.send(websocket.TextMessage, payload)
}

func (c *Conn) send(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, payload)
}

// Close tears down the connection and cancels its timers. It is safe to
// call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.limiter.stop()
		err = c.ws.Close()
		close(c.closed)
	})
	return err
}
