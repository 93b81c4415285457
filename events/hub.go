// Package events implements the event-broadcast special connection: clients
// authenticate, register event ids, and receive a push whenever a
// registered event fires.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/SanPilot/elf-backend/gateway"
)

// Identity resolves bearer tokens to owners.
type Identity interface {
	Owner(token string) (string, error)
}

// Hub tracks which connections listen for which event ids.
type Hub struct {
	log      *zap.Logger
	identity Identity

	mu         sync.Mutex
	registered map[string]map[*gateway.Conn]struct{}
	byConn     map[*gateway.Conn][]string
}

// NewHub builds an event hub.
func NewHub(logger *zap.Logger, identity Identity) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		log:        logger.Named("events"),
		identity:   identity,
		registered: make(map[string]map[*gateway.Conn]struct{}),
		byConn:     make(map[*gateway.Conn][]string),
	}
}

// Module exposes the hub as the "events" gateway module.
func (h *Hub) Module() gateway.Module {
	return gateway.Module{
		Name: "events",
		Specials: map[string]gateway.SpecialFunc{
			"events": h.newEventConn,
		},
	}
}

// Register subscribes a connection to one event id.
func (h *Hub) Register(conn *gateway.Conn, eid string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.registered[eid]
	if !ok {
		conns = make(map[*gateway.Conn]struct{})
		h.registered[eid] = conns
	}
	if _, dup := conns[conn]; dup {
		return
	}
	conns[conn] = struct{}{}
	h.byConn[conn] = append(h.byConn[conn], eid)
}

// Unregister drops all of a connection's subscriptions.
func (h *Hub) Unregister(conn *gateway.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, eid := range h.byConn[conn] {
		if conns, ok := h.registered[eid]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.registered, eid)
			}
		}
	}
	delete(h.byConn, conn)
}

// Emit pushes the event id to every subscribed connection and returns the
// number of connections notified.
func (h *Hub) Emit(eid string) int {
	h.mu.Lock()
	conns := make([]*gateway.Conn, 0, len(h.registered[eid]))
	for conn := range h.registered[eid] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.SendText(eid); err != nil {
			h.log.Debug("event push failed",
				zap.String("eid", eid),
				zap.String("conn_id", conn.ID()),
				zap.Error(err))
		}
	}

	if len(conns) > 0 {
		h.log.Debug("event emitted", zap.String("eid", eid), zap.Int("listeners", len(conns)))
	}
	return len(conns)
}

// eventConn owns a connection locked into event mode. The first frame must
// carry a valid bearer token; every later text frame registers an event id.
type eventConn struct {
	hub    *Hub
	owner  string
	authed bool
}

func (h *Hub) newEventConn(conn *gateway.Conn) gateway.SpecialHandler {
	return &eventConn{hub: h}
}

func (e *eventConn) HandleFrame(conn *gateway.Conn, messageType int, data []byte) {
	if !e.authed {
		owner, err := e.hub.identity.Owner(string(data))
		if err != nil {
			_ = conn.Fail(nil, gateway.ErrAuthFailed)
			return
		}
		e.owner = owner
		e.authed = true
		e.hub.log.Debug("event connection authenticated",
			zap.String("owner", e.owner),
			zap.String("conn_id", conn.ID()))
		_ = conn.Success(nil, nil)
		return
	}

	eid := string(data)
	if eid == "" {
		_ = conn.Fail(nil, gateway.ErrMalformedRequest)
		return
	}
	e.hub.Register(conn, eid)
	_ = conn.Success(nil, nil)
}

func (e *eventConn) HandleClose(conn *gateway.Conn) {
	e.hub.Unregister(conn)
}
