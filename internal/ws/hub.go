package ws

import (
	"sync"

	"go.uber.org/zap"

	"chat-relay/internal/observability"
)

// Connection is one live realtime session as seen by the hub.
type Connection interface {
	Info() ConnInfo
	// Send queues a frame. It returns false when the frame was not accepted.
	Send(frame []byte) bool
	Close()
}

// Hub maintains the scope subscriptions of every attached connection.
type Hub struct {
	conns  map[string]Connection
	scopes map[Scope]map[string]Connection
	subs   map[string]map[Scope]struct{}
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:  make(map[string]Connection),
		scopes: make(map[Scope]map[string]Connection),
		subs:   make(map[string]map[Scope]struct{}),
		logger: logger,
	}
}

// Attach registers a connection and subscribes it to Global and its own Peer scope.
func (h *Hub) Attach(c Connection) {
	info := c.Info()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[info.ConnID] = c
	h.subs[info.ConnID] = make(map[Scope]struct{})
	h.subscribeLocked(info.ConnID, c, GlobalScope)
	h.subscribeLocked(info.ConnID, c, PeerScope(info.UserID))
}

// Detach removes a connection from every scope. It reports whether the
// connection was attached.
func (h *Hub) Detach(c Connection) bool {
	id := c.Info().ConnID
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return false
	}
	for scope := range h.subs[id] {
		h.removeLocked(scope, id)
	}
	delete(h.subs, id)
	delete(h.conns, id)
	return true
}

// Subscribe adds an attached connection to scope.
func (h *Hub) Subscribe(c Connection, scope Scope) bool {
	id := c.Info().ConnID
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return false
	}
	h.subscribeLocked(id, c, scope)
	return true
}

func (h *Hub) subscribeLocked(id string, c Connection, scope Scope) {
	if _, ok := h.scopes[scope]; !ok {
		h.scopes[scope] = make(map[string]Connection)
	}
	h.scopes[scope][id] = c
	h.subs[id][scope] = struct{}{}
}

// Unsubscribe removes one connection from scope.
func (h *Hub) Unsubscribe(connID string, scope Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(scope, connID)
	if subs, ok := h.subs[connID]; ok {
		delete(subs, scope)
	}
}

// UnsubscribeIdentity removes every connection owned by userID from scope.
func (h *Hub) UnsubscribeIdentity(userID string, scope Scope) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, c := range h.scopes[scope] {
		if c.Info().UserID != userID {
			continue
		}
		h.removeLocked(scope, id)
		delete(h.subs[id], scope)
		removed++
	}
	return removed
}

// DropScope unsubscribes every connection from scope.
func (h *Hub) DropScope(scope Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.scopes[scope] {
		delete(h.subs[id], scope)
	}
	delete(h.scopes, scope)
}

func (h *Hub) removeLocked(scope Scope, connID string) {
	if conns, ok := h.scopes[scope]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.scopes, scope)
		}
	}
}

// Subscribers returns a snapshot of the connections subscribed to scope.
func (h *Hub) Subscribers(scope Scope) []Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]Connection, 0, len(h.scopes[scope]))
	for _, c := range h.scopes[scope] {
		conns = append(conns, c)
	}
	return conns
}

// Clients returns a snapshot of every attached connection.
func (h *Hub) Clients() []Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// IsSubscribed reports whether connID is currently in scope.
func (h *Hub) IsSubscribed(connID string, scope Scope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.scopes[scope][connID]
	return ok
}

// ScopesOf lists the scopes a connection is subscribed to.
func (h *Hub) ScopesOf(connID string) []Scope {
	h.mu.RLock()
	defer h.mu.RUnlock()
	scopes := make([]Scope, 0, len(h.subs[connID]))
	for scope := range h.subs[connID] {
		scopes = append(scopes, scope)
	}
	return scopes
}

// closedReporter is implemented by connections that can tell a normal close
// apart from a refused frame.
type closedReporter interface {
	Closed() bool
}

func alreadyClosed(c Connection) bool {
	cr, ok := c.(closedReporter)
	return ok && cr.Closed()
}

// Deliver sends frame to each connection and returns how many accepted it.
// A connection that refuses the frame is detached and closed. Connections
// already closed are skipped; their session detaches them.
func (h *Hub) Deliver(conns []Connection, frame []byte) int {
	delivered := 0
	for _, c := range conns {
		if alreadyClosed(c) {
			continue
		}
		if c.Send(frame) {
			delivered++
			continue
		}
		info := c.Info()
		h.logger.Warn("dropping slow websocket consumer",
			zap.String("conn_id", info.ConnID),
			zap.String("user_id", info.UserID),
		)
		observability.IncSlowConsumer()
		h.Detach(c)
		c.Close()
	}
	return delivered
}

// Broadcast delivers frame to every subscriber of scope.
func (h *Hub) Broadcast(scope Scope, frame []byte) int {
	return h.Deliver(h.Subscribers(scope), frame)
}

// Count returns the number of attached connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ScopeCount returns the number of scopes with at least one subscriber.
func (h *Hub) ScopeCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.scopes)
}

// Close closes every attached connection. Their sessions detach themselves.
func (h *Hub) Close() {
	for _, c := range h.Clients() {
		c.Close()
	}
}
