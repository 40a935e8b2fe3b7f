package ws

import (
	"sync"

	"go.uber.org/zap"

	"blastio-server/internal/metrics"
)

// Registry is the process-wide userID→Connection map. It enforces the
// single-connection-per-user policy: admitting a new connection forcibly
// closes the previous one.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger,
	}
}

// Add installs a connection, closing any previous one for the same user
// (last writer wins). The old connection's teardown runs outside the lock.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	old := r.conns[c.UserID]
	r.conns[c.UserID] = c
	count := len(r.conns)
	r.mu.Unlock()

	if old != nil && old != c {
		r.logger.Info("replacing existing connection", zap.String("userId", c.UserID))
		old.Close()
	}
	metrics.ActiveConnections.Set(float64(count))
}

// Remove drops the entry for this connection. A stale Remove (the entry was
// already replaced by a newer connection) is a no-op.
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	if cur, ok := r.conns[c.UserID]; ok && cur == c {
		delete(r.conns, c.UserID)
	}
	count := len(r.conns)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))
}

// Get returns the live connection for a user, if any.
func (r *Registry) Get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast sends to every connection, fire-and-forget. Each delivery is
// non-blocking so one slow client cannot stall the rest.
func (r *Registry) Broadcast(msgType string, payload interface{}) {
	data, err := Encode(msgType, payload)
	if err != nil {
		r.logger.Error("broadcast encode failed", zap.String("type", msgType), zap.Error(err))
		return
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		_ = c.TrySend(data)
	}
	metrics.MessagesSent.WithLabelValues(msgType).Add(float64(len(targets)))
}

// SendToUser delivers one message to one user. Returns false when the user
// has no live connection.
func (r *Registry) SendToUser(userID, msgType string, payload interface{}) bool {
	c, ok := r.Get(userID)
	if !ok {
		return false
	}
	return c.Send(msgType, payload) == nil
}

// SendToUsers delivers the same message to a set of users.
func (r *Registry) SendToUsers(userIDs []string, msgType string, payload interface{}) {
	data, err := Encode(msgType, payload)
	if err != nil {
		r.logger.Error("send encode failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	for _, id := range userIDs {
		if c, ok := r.Get(id); ok {
			_ = c.TrySend(data)
		}
	}
}

// CloseAll tears down every connection; used at server shutdown after the
// farewell broadcast.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	metrics.ActiveConnections.Set(0)
}

// DisconnectUser emits a force_disconnect with the reason, then closes and
// removes the connection.
func (r *Registry) DisconnectUser(userID, reason string) {
	c, ok := r.Get(userID)
	if !ok {
		return
	}
	_ = c.Send(MsgForceDisconnect, map[string]string{"reason": reason})
	c.Close()
	r.Remove(c)
}
