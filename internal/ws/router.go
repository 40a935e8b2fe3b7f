package ws

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"blastio-server/internal/metrics"
)

// HandlerFunc processes one inbound message. It runs on the connection's
// read loop; long work must be enqueued elsewhere, not done inline.
type HandlerFunc func(c *Connection, payload json.RawMessage)

// Router dispatches inbound envelopes to typed handlers. Unknown types get
// a structured error reply and are counted.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	r := &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
	r.Register(MsgPing, r.handlePing)
	r.Register(MsgEcho, r.handleEcho)
	return r
}

// Register installs the handler for a message type. Later registrations
// replace earlier ones.
func (r *Router) Register(msgType string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[msgType] = h
	r.mu.Unlock()
}

// Handle dispatches one envelope. A panicking handler is contained to the
// offending message.
func (r *Router) Handle(c *Connection, env Envelope) {
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		metrics.UnknownMessages.Inc()
		c.SendError("unknown_type", "unknown message type: "+env.Type)
		return
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic",
				zap.String("type", env.Type),
				zap.String("userId", c.UserID),
				zap.Any("panic", rec))
			c.SendError("internal", "internal error")
		}
		metrics.HandlerDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
	}()

	h(c, env.Payload)
}

type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

func (r *Router) handlePing(c *Connection, payload json.RawMessage) {
	var p pingPayload
	_ = json.Unmarshal(payload, &p)

	now := time.Now().UnixMilli()
	_ = c.Send(MsgPong, map[string]int64{
		"timestamp":  p.Timestamp,
		"serverTime": now,
		"lastPing":   c.LastPing().UnixMilli(),
	})

	// One-way delta is the best latency estimate available without a
	// clock-sync handshake; good enough for the HUD indicator.
	if p.Timestamp > 0 {
		_ = c.Send(MsgLatencyUpdate, map[string]int64{
			"latencyMs": now - p.Timestamp,
		})
	}
}

func (r *Router) handleEcho(c *Connection, payload json.RawMessage) {
	_ = c.Send(MsgEcho, payload)
}
