package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"blastio-server/internal/metrics"
)

const (
	// writeWait is the deadline for writing one frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long we tolerate silence before closing.
	pongWait = 60 * time.Second

	// pingPeriod is the heartbeat interval; must stay under pongWait.
	pingPeriod = 25 * time.Second

	// enqueueWait bounds how long Send blocks on a saturated queue.
	enqueueWait = 5 * time.Second

	sendQueueSize  = 256
	maxMessageSize = 4096

	// Inbound message budget per connection; game inputs at 30 Hz plus
	// heartbeat fit comfortably under this.
	inboundRateLimit = 60
	inboundRateBurst = 120
)

var (
	ErrConnClosed   = errors.New("ws: connection closed")
	ErrSendTimeout  = errors.New("ws: send queue full")
)

// Handler receives every parsed inbound envelope, on the read loop. It must
// not block on long operations; enqueue and return.
type Handler func(c *Connection, env Envelope)

// Connection owns one authenticated duplex channel: a read pump, a write
// pump, a bounded outbound queue and the user's room membership set.
// A single close-once discipline releases everything on every exit path.
type Connection struct {
	UserID   string
	Username string

	conn    *websocket.Conn
	send    chan []byte
	handler Handler
	logger  *zap.Logger
	limiter *rate.Limiter

	lastPing atomic.Int64 // unix millis of last inbound frame or pong

	roomsMu sync.RWMutex
	rooms   map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func(*Connection)
}

// NewConnection wraps an upgraded socket. Run must be called to start the
// pumps.
func NewConnection(conn *websocket.Conn, userID, username string, handler Handler, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		UserID:   userID,
		Username: username,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		handler:  handler,
		logger:   logger.With(zap.String("userId", userID)),
		limiter:  rate.NewLimiter(inboundRateLimit, inboundRateBurst),
		rooms:    make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.lastPing.Store(time.Now().UnixMilli())
	return c
}

// OnClose registers the teardown cascade (registry removal, room cleanup,
// match disconnect marking). Must be set before Run.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.onClose = fn
}

// Run starts both pumps and blocks until the read loop exits.
func (c *Connection) Run() {
	go c.writeLoop()
	c.readLoop()
}

func (c *Connection) readLoop() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.lastPing.Store(time.Now().UnixMilli())
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		c.lastPing.Store(time.Now().UnixMilli())
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.SendError("rate_limited", "too many messages")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			metrics.InvalidEnvelopes.Inc()
			c.logger.Debug("dropping invalid envelope", zap.Error(err))
			continue
		}

		metrics.MessagesReceived.WithLabelValues(env.Type).Inc()
		c.handler(c, env)
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			// Opportunistically drain a few more frames into the same
			// write window.
			for i := 0; i < 8; i++ {
				select {
				case more := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, more); err != nil {
						return
					}
				default:
					i = 8
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send serializes and enqueues one message. From a single producer, frames
// are delivered in submission order. Blocks up to enqueueWait when the
// queue is saturated, then fails.
func (c *Connection) Send(msgType string, payload interface{}) error {
	data, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	if err := c.SendRaw(data); err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(msgType).Inc()
	return nil
}

// SendRaw enqueues a pre-encoded frame.
func (c *Connection) SendRaw(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}

	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-timer.C:
		metrics.SendQueueDrops.Inc()
		return ErrSendTimeout
	}
}

// TrySend enqueues without waiting; used for fan-out paths where one slow
// client must not delay the rest.
func (c *Connection) TrySend(data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
		metrics.SendQueueDrops.Inc()
		return ErrSendTimeout
	}
}

// SendError emits a typed error message to this peer.
func (c *Connection) SendError(code, message string) {
	_ = c.Send(MsgError, ErrorPayload{Code: code, Message: message})
}

// Close tears the connection down exactly once. Safe from either pump or
// externally.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// Done is the observable termination signal.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// LastPing reports when the peer last showed life.
func (c *Connection) LastPing() time.Time {
	return time.UnixMilli(c.lastPing.Load())
}

// Room membership back-index. The room's lock is the synchronization point
// for the two-sided update; these helpers only guard the local set.

func (c *Connection) addRoom(roomID string) {
	c.roomsMu.Lock()
	c.rooms[roomID] = struct{}{}
	c.roomsMu.Unlock()
}

func (c *Connection) removeRoom(roomID string) {
	c.roomsMu.Lock()
	delete(c.rooms, roomID)
	c.roomsMu.Unlock()
}

// IsInRoom reports membership of one room.
func (c *Connection) IsInRoom(roomID string) bool {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns a copy of the membership set.
func (c *Connection) Rooms() []string {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}
