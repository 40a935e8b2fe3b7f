package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"blastio-server/internal/metrics"
)

var (
	ErrRoomExists    = errors.New("ws: room already exists")
	ErrRoomNotFound  = errors.New("ws: room not found")
	ErrRoomFull      = errors.New("ws: room full")
	ErrAlreadyInRoom = errors.New("ws: already in room")
	ErrNotInRoom     = errors.New("ws: not in room")
)

// Room is a named group of connections with an optional member cap.
// Membership is symmetric: the room holds its members and each member
// connection holds the room ID; both sides change together under the
// room's lock.
type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time
	MaxSize   int // 0 = unbounded

	mu      sync.RWMutex
	members map[string]*Connection
}

// Join adds a connection, updating both sides of the membership relation.
func (r *Room) Join(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[c.UserID]; ok {
		return ErrAlreadyInRoom
	}
	if r.MaxSize > 0 && len(r.members) >= r.MaxSize {
		return ErrRoomFull
	}
	r.members[c.UserID] = c
	c.addRoom(r.ID)
	return nil
}

// Leave removes a connection, updating both sides.
func (r *Room) Leave(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[c.UserID]; !ok {
		return ErrNotInRoom
	}
	delete(r.members, c.UserID)
	c.removeRoom(r.ID)
	return nil
}

// Size returns the member count.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns the member userIDs.
func (r *Room) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// Broadcast sends to every member; delivery per member is non-blocking.
func (r *Room) Broadcast(msgType string, payload interface{}) {
	r.BroadcastExcept(msgType, payload, "")
}

// BroadcastExcept sends to every member but one (typically the sender).
func (r *Room) BroadcastExcept(msgType string, payload interface{}, exceptUserID string) {
	data, err := Encode(msgType, payload)
	if err != nil {
		return
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.members))
	for id, c := range r.members {
		if id == exceptUserID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		_ = c.TrySend(data)
	}
	metrics.MessagesSent.WithLabelValues(msgType).Add(float64(len(targets)))
}

// BroadcastRaw fans out one pre-encoded frame to every member without
// re-marshaling per member.
func (r *Room) BroadcastRaw(data []byte) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.members))
	for _, c := range r.members {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		_ = c.TrySend(data)
	}
}

// RoomRegistry owns all rooms and the periodic reaping of empty ones.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	logger *zap.Logger
}

func NewRoomRegistry(logger *zap.Logger) *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[string]*Room),
		logger: logger,
	}
}

// CreateRoom registers a new room.
func (rr *RoomRegistry) CreateRoom(id, name string, maxSize int) (*Room, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if _, ok := rr.rooms[id]; ok {
		return nil, ErrRoomExists
	}
	room := &Room{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now(),
		MaxSize:   maxSize,
		members:   make(map[string]*Connection),
	}
	rr.rooms[id] = room
	metrics.ActiveRooms.Set(float64(len(rr.rooms)))
	return room, nil
}

// Get returns a room by ID.
func (rr *RoomRegistry) Get(id string) (*Room, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	room, ok := rr.rooms[id]
	return room, ok
}

// JoinRoom joins an existing room.
func (rr *RoomRegistry) JoinRoom(id string, c *Connection) (*Room, error) {
	room, ok := rr.Get(id)
	if !ok {
		return nil, ErrRoomNotFound
	}
	if err := room.Join(c); err != nil {
		return nil, err
	}
	return room, nil
}

// LeaveRoom leaves a room by ID.
func (rr *RoomRegistry) LeaveRoom(id string, c *Connection) error {
	room, ok := rr.Get(id)
	if !ok {
		return ErrRoomNotFound
	}
	return room.Leave(c)
}

// LeaveAllRooms removes the connection from every room it is in; called on
// disconnect. Members are notified per room.
func (rr *RoomRegistry) LeaveAllRooms(c *Connection) {
	for _, id := range c.Rooms() {
		if room, ok := rr.Get(id); ok {
			if err := room.Leave(c); err == nil {
				room.Broadcast(MsgRoomMemberLeft, map[string]string{
					"roomId": id,
					"userId": c.UserID,
				})
			}
		}
	}
}

// Delete removes a room record. Members' connections are untouched; their
// back-index entries are cleared.
func (rr *RoomRegistry) Delete(id string) {
	rr.mu.Lock()
	room, ok := rr.rooms[id]
	if ok {
		delete(rr.rooms, id)
	}
	count := len(rr.rooms)
	rr.mu.Unlock()

	if ok {
		room.mu.Lock()
		for _, c := range room.members {
			c.removeRoom(id)
		}
		room.members = make(map[string]*Connection)
		room.mu.Unlock()
	}
	metrics.ActiveRooms.Set(float64(count))
}

// Count returns the number of rooms.
func (rr *RoomRegistry) Count() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.rooms)
}

// CleanupEmpty deletes rooms that are empty and were created more than
// maxAge ago, and returns how many were removed. Reaping never closes
// connections.
func (rr *RoomRegistry) CleanupEmpty(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	rr.mu.Lock()
	var removed []string
	for id, room := range rr.rooms {
		if room.Size() == 0 && room.CreatedAt.Before(cutoff) {
			delete(rr.rooms, id)
			removed = append(removed, id)
		}
	}
	count := len(rr.rooms)
	rr.mu.Unlock()

	metrics.ActiveRooms.Set(float64(count))
	if len(removed) > 0 {
		rr.logger.Debug("reaped empty rooms", zap.Int("count", len(removed)))
	}
	return len(removed)
}

// RunReaper periodically reaps empty rooms until ctx is cancelled.
func (rr *RoomRegistry) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rr.CleanupEmpty(interval)
		}
	}
}
