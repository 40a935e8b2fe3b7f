package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"blastio-server/internal/cache"
	"blastio-server/internal/game"
	"blastio-server/internal/match"
	"blastio-server/internal/ws"
)

// Per-endpoint request budgets inside the cache's 60-second window.
const (
	rateLimitRoomOps     = 30
	rateLimitMatchmaking = 10
)

func (s *Server) registerHandlers() {
	s.router.Register(ws.MsgRoomJoin, s.handleRoomJoin)
	s.router.Register(ws.MsgRoomLeave, s.handleRoomLeave)
	s.router.Register(ws.MsgRoomMessage, s.handleRoomMessage)
	s.router.Register(ws.MsgMatchmakingJoin, s.handleMatchmakingJoin)
	s.router.Register(ws.MsgMatchmakingLeave, s.handleMatchmakingLeave)
	s.router.Register(ws.MsgMatchJoin, s.handleMatchJoin)
	s.router.Register(ws.MsgPlayerInput, s.handlePlayerInput)
	s.router.Register(ws.MsgShoot, s.handleShoot)
	s.router.Register(ws.MsgCollectLoot, s.handleCollectLoot)
	s.router.Register(ws.MsgSwitchWeapon, s.handleSwitchWeapon)
}

// allowRate enforces the cache-backed sliding-window limit for one
// endpoint. Cache errors fail open; the per-connection token bucket still
// guards the socket.
func (s *Server) allowRate(c *ws.Connection, endpoint string, limit int64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	count, err := s.cache.RateLimit(ctx, c.UserID, endpoint)
	if err != nil {
		return true
	}
	if count > limit {
		c.SendError("rate_limited", "too many "+endpoint+" requests")
		return false
	}
	return true
}

// ---- Rooms ----------------------------------------------------------------

type roomJoinPayload struct {
	RoomID  string `json:"roomId"`
	Name    string `json:"name,omitempty"`
	MaxSize int    `json:"maxSize,omitempty"`
}

func (s *Server) handleRoomJoin(c *ws.Connection, payload json.RawMessage) {
	if !s.allowRate(c, "room", rateLimitRoomOps) {
		return
	}

	var p roomJoinPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" {
		c.SendError("bad_payload", "room:join requires roomId")
		return
	}

	room, ok := s.rooms.Get(p.RoomID)
	if !ok {
		var err error
		room, err = s.rooms.CreateRoom(p.RoomID, p.Name, p.MaxSize)
		if err != nil && !errors.Is(err, ws.ErrRoomExists) {
			c.SendError("room_create_failed", err.Error())
			return
		}
		if room == nil {
			room, _ = s.rooms.Get(p.RoomID)
		}
	}

	if err := room.Join(c); err != nil {
		switch {
		case errors.Is(err, ws.ErrAlreadyInRoom):
			c.SendError("already_in_room", "already a member of "+p.RoomID)
		case errors.Is(err, ws.ErrRoomFull):
			c.SendError("room_full", "room "+p.RoomID+" is full")
		default:
			c.SendError("room_join_failed", err.Error())
		}
		return
	}

	_ = c.Send(ws.MsgRoomJoined, map[string]interface{}{
		"roomId":  room.ID,
		"name":    room.Name,
		"members": room.Members(),
	})
	room.BroadcastExcept(ws.MsgRoomMemberJoined, map[string]string{
		"roomId":   room.ID,
		"userId":   c.UserID,
		"username": c.Username,
	}, c.UserID)
}

type roomLeavePayload struct {
	RoomID string `json:"roomId"`
}

func (s *Server) handleRoomLeave(c *ws.Connection, payload json.RawMessage) {
	var p roomLeavePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" {
		c.SendError("bad_payload", "room:leave requires roomId")
		return
	}

	if err := s.rooms.LeaveRoom(p.RoomID, c); err != nil {
		c.SendError("not_in_room", "not a member of "+p.RoomID)
		return
	}

	_ = c.Send(ws.MsgRoomLeft, map[string]string{"roomId": p.RoomID})
	if room, ok := s.rooms.Get(p.RoomID); ok {
		room.Broadcast(ws.MsgRoomMemberLeft, map[string]string{
			"roomId": p.RoomID,
			"userId": c.UserID,
		})
	}
}

type roomMessagePayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

func (s *Server) handleRoomMessage(c *ws.Connection, payload json.RawMessage) {
	if !s.allowRate(c, "room_message", rateLimitRoomOps) {
		return
	}

	var p roomMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" || p.Message == "" {
		c.SendError("bad_payload", "room:message requires roomId and message")
		return
	}
	if !c.IsInRoom(p.RoomID) {
		c.SendError("not_in_room", "not a member of "+p.RoomID)
		return
	}

	room, ok := s.rooms.Get(p.RoomID)
	if !ok {
		c.SendError("room_not_found", "room "+p.RoomID+" does not exist")
		return
	}

	room.BroadcastExcept(ws.MsgRoomMessage, map[string]interface{}{
		"roomId":   p.RoomID,
		"userId":   c.UserID,
		"username": c.Username,
		"message":  p.Message,
		"sentAt":   time.Now().UnixMilli(),
	}, c.UserID)
}

// ---- Matchmaking ----------------------------------------------------------

func (s *Server) handleMatchmakingJoin(c *ws.Connection, _ json.RawMessage) {
	if !s.allowRate(c, "matchmaking", rateLimitMatchmaking) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.mm.Join(ctx, c.UserID, c.Username); err != nil {
		s.logger.Warn("matchmaking join failed", zap.String("userId", c.UserID), zap.Error(err))
		_ = c.Send(ws.MsgMatchmakingError, ws.ErrorPayload{
			Code:    "queue_unavailable",
			Message: "could not join the queue, try again",
		})
		return
	}

	_ = c.Send(ws.MsgMatchmakingJoined, map[string]interface{}{
		"queuedAt": time.Now().UnixMilli(),
	})
}

func (s *Server) handleMatchmakingLeave(c *ws.Connection, _ json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.mm.Leave(ctx, c.UserID); err != nil {
		_ = c.Send(ws.MsgMatchmakingError, ws.ErrorPayload{
			Code:    "queue_unavailable",
			Message: "could not leave the queue",
		})
		return
	}
	_ = c.Send(ws.MsgMatchmakingLeft, nil)
}

// ---- Match join & start ---------------------------------------------------

type matchJoinPayload struct {
	MatchID string `json:"matchId"`
}

func matchRoomID(matchID string) string { return "match:" + matchID }

func (s *Server) handleMatchJoin(c *ws.Connection, payload json.RawMessage) {
	var p matchJoinPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.MatchID == "" {
		c.SendError("bad_payload", "match:join requires matchId")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	assignment, err := s.cache.GetAssignment(ctx, c.UserID)
	cancel()
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			c.SendError("no_assignment", "no match assignment for this user")
		} else {
			c.SendError("assignment_unavailable", "could not verify match assignment")
		}
		return
	}
	if assignment.MatchID != p.MatchID {
		c.SendError("wrong_match", "assignment is for a different match")
		return
	}

	ctrl, ok := s.mm.GetMatch(p.MatchID)
	if !ok {
		c.SendError("match_not_found", "match no longer exists")
		return
	}

	if err := ctrl.AddPlayer(c.UserID, c.Username); err != nil {
		switch {
		case errors.Is(err, match.ErrDuplicatePlayer):
			// Rejoin after reconnect while still Waiting: refresh connection
			// state, rejoin room. Once Playing, AddPlayer reports
			// ErrWrongPhase and the join is rejected below.
			ctrl.MarkConnected(c.UserID)
		case errors.Is(err, match.ErrMatchFull):
			c.SendError("match_full", "match is full")
			return
		default:
			c.SendError("join_rejected", err.Error())
			return
		}
	}

	room, ok := s.rooms.Get(matchRoomID(p.MatchID))
	if !ok {
		room, _ = s.rooms.CreateRoom(matchRoomID(p.MatchID), "Match "+p.MatchID, ctrl.Expected())
	}
	if room != nil && !c.IsInRoom(room.ID) {
		_ = room.Join(c)
	}

	s.userMatches.Store(c.UserID, p.MatchID)

	_ = c.Send(ws.MsgMatchJoined, map[string]interface{}{
		"matchId":  p.MatchID,
		"joined":   ctrl.PlayerCount(),
		"expected": ctrl.Expected(),
	})

	if ctrl.AllJoined() && ctrl.Phase() == match.PhaseWaiting {
		s.startMatch(ctrl, room)
	}
}

// startMatch transitions the controller to Playing and begins the fan-out
// of snapshots and control events to the match room.
func (s *Server) startMatch(ctrl *match.Controller, room *ws.Room) {
	if err := ctrl.Start(); err != nil {
		if errors.Is(err, match.ErrWrongPhase) {
			return // lost the race to another join; match already started
		}
		s.logger.Error("match start failed", zap.String("matchId", ctrl.ID), zap.Error(err))
		if room != nil {
			room.Broadcast(ws.MsgError, ws.ErrorPayload{
				Code:    "match_start_failed",
				Message: "the match could not be started",
			})
		}
		return
	}

	if room != nil {
		room.Broadcast(ws.MsgMatchStarted, map[string]interface{}{
			"matchId":     ctrl.ID,
			"playerCount": ctrl.PlayerCount(),
		})
	}

	go s.forwardSnapshots(ctrl, room)
	go s.forwardEvents(ctrl, room)
}

// forwardSnapshots streams engine snapshots to every member, filtering
// projectiles to each recipient's interest radius. Channel closure is the
// normal end of stream.
func (s *Server) forwardSnapshots(ctrl *match.Controller, room *ws.Room) {
	snapshots := ctrl.Snapshots()
	if snapshots == nil {
		return
	}

	for snap := range snapshots {
		for _, userID := range room.Members() {
			conn, ok := s.registry.Get(userID)
			if !ok {
				continue
			}

			view := *snap
			if pos, ok := snap.PlayerPosition(userID); ok {
				view.Projectiles = snap.FilterProjectiles(pos)
			}

			data, err := ws.Encode(ws.MsgGameState, &view)
			if err != nil {
				continue
			}
			// Drop-newest per recipient: a slow client loses snapshots,
			// never the simulation.
			_ = conn.TrySend(data)
		}
	}
}

// forwardEvents relays match-level control events and cleans up when the
// controller reaches Finished.
func (s *Server) forwardEvents(ctrl *match.Controller, room *ws.Room) {
	for ev := range ctrl.Events() {
		msgType := ev.Type
		if msgType == "match_ended" {
			msgType = ws.MsgMatchEnded
		}
		if room != nil {
			room.Broadcast(msgType, ev.Payload)
		}
	}

	// Controller is Finished: release the room and the routing entries.
	for _, userID := range ctrl.Members() {
		if v, ok := s.userMatches.Load(userID); ok && v.(string) == ctrl.ID {
			s.userMatches.Delete(userID)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.cache.DeleteAssignment(ctx, userID)
		cancel()
	}
	if room != nil {
		room.Broadcast(ws.MsgRoomClosed, map[string]string{"roomId": room.ID})
		s.rooms.Delete(room.ID)
	}
}

// ---- Game inputs ----------------------------------------------------------

// engineFor resolves the caller's running engine, replying with a typed
// error when there is none.
func (s *Server) engineFor(c *ws.Connection) *game.Engine {
	v, ok := s.userMatches.Load(c.UserID)
	if !ok {
		c.SendError("not_in_match", "join a match first")
		return nil
	}
	ctrl, ok := s.mm.GetMatch(v.(string))
	if !ok || ctrl.Phase() != match.PhasePlaying {
		c.SendError("match_not_running", "match is not in progress")
		return nil
	}
	return ctrl.Engine()
}

type playerInputPayload struct {
	Tick      int64   `json:"tick"`
	Up        bool    `json:"up"`
	Down      bool    `json:"down"`
	Left      bool    `json:"left"`
	Right     bool    `json:"right"`
	Shoot     bool    `json:"shoot"`
	AimAngle  float64 `json:"aimAngle"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

func (s *Server) handlePlayerInput(c *ws.Connection, payload json.RawMessage) {
	engine := s.engineFor(c)
	if engine == nil {
		return
	}

	var p playerInputPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.SendError("bad_payload", "malformed player_input")
		return
	}

	err := engine.PushInput(game.Input{
		UserID:     c.UserID,
		Tick:       p.Tick,
		Up:         p.Up,
		Down:       p.Down,
		Left:       p.Left,
		Right:      p.Right,
		Shoot:      p.Shoot,
		AimAngle:   p.AimAngle,
		ClientTime: p.Timestamp,
		Received:   time.Now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("input dropped", zap.String("userId", c.UserID), zap.Error(err))
	}
}

type shootPayload struct {
	AimAngle  float64 `json:"aimAngle"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

func (s *Server) handleShoot(c *ws.Connection, payload json.RawMessage) {
	engine := s.engineFor(c)
	if engine == nil {
		return
	}

	var p shootPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.SendError("bad_payload", "malformed shoot")
		return
	}

	_ = engine.PushInput(game.Input{
		UserID:     c.UserID,
		Shoot:      true,
		AimAngle:   p.AimAngle,
		ClientTime: p.Timestamp,
		Received:   time.Now(),
	})
}

type collectLootPayload struct {
	LootID string `json:"lootId"`
}

func (s *Server) handleCollectLoot(c *ws.Connection, payload json.RawMessage) {
	engine := s.engineFor(c)
	if engine == nil {
		return
	}

	var p collectLootPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.LootID == "" {
		c.SendError("bad_payload", "collect_loot requires lootId")
		return
	}

	_ = engine.PushInput(game.Input{
		UserID:        c.UserID,
		CollectLootID: p.LootID,
		Received:      time.Now(),
	})
}

type switchWeaponPayload struct {
	Weapon string `json:"weapon"`
}

func (s *Server) handleSwitchWeapon(c *ws.Connection, payload json.RawMessage) {
	engine := s.engineFor(c)
	if engine == nil {
		return
	}

	var p switchWeaponPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Weapon == "" {
		c.SendError("bad_payload", "switch_weapon requires weapon")
		return
	}

	w := game.WeaponKind(p.Weapon)
	if !game.IsValidWeapon(w) {
		c.SendError("bad_payload", "unknown weapon: "+p.Weapon)
		return
	}

	_ = engine.PushInput(game.Input{
		UserID:       c.UserID,
		SwitchWeapon: &w,
		Received:     time.Now(),
	})
}
