// Package match owns the per-match lifecycle and the matchmaker that feeds
// it. A Controller is the single owner of its engine, its monitor goroutine
// and its control-event channel.
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"blastio-server/internal/game"
	"blastio-server/internal/metrics"
)

// Phase is the match state machine position.
type Phase int32

const (
	PhaseWaiting Phase = iota
	PhasePlaying
	PhaseEnding
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhasePlaying:
		return "playing"
	case PhaseEnding:
		return "ending"
	case PhaseFinished:
		return "finished"
	}
	return "unknown"
}

const (
	// MaxMatchPlayers is the hard cap on members per match.
	MaxMatchPlayers = 16

	// endingGrace is the pause between Ending and Finished, giving clients
	// time to consume the terminal event before channels close.
	endingGrace = 5 * time.Second

	monitorInterval = time.Second
)

var (
	ErrWrongPhase      = errors.New("match: operation not valid in this phase")
	ErrDuplicatePlayer = errors.New("match: player already joined")
	ErrMatchFull       = errors.New("match: match is full")
	ErrNotEnoughPlayers = errors.New("match: not enough players to start")
)

// MatchPlayer tracks one member's connection status; the simulation keeps
// treating a disconnected member's entity normally.
type MatchPlayer struct {
	UserID       string
	Username     string
	Connected    bool
	DisconnectAt time.Time
}

// Event is a match-level control message for the owner to fan out.
type Event struct {
	Type    string
	Payload interface{}
}

// EndedPayload is the body of the terminal match_ended event.
type EndedPayload struct {
	MatchID  string         `json:"matchId"`
	Reason   string         `json:"reason"`
	Winner   string         `json:"winner"`
	Rankings []game.Ranking `json:"rankings"`
}

// Summary is what the persistence adapter receives at match end.
type Summary struct {
	MatchID     string
	MapName     string
	PlayerCount int
	StartTime   time.Time
	EndTime     time.Time
	Rankings    []game.Ranking
}

// Persister writes final results; failures must not block termination.
type Persister interface {
	PersistMatch(ctx context.Context, s Summary) error
}

// Publisher pushes lifecycle events to the cluster bus; may be a no-op.
type Publisher interface {
	Publish(subject string, v interface{})
}

// Observer records phase changes into external observability stores.
type Observer interface {
	MatchPhase(ctx context.Context, matchID, phase string)
	MatchEnded(ctx context.Context, matchID, winner string, playerCount int)
}

// Config carries the controller's collaborators; Persister, Publisher and
// Observer are optional.
type Config struct {
	Expected    int
	MinPlayers  int
	TimeLimit   time.Duration
	EndingGrace time.Duration // defaults to 5s
	Seed        int64
	Logger      *zap.Logger
	Persister   Persister
	Publisher   Publisher
	Observer    Observer
}

// Controller is the per-match state machine:
//
//	Waiting → Playing → Ending → Finished
type Controller struct {
	ID string

	mu      sync.Mutex
	phase   Phase
	players map[string]*MatchPlayer
	joined  []string // join order, drives spawn placement

	expected    int
	minPlayers  int
	timeLimit   time.Duration
	endingGrace time.Duration
	seed        int64

	engine    *game.Engine
	startTime time.Time
	endTime   time.Time
	rankings  []game.Ranking

	events   chan Event
	finished chan struct{}
	endOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	logger    *zap.Logger
	persister Persister
	publisher Publisher
	observer  Observer
}

func NewController(id string, cfg Config) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	expected := cfg.Expected
	if expected > MaxMatchPlayers {
		expected = MaxMatchPlayers
	}
	timeLimit := cfg.TimeLimit
	if timeLimit <= 0 {
		timeLimit = 15 * time.Minute
	}
	minPlayers := cfg.MinPlayers
	if minPlayers < 1 {
		minPlayers = 1
	}
	grace := cfg.EndingGrace
	if grace <= 0 {
		grace = endingGrace
	}

	return &Controller{
		ID:          id,
		phase:       PhaseWaiting,
		players:     make(map[string]*MatchPlayer),
		expected:    expected,
		minPlayers:  minPlayers,
		timeLimit:   timeLimit,
		endingGrace: grace,
		seed:        cfg.Seed,
		events:     make(chan Event, 16),
		finished:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     cfg.Logger.With(zap.String("matchId", id)),
		persister:  cfg.Persister,
		publisher:  cfg.Publisher,
		observer:   cfg.Observer,
	}
}

// Phase returns the current state machine position.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Expected returns the composed group size.
func (c *Controller) Expected() int { return c.expected }

// PlayerCount returns how many members have joined so far.
func (c *Controller) PlayerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.players)
}

// Members returns the joined userIDs.
func (c *Controller) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.joined))
	copy(out, c.joined)
	return out
}

// Events is the control stream; closed at Finished.
func (c *Controller) Events() <-chan Event { return c.events }

// Snapshots exposes the engine's broadcast stream; nil before Start.
func (c *Controller) Snapshots() <-chan *game.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil
	}
	return c.engine.Snapshots()
}

// Engine returns the running engine; nil before Start.
func (c *Controller) Engine() *game.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// Done closes when the controller reaches Finished.
func (c *Controller) Done() <-chan struct{} { return c.finished }

// AddPlayer admits a member; valid only while Waiting. Duplicates and
// overflow past the cap are conflicts, not fatal.
func (c *Controller) AddPlayer(userID, username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseWaiting {
		return fmt.Errorf("%w: phase %s", ErrWrongPhase, c.phase)
	}
	if _, ok := c.players[userID]; ok {
		return ErrDuplicatePlayer
	}
	if len(c.players) >= c.expected || len(c.players) >= MaxMatchPlayers {
		return ErrMatchFull
	}

	c.players[userID] = &MatchPlayer{
		UserID:    userID,
		Username:  username,
		Connected: true,
	}
	c.joined = append(c.joined, userID)
	return nil
}

// AllJoined reports whether the full expected group is present.
func (c *Controller) AllJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.players) >= c.expected
}

// MarkDisconnected flags a member's connection loss. The entity keeps
// simulating; only match-end accounting cares.
func (c *Controller) MarkDisconnected(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mp, ok := c.players[userID]; ok {
		mp.Connected = false
		mp.DisconnectAt = time.Now()
	}
}

// MarkConnected flags a member as (re)connected.
func (c *Controller) MarkConnected(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mp, ok := c.players[userID]; ok {
		mp.Connected = true
	}
}

// Start generates the map, spawns the engine and transitions to Playing.
// On map-generation failure the controller stays Waiting and surfaces the
// error.
func (c *Controller) Start() error {
	c.mu.Lock()

	if c.phase != PhaseWaiting {
		c.mu.Unlock()
		return fmt.Errorf("%w: phase %s", ErrWrongPhase, c.phase)
	}
	if len(c.players) < c.minPlayers {
		c.mu.Unlock()
		return fmt.Errorf("%w: have %d, need %d", ErrNotEnoughPlayers, len(c.players), c.minPlayers)
	}

	world, err := game.GenerateWorld(c.seed)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("generate world: %w", err)
	}

	spawns := game.SpawnPositions(len(c.joined))
	seeds := make([]game.Seed, len(c.joined))
	for i, userID := range c.joined {
		seeds[i] = game.Seed{
			UserID:   userID,
			Username: c.players[userID].Username,
			Pos:      spawns[i].Pos,
			Facing:   spawns[i].Facing,
		}
	}

	c.engine = game.NewEngine(c.ID, seeds, world, c.logger)
	c.phase = PhasePlaying
	c.startTime = time.Now()
	c.mu.Unlock()

	c.engine.Start()
	go c.monitor()

	if c.observer != nil {
		c.observer.MatchPhase(c.ctx, c.ID, PhasePlaying.String())
	}
	if c.publisher != nil {
		c.publisher.Publish("royale.match.started", map[string]interface{}{
			"matchId":     c.ID,
			"playerCount": len(seeds),
		})
	}

	c.logger.Info("match started", zap.Int("players", len(seeds)))
	return nil
}

// monitor evaluates end conditions once a second.
func (c *Controller) monitor() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.checkEndConditions() {
				return
			}
		}
	}
}

// checkEndConditions applies the termination rules. Solo matches suppress
// the one-alive trigger so a single tester isn't ended immediately.
func (c *Controller) checkEndConditions() bool {
	c.mu.Lock()
	if c.phase != PhasePlaying {
		c.mu.Unlock()
		return true
	}
	engine := c.engine
	started := c.startTime
	total := len(c.players)
	c.mu.Unlock()

	alive := engine.AliveCount()

	switch {
	case alive == 0:
		c.endMatch("all_dead")
		return true
	case total > 1 && alive <= 1:
		c.endMatch("last_alive")
		return true
	case time.Since(started) > c.timeLimit:
		c.endMatch("time_limit")
		return true
	}
	return false
}

// endMatch runs the Playing→Ending transition exactly once: stop the
// engine, emit the terminal event, then persist best-effort. Clients are
// notified even when persistence fails.
func (c *Controller) endMatch(reason string) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.phase = PhaseEnding
		c.endTime = time.Now()
		engine := c.engine
		total := len(c.players)
		c.mu.Unlock()

		c.cancel()

		engine.Stop()
		<-engine.Done()

		rankings := engine.FinalRankings()
		c.mu.Lock()
		c.rankings = rankings
		c.mu.Unlock()

		winner := ""
		if len(rankings) > 0 {
			winner = rankings[0].UserID
		}

		// Terminal event first: notification must never wait on I/O.
		c.events <- Event{
			Type: "match_ended",
			Payload: EndedPayload{
				MatchID:  c.ID,
				Reason:   reason,
				Winner:   winner,
				Rankings: rankings,
			},
		}

		c.logger.Info("match ended",
			zap.String("reason", reason),
			zap.String("winner", winner),
			zap.Duration("duration", c.endTime.Sub(c.startTime)))

		go c.persistResults(winner, total)

		time.AfterFunc(c.endingGrace, c.finish)
	})
}

// EndNow forces termination; used on server shutdown.
func (c *Controller) EndNow(reason string) {
	c.mu.Lock()
	playing := c.phase == PhasePlaying
	c.mu.Unlock()
	if playing {
		c.endMatch(reason)
	}
}

func (c *Controller) persistResults(winner string, total int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.observer != nil {
		c.observer.MatchEnded(ctx, c.ID, winner, total)
	}
	if c.publisher != nil {
		c.publisher.Publish("royale.match.ended", map[string]interface{}{
			"matchId":     c.ID,
			"winner":      winner,
			"playerCount": total,
		})
	}

	if c.persister == nil {
		return
	}

	c.mu.Lock()
	summary := Summary{
		MatchID:     c.ID,
		MapName:     "procedural",
		PlayerCount: total,
		StartTime:   c.startTime,
		EndTime:     c.endTime,
		Rankings:    c.rankings,
	}
	c.mu.Unlock()

	if err := c.persister.PersistMatch(ctx, summary); err != nil {
		metrics.PersistenceFailures.Inc()
		c.logger.Error("result persistence failed", zap.Error(err))
	}
}

// finish is the Ending→Finished transition: release channels and report
// completion to the owner.
func (c *Controller) finish() {
	c.mu.Lock()
	c.phase = PhaseFinished
	c.mu.Unlock()

	close(c.events)
	close(c.finished)
	metrics.MatchesCompleted.Inc()
}

// FinalRankings returns the standings once the match has ended.
func (c *Controller) FinalRankings() []game.Ranking {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]game.Ranking, len(c.rankings))
	copy(out, c.rankings)
	return out
}
