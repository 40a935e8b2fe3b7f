package match

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blastio-server/internal/auth"
	"blastio-server/internal/cache"
	"blastio-server/internal/metrics"
)

const (
	// Dynamic MMR window: base + growth per 10 s waited, capped.
	mmrWindowBase   = 100
	mmrWindowGrowth = 50
	mmrWindowCap    = 500

	// GuestMMR is the default rating for users with no persistent record.
	GuestMMR = 1000
)

// QueueStore is the slice of the cache the matchmaker needs. Implemented by
// *cache.Cache; faked in tests.
type QueueStore interface {
	Enqueue(ctx context.Context, e cache.QueueEntry) error
	RemoveFromQueue(ctx context.Context, userID string) error
	SnapshotQueue(ctx context.Context) ([]cache.QueueEntry, error)
	QueueSize(ctx context.Context) (int64, error)
	CommitMatch(ctx context.Context, userIDs []string, a cache.Assignment) error
}

// RatingSource resolves a user's MMR from the persistent store.
type RatingSource interface {
	MMR(ctx context.Context, userID string) (int, error)
}

// Notifier pushes matchmaking messages to connected users.
type Notifier interface {
	SendToUser(userID, msgType string, payload interface{}) bool
}

// ControllerFactory builds the controller for a committed group.
type ControllerFactory func(matchID string, expected int) *Controller

// MatchmakerConfig tunes the grouping loop.
type MatchmakerConfig struct {
	MinPlayers   int
	MaxPlayers   int
	Interval     time.Duration
	QueueTimeout time.Duration
}

// Matchmaker is the singleton grouping loop: an MMR-sorted queue in the
// cache, a widening window per anchor, and atomic group commits.
type Matchmaker struct {
	cfg     MatchmakerConfig
	store   QueueStore
	ratings RatingSource
	notify  Notifier
	build   ControllerFactory
	logger  *zap.Logger

	mu     sync.RWMutex
	active map[string]*Controller
}

func NewMatchmaker(cfg MatchmakerConfig, store QueueStore, ratings RatingSource, notify Notifier, build ControllerFactory, logger *zap.Logger) *Matchmaker {
	if cfg.MinPlayers < 1 {
		cfg.MinPlayers = 2
	}
	if cfg.MaxPlayers <= 0 || cfg.MaxPlayers > MaxMatchPlayers {
		cfg.MaxPlayers = MaxMatchPlayers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 5 * time.Minute
	}

	return &Matchmaker{
		cfg:     cfg,
		store:   store,
		ratings: ratings,
		notify:  notify,
		build:   build,
		logger:  logger,
		active:  make(map[string]*Controller),
	}
}

// Join resolves the caller's MMR, removes any stale entry (self-dedup) and
// inserts into the queue. Guests and rating lookups that fail use the
// default rating.
func (m *Matchmaker) Join(ctx context.Context, userID, username string) error {
	mmr := GuestMMR
	if !auth.IsGuestID(userID) && m.ratings != nil {
		if v, err := m.ratings.MMR(ctx, userID); err == nil {
			mmr = v
		} else {
			m.logger.Warn("rating lookup failed, using default",
				zap.String("userId", userID), zap.Error(err))
		}
	}

	if err := m.store.RemoveFromQueue(ctx, userID); err != nil {
		return err
	}
	return m.store.Enqueue(ctx, cache.QueueEntry{
		UserID:   userID,
		Username: username,
		MMR:      mmr,
		JoinedAt: time.Now(),
	})
}

// Leave removes the caller's queue entry. Best-effort by design: a Leave
// racing a group commit may still see an assignment land, which the client
// is free to ignore.
func (m *Matchmaker) Leave(ctx context.Context, userID string) error {
	return m.store.RemoveFromQueue(ctx, userID)
}

// GetMatch returns an active controller.
func (m *Matchmaker) GetMatch(matchID string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.active[matchID]
	return c, ok
}

// ActiveMatches returns the number of live controllers.
func (m *Matchmaker) ActiveMatches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Shutdown force-ends every active match.
func (m *Matchmaker) Shutdown() {
	m.mu.RLock()
	ctrls := make([]*Controller, 0, len(m.active))
	for _, c := range m.active {
		ctrls = append(ctrls, c)
	}
	m.mu.RUnlock()

	for _, c := range ctrls {
		c.EndNow("server_shutdown")
	}
}

// Run drives the grouping loop until ctx is cancelled.
func (m *Matchmaker) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// cycle snapshots the queue and commits every eligible group.
func (m *Matchmaker) cycle(ctx context.Context) {
	entries, err := m.store.SnapshotQueue(ctx)
	if err != nil {
		m.logger.Error("queue snapshot failed", zap.Error(err))
		return
	}
	metrics.QueueSize.Set(float64(len(entries)))

	entries = m.expireStale(ctx, entries)

	for _, group := range m.composeGroups(entries, time.Now()) {
		m.commit(ctx, group)
	}
}

// expireStale drops entries past the queue-wait timeout, notifying each
// player.
func (m *Matchmaker) expireStale(ctx context.Context, entries []cache.QueueEntry) []cache.QueueEntry {
	cutoff := time.Now().Add(-m.cfg.QueueTimeout)
	kept := entries[:0]
	for _, e := range entries {
		if e.JoinedAt.Before(cutoff) {
			if err := m.store.RemoveFromQueue(ctx, e.UserID); err != nil {
				m.logger.Warn("failed to expire queue entry", zap.String("userId", e.UserID), zap.Error(err))
			}
			if m.notify != nil {
				m.notify.SendToUser(e.UserID, "matchmaking:timeout", map[string]interface{}{
					"waitedSeconds": int(time.Since(e.JoinedAt).Seconds()),
				})
			}
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// composeGroups walks the MMR-ordered queue: each anchor (lowest remaining
// MMR) pulls consecutive candidates within its wait-widened window, up to
// MaxPlayers. Groups below MinPlayers leave the anchor waiting.
func (m *Matchmaker) composeGroups(entries []cache.QueueEntry, now time.Time) [][]cache.QueueEntry {
	// Ascending MMR; equal ratings tie-break on longer wait.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].MMR != entries[j].MMR {
			return entries[i].MMR < entries[j].MMR
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})

	var groups [][]cache.QueueEntry

	i := 0
	for i < len(entries) {
		anchor := entries[i]
		window := windowFor(now.Sub(anchor.JoinedAt))

		j := i + 1
		for j < len(entries) && j-i < m.cfg.MaxPlayers &&
			entries[j].MMR-anchor.MMR <= window {
			j++
		}

		if j-i >= m.cfg.MinPlayers {
			group := make([]cache.QueueEntry, j-i)
			copy(group, entries[i:j])
			groups = append(groups, group)
			i = j
			continue
		}
		i++
	}
	return groups
}

// windowFor computes the dynamic MMR window: 100 + 50 per 10 s waited,
// capped at 500 (reached at 80 s).
func windowFor(wait time.Duration) int {
	w := mmrWindowBase + mmrWindowGrowth*int(wait.Seconds()/10)
	if w > mmrWindowCap {
		w = mmrWindowCap
	}
	return w
}

// commit removes the group from the queue, writes every member's
// assignment record atomically, builds the controller and notifies the
// players.
func (m *Matchmaker) commit(ctx context.Context, group []cache.QueueEntry) {
	matchID := uuid.NewString()
	userIDs := make([]string, len(group))
	for i, e := range group {
		userIDs[i] = e.UserID
	}

	assignment := cache.Assignment{
		MatchID:     matchID,
		PlayerCount: len(group),
		CreatedAt:   time.Now(),
	}
	if err := m.store.CommitMatch(ctx, userIDs, assignment); err != nil {
		m.logger.Error("group commit failed", zap.String("matchId", matchID), zap.Error(err))
		return
	}

	ctrl := m.build(matchID, len(group))

	m.mu.Lock()
	m.active[matchID] = ctrl
	count := len(m.active)
	m.mu.Unlock()
	metrics.ActiveMatches.Set(float64(count))

	// Reclaim the controller once it reports finished.
	go func() {
		<-ctrl.Done()
		m.mu.Lock()
		delete(m.active, matchID)
		remaining := len(m.active)
		m.mu.Unlock()
		metrics.ActiveMatches.Set(float64(remaining))
	}()

	if m.notify != nil {
		for _, e := range group {
			m.notify.SendToUser(e.UserID, "matchmaking:match_found", map[string]interface{}{
				"matchId":     matchID,
				"playerCount": len(group),
			})
		}
	}

	m.logger.Info("match composed",
		zap.String("matchId", matchID),
		zap.Int("players", len(group)))
}
