// Package cache wraps Redis with the typed records the core keeps there:
// sessions, matchmaking queue entries, match assignments, rate-limit
// counters and a handful of observability aids. Every record that stands in
// for a temporary resource carries a TTL so a crashed coordinator never
// leaks state.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"blastio-server/internal/metrics"
)

// TTLs per record class.
const (
	TTLSession    = 7 * 24 * time.Hour
	TTLAssignment = 5 * time.Minute
	TTLRateLimit  = 60 * time.Second
	TTLUserCache  = 5 * time.Minute
	TTLLobby      = 2 * time.Hour
)

// Key prefixes. Flat strings, documented in one place.
const (
	keySession     = "session:"
	keyBlacklist   = "blacklist:token:"
	keyAssignment  = "match:player:"
	keyRateLimit   = "ratelimit:"
	keyUserCache   = "user:cache:"
	keyLobby       = "lobby:"
	keyOnline      = "players:online"
	keyMetrics     = "metrics:server"
	keyRecent      = "matches:recent"
	keyQueue       = "matchmaking:queue"
	keyQueueMeta   = "matchmaking:queue:meta"
	recentMaxEntries = 100
)

// ErrNotFound is returned when a keyed record is absent or expired.
var ErrNotFound = errors.New("cache: not found")

// Session is the cached session record written at login and refreshed on
// activity.
type Session struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
	IsGuest   bool      `json:"isGuest"`
}

// QueueEntry is one player waiting in the matchmaking queue.
type QueueEntry struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	MMR      int       `json:"mmr"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Assignment binds a user to a composed match for the duration of the join
// window.
type Assignment struct {
	MatchID     string    `json:"matchId"`
	PlayerCount int       `json:"playerCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RecentMatch is one entry of the capped recent-match feed.
type RecentMatch struct {
	MatchID     string    `json:"matchId"`
	EndedAt     time.Time `json:"endedAt"`
	Winner      string    `json:"winner"`
	PlayerCount int       `json:"playerCount"`
}

// Cache is the typed wrapper around the shared Redis client.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

func New(client *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{client: client, logger: logger}
}

// Ping verifies connectivity; called once at startup.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func observe(op string, start time.Time) {
	metrics.CacheOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ---- Sessions -------------------------------------------------------------

// PutSession writes a session record with the 7-day TTL. CreatedAt is
// stamped on first write, LastSeen always.
func (c *Cache) PutSession(ctx context.Context, s Session) error {
	defer observe("put_session", time.Now())

	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastSeen = now

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return c.client.Set(ctx, keySession+s.UserID, data, TTLSession).Err()
}

// GetSession returns the session for userID, or ErrNotFound. Misses are not
// errors worth logging; callers decide.
func (c *Cache) GetSession(ctx context.Context, userID string) (Session, error) {
	defer observe("get_session", time.Now())

	data, err := c.client.Get(ctx, keySession+userID).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.Inc()
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	metrics.CacheHits.Inc()

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

// RefreshSession re-stamps LastSeen and extends the TTL. Fails with
// ErrNotFound once the record has expired.
func (c *Cache) RefreshSession(ctx context.Context, userID string) error {
	s, err := c.GetSession(ctx, userID)
	if err != nil {
		return err
	}
	return c.PutSession(ctx, s)
}

func (c *Cache) DeleteSession(ctx context.Context, userID string) error {
	defer observe("delete_session", time.Now())
	return c.client.Del(ctx, keySession+userID).Err()
}

// ListActiveSessions walks session keys with SCAN so it never blocks the
// hot path. Intended for admin surfaces, not per-request use.
func (c *Cache) ListActiveSessions(ctx context.Context) ([]Session, error) {
	defer observe("list_sessions", time.Now())

	var sessions []Session
	iter := c.client.Scan(ctx, 0, keySession+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var s Session
		if json.Unmarshal(data, &s) == nil {
			sessions = append(sessions, s)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

// ---- Token blacklist ------------------------------------------------------

func (c *Cache) BlacklistToken(ctx context.Context, tokenHash string, expiresIn time.Duration) error {
	defer observe("blacklist_token", time.Now())
	return c.client.Set(ctx, keyBlacklist+tokenHash, "1", expiresIn).Err()
}

func (c *Cache) IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	defer observe("check_blacklist", time.Now())
	n, err := c.client.Exists(ctx, keyBlacklist+tokenHash).Result()
	return n > 0, err
}

// ---- Match assignments ----------------------------------------------------

// PutAssignments writes the assignment record for every member of a newly
// composed match in one pipeline, all with the 5-minute TTL.
func (c *Cache) PutAssignments(ctx context.Context, userIDs []string, a Assignment) error {
	defer observe("put_assignments", time.Now())

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}

	pipe := c.client.TxPipeline()
	for _, id := range userIDs {
		pipe.Set(ctx, keyAssignment+id, data, TTLAssignment)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Cache) GetAssignment(ctx context.Context, userID string) (Assignment, error) {
	defer observe("get_assignment", time.Now())

	data, err := c.client.Get(ctx, keyAssignment+userID).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.Inc()
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("get assignment: %w", err)
	}
	metrics.CacheHits.Inc()

	var a Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return Assignment{}, fmt.Errorf("decode assignment: %w", err)
	}
	return a, nil
}

func (c *Cache) DeleteAssignment(ctx context.Context, userID string) error {
	defer observe("delete_assignment", time.Now())
	return c.client.Del(ctx, keyAssignment+userID).Err()
}

// ---- Rate limiting --------------------------------------------------------

// RateLimit atomically bumps the per-user per-endpoint counter and returns
// the count inside the current 60-second window.
func (c *Cache) RateLimit(ctx context.Context, userID, endpoint string) (int64, error) {
	defer observe("rate_limit", time.Now())

	key := keyRateLimit + userID + ":" + endpoint
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, TTLRateLimit)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// ---- User cache -----------------------------------------------------------

func (c *Cache) CacheUser(ctx context.Context, userID string, fields map[string]interface{}) error {
	defer observe("cache_user", time.Now())

	key := keyUserCache + userID
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, TTLUserCache)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Cache) CachedUser(ctx context.Context, userID string) (map[string]string, error) {
	defer observe("get_cached_user", time.Now())
	return c.client.HGetAll(ctx, keyUserCache+userID).Result()
}

// ---- Online presence ------------------------------------------------------

func (c *Cache) TouchOnline(ctx context.Context, userID string) error {
	defer observe("touch_online", time.Now())
	return c.client.ZAdd(ctx, keyOnline, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: userID,
	}).Err()
}

func (c *Cache) RemoveOnline(ctx context.Context, userID string) error {
	defer observe("remove_online", time.Now())
	return c.client.ZRem(ctx, keyOnline, userID).Err()
}

// ReapOnline removes players not seen within maxAge and returns how many
// were dropped.
func (c *Cache) ReapOnline(ctx context.Context, maxAge time.Duration) (int64, error) {
	defer observe("reap_online", time.Now())
	cutoff := time.Now().Add(-maxAge).Unix()
	return c.client.ZRemRangeByScore(ctx, keyOnline, "0", fmt.Sprintf("%d", cutoff)).Result()
}

func (c *Cache) OnlineCount(ctx context.Context) (int64, error) {
	defer observe("online_count", time.Now())
	return c.client.ZCard(ctx, keyOnline).Result()
}

// ---- Lobby records (observability aid only) -------------------------------

// PutLobby records a match's phase for external dashboards. The in-process
// controller is authoritative; these records carry a 2-hour safety TTL and
// are deleted on normal match end.
func (c *Cache) PutLobby(ctx context.Context, matchID string, fields map[string]interface{}) error {
	defer observe("put_lobby", time.Now())

	key := keyLobby + matchID
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, TTLLobby)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Cache) SetLobbyPhase(ctx context.Context, matchID, phase string) error {
	defer observe("set_lobby_phase", time.Now())
	return c.client.HSet(ctx, keyLobby+matchID, "phase", phase).Err()
}

func (c *Cache) DeleteLobby(ctx context.Context, matchID string) error {
	defer observe("delete_lobby", time.Now())
	return c.client.Del(ctx, keyLobby+matchID).Err()
}

// ---- Recent matches -------------------------------------------------------

// AddRecentMatch pushes onto the capped recent-match feed.
func (c *Cache) AddRecentMatch(ctx context.Context, m RecentMatch) error {
	defer observe("add_recent_match", time.Now())

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal recent match: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, keyRecent, data)
	pipe.LTrim(ctx, keyRecent, 0, recentMaxEntries-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Cache) RecentMatches(ctx context.Context, limit int64) ([]RecentMatch, error) {
	defer observe("recent_matches", time.Now())

	raw, err := c.client.LRange(ctx, keyRecent, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RecentMatch, 0, len(raw))
	for _, item := range raw {
		var m RecentMatch
		if json.Unmarshal([]byte(item), &m) == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// ---- Server metrics hash --------------------------------------------------

func (c *Cache) IncrServerMetric(ctx context.Context, name string, delta int64) error {
	return c.client.HIncrBy(ctx, keyMetrics, name, delta).Err()
}

func (c *Cache) ServerMetrics(ctx context.Context) (map[string]string, error) {
	return c.client.HGetAll(ctx, keyMetrics).Result()
}
