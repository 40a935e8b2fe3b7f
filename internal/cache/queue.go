package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// The matchmaking queue is a single sorted set scored by MMR, with a
// sidecar hash holding the full entry (username, joinedAt) per member.
// Both structures are mutated together in one pipeline so a crash between
// steps cannot strand half an entry.

// Enqueue inserts or replaces the caller's queue entry.
func (c *Cache) Enqueue(ctx context.Context, e QueueEntry) error {
	defer observe("queue_enqueue", time.Now())

	if e.JoinedAt.IsZero() {
		e.JoinedAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, keyQueue, redis.Z{Score: float64(e.MMR), Member: e.UserID})
	pipe.HSet(ctx, keyQueueMeta, e.UserID, data)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveFromQueue drops a user's entry. Removing an absent user is not an
// error; Leave may race with a group commit.
func (c *Cache) RemoveFromQueue(ctx context.Context, userID string) error {
	defer observe("queue_remove", time.Now())

	pipe := c.client.TxPipeline()
	pipe.ZRem(ctx, keyQueue, userID)
	pipe.HDel(ctx, keyQueueMeta, userID)
	_, err := pipe.Exec(ctx)
	return err
}

// SnapshotQueue returns all waiting entries in ascending MMR order.
// Members whose sidecar entry has gone missing are dropped and cleaned up.
func (c *Cache) SnapshotQueue(ctx context.Context) ([]QueueEntry, error) {
	defer observe("queue_snapshot", time.Now())

	members, err := c.client.ZRangeWithScores(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range queue: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(members))
	for _, z := range members {
		ids = append(ids, z.Member.(string))
	}
	raw, err := c.client.HMGet(ctx, keyQueueMeta, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch queue meta: %w", err)
	}

	entries := make([]QueueEntry, 0, len(members))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			// Stale sorted-set member with no metadata; drop it.
			c.client.ZRem(ctx, keyQueue, ids[i])
			continue
		}
		var e QueueEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			c.logger.Warn("dropping undecodable queue entry", zap.String("userId", ids[i]))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// QueueSize reports the number of waiting players.
func (c *Cache) QueueSize(ctx context.Context) (int64, error) {
	defer observe("queue_size", time.Now())
	return c.client.ZCard(ctx, keyQueue).Result()
}

// CommitMatch removes the group from the queue and writes every member's
// assignment record in a single pipeline.
func (c *Cache) CommitMatch(ctx context.Context, userIDs []string, a Assignment) error {
	defer observe("queue_commit", time.Now())

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}

	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}

	pipe := c.client.TxPipeline()
	pipe.ZRem(ctx, keyQueue, members...)
	pipe.HDel(ctx, keyQueueMeta, userIDs...)
	for _, id := range userIDs {
		pipe.Set(ctx, keyAssignment+id, data, TTLAssignment)
	}
	_, err = pipe.Exec(ctx)
	return err
}
