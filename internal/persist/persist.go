// Package persist writes final match results to the relational store.
// Best-effort by contract: the match controller never waits on this path
// before notifying clients, and failures are logged, not propagated.
package persist

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"blastio-server/internal/auth"
	"blastio-server/internal/match"
)

// Store is the pgx-backed persistence adapter.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger.Sugar()}
}

// MMRDelta applies the placement rules:
//
//	1st                   → 25 + (total − 2)
//	top quarter           → +15
//	top half              → +5
//	bottom half           → −10
func MMRDelta(placement, total int) int {
	switch {
	case placement == 1:
		return 25 + (total - 2)
	case placement <= int(math.Ceil(0.25*float64(total))):
		return 15
	case placement <= int(math.Ceil(0.50*float64(total))):
		return 5
	default:
		return -10
	}
}

// PersistMatch writes the match row, the per-player result rows and the
// rating/aggregate updates in one transaction. Guests are skipped entirely.
func (s *Store) PersistMatch(ctx context.Context, summary match.Summary) error {
	duration := summary.EndTime.Sub(summary.StartTime)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO matches (id, map_name, player_count, started_at, ended_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, summary.MatchID, summary.MapName, summary.PlayerCount,
		summary.StartTime, summary.EndTime, int(duration.Seconds()))
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}

	for _, r := range summary.Rankings {
		if auth.IsGuestID(r.UserID) {
			continue
		}

		survival := duration
		delta := MMRDelta(r.Placement, summary.PlayerCount)

		_, err = tx.Exec(ctx, `
			INSERT INTO match_results (match_id, user_id, placement, kills, damage_dealt, survival_seconds, mmr_change)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (match_id, user_id) DO NOTHING
		`, summary.MatchID, r.UserID, r.Placement, r.Kills, r.DamageDealt,
			int(survival.Seconds()), delta)
		if err != nil {
			return fmt.Errorf("insert result for %s: %w", r.UserID, err)
		}

		win := 0
		if r.Placement == 1 {
			win = 1
		}
		_, err = tx.Exec(ctx, `
			UPDATE users SET
				mmr = GREATEST(mmr + $2, 0),
				games_played = games_played + 1,
				wins = wins + $3,
				total_kills = total_kills + $4,
				total_damage = total_damage + $5
			WHERE id = $1
		`, r.UserID, delta, win, r.Kills, r.DamageDealt)
		if err != nil {
			return fmt.Errorf("update stats for %s: %w", r.UserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Infow("match persisted",
		"matchId", summary.MatchID,
		"players", summary.PlayerCount,
		"duration", duration)
	return nil
}

// MMR reads a user's current rating; used by the matchmaker on Join.
func (s *Store) MMR(ctx context.Context, userID string) (int, error) {
	var mmr int
	err := s.pool.QueryRow(ctx, `SELECT mmr FROM users WHERE id = $1`, userID).Scan(&mmr)
	if err != nil {
		return 0, fmt.Errorf("query mmr: %w", err)
	}
	return mmr, nil
}
