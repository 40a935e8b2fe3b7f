package main

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"blastio-server/internal/cache"
	"blastio-server/internal/config"
	"blastio-server/internal/events"
	"blastio-server/internal/logging"
	"blastio-server/internal/match"
	"blastio-server/internal/persist"
	"blastio-server/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Cache first: the session, queue and assignment stores everything else
	// depends on.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	store := cache.New(redisClient, logger)
	if err := store.Ping(ctx); err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}
	defer redisClient.Close()

	// Relational store is optional; without it results are not persisted
	// and every player rates at the guest default.
	var persister match.Persister
	var ratings match.RatingSource
	if cfg.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal("invalid POSTGRES_URL", zap.Error(err))
		}
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("postgres unreachable, continuing without persistence", zap.Error(err))
			pool.Close()
		} else {
			defer pool.Close()
			pstore := persist.New(pool, logger)
			persister = pstore
			ratings = pstore
		}
	} else {
		logger.Warn("POSTGRES_URL not set, match results will not be persisted")
	}

	// Event bus is optional.
	bus := events.NewDisabled(logger)
	if cfg.NATSURL != "" {
		if connected, err := events.Connect(cfg.NATSURL, logger); err != nil {
			logger.Warn("nats unreachable, lifecycle events disabled", zap.Error(err))
		} else {
			bus = connected
		}
	}

	srv := server.New(cfg, logger, store, persister, ratings, bus)
	if err := srv.Start(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
