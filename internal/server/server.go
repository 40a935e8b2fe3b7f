// Package server wires the core together: HTTP surface, WebSocket upgrade,
// message handlers, matchmaker loop and graceful shutdown.
//
// Init order: cache → registries → matchmaker → listener; teardown runs in
// reverse.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"blastio-server/internal/auth"
	"blastio-server/internal/cache"
	"blastio-server/internal/config"
	"blastio-server/internal/events"
	"blastio-server/internal/match"
	"blastio-server/internal/metrics"
	"blastio-server/internal/ws"
)

const (
	roomReapInterval  = time.Minute
	onlineReapMaxAge  = 5 * time.Minute
	collectorInterval = 5 * time.Second
)

// Server owns every long-lived component and their lifecycles.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	jwt      *auth.Manager
	cache    *cache.Cache
	registry *ws.Registry
	rooms    *ws.RoomRegistry
	router   *ws.Router
	mm       *match.Matchmaker
	bus      *events.Publisher

	persister match.Persister

	// userID → matchID for input routing; maintained at match join/end.
	userMatches sync.Map

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds the server and registers all message handlers.
// persister and ratings may be nil when no relational store is configured.
func New(cfg *config.Config, logger *zap.Logger, store *cache.Cache, persister match.Persister, ratings match.RatingSource, bus *events.Publisher) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		jwt:       auth.NewManager(cfg.JWTSecret, 24*time.Hour),
		cache:     store,
		registry:  ws.NewRegistry(logger),
		rooms:     ws.NewRoomRegistry(logger),
		router:    ws.NewRouter(logger),
		bus:       bus,
		persister: persister,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	observer := &cacheObserver{cache: store, logger: logger}
	factory := func(matchID string, expected int) *match.Controller {
		return match.NewController(matchID, match.Config{
			Expected:   expected,
			MinPlayers: cfg.MinPlayers,
			TimeLimit:  cfg.MatchTimeLimit,
			Seed:       time.Now().UnixNano(),
			Logger:     logger,
			Persister:  persister,
			Publisher:  bus,
			Observer:   observer,
		})
	}

	s.mm = match.NewMatchmaker(match.MatchmakerConfig{
		MinPlayers:   cfg.MinPlayers,
		MaxPlayers:   cfg.MaxPlayers,
		Interval:     cfg.QueueInterval,
		QueueTimeout: cfg.QueueTimeout,
	}, store, ratings, s.registry, factory, logger)

	s.registerHandlers()
	s.setupHTTP()

	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	allowedSet := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		allowedSet[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		_, ok := allowedSet[origin]
		return ok
	}
}

func (s *Server) setupHTTP() {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// handleWebSocket authenticates the upgrade: signed token, not
// blacklisted, live session. Only then does a Connection exist.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, err := auth.ExtractToken(r)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("missing_token").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := s.jwt.Verify(token)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("invalid_token").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	if blacklisted, err := s.cache.IsTokenBlacklisted(ctx, auth.HashToken(token)); err == nil && blacklisted {
		metrics.AuthAttempts.WithLabelValues("blacklisted").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := s.cache.GetSession(ctx, claims.UserID); err != nil {
		metrics.AuthAttempts.WithLabelValues("no_session").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	metrics.AuthAttempts.WithLabelValues("ok").Inc()

	c := ws.NewConnection(conn, claims.UserID, claims.Username, s.router.Handle, s.logger)
	c.OnClose(s.onDisconnect)
	s.registry.Add(c)

	_ = c.Send(ws.MsgAuthenticated, map[string]string{
		"userID":   claims.UserID,
		"username": claims.Username,
	})

	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.cache.TouchOnline(tctx, claims.UserID)
		_ = s.cache.RefreshSession(tctx, claims.UserID)
	}()

	c.Run()
}

// onDisconnect is the teardown cascade for one connection.
func (s *Server) onDisconnect(c *ws.Connection) {
	s.registry.Remove(c)
	s.rooms.LeaveAllRooms(c)

	if matchID, ok := s.userMatches.Load(c.UserID); ok {
		if ctrl, ok := s.mm.GetMatch(matchID.(string)); ok {
			ctrl.MarkDisconnected(c.UserID)
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.cache.RemoveOnline(ctx, c.UserID)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).String(),
		"connections": s.registry.Count(),
		"rooms":       s.rooms.Count(),
		"matches":     s.mm.ActiveMatches(),
	})
}

// Start launches every background loop and the listener, then blocks until
// a termination signal arrives.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.cfg.ListenAddr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mm.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rooms.RunReaper(s.ctx, roomReapInterval)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reapOnline()
	}()

	collector := metrics.NewSystemCollector(collectorInterval, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		collector.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.waitForShutdown()
	return nil
}

func (s *Server) reapOnline() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			if n, err := s.cache.ReapOnline(ctx, onlineReapMaxAge); err == nil && n > 0 {
				s.logger.Debug("reaped stale online entries", zap.Int64("count", n))
			}
			cancel()
		}
	}
}

func (s *Server) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	s.logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	s.Shutdown()
}

// Shutdown tears everything down in reverse init order within the
// configured timeout.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown error", zap.Error(err))
	}

	s.registry.Broadcast(ws.MsgForceDisconnect, map[string]string{"reason": "server_shutdown"})
	s.mm.Shutdown()
	s.cancel()
	s.registry.CloseAll()
	s.bus.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("shutdown complete")
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out")
	}
}

// cacheObserver mirrors match phase transitions into the cache for external
// dashboards. The in-process controller stays authoritative; these records
// expire on their own if the process dies.
type cacheObserver struct {
	cache  *cache.Cache
	logger *zap.Logger
}

func (o *cacheObserver) MatchPhase(ctx context.Context, matchID, phase string) {
	cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.cache.PutLobby(cctx, matchID, map[string]interface{}{"phase": phase}); err != nil {
		o.logger.Debug("lobby record write failed", zap.String("matchId", matchID), zap.Error(err))
	}
}

func (o *cacheObserver) MatchEnded(ctx context.Context, matchID, winner string, playerCount int) {
	cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = o.cache.AddRecentMatch(cctx, cache.RecentMatch{
		MatchID:     matchID,
		EndedAt:     time.Now(),
		Winner:      winner,
		PlayerCount: playerCount,
	})
	_ = o.cache.DeleteLobby(cctx, matchID)
	_ = o.cache.IncrServerMetric(cctx, "matches_completed", 1)
}
