package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"agentarena/balance"
	"agentarena/ledger"
	"agentarena/logger"
	"agentarena/manager"
	"agentarena/store"
	"agentarena/trader"
)

// Store is the read side of persistence the API serves from.
type Store interface {
	Ping(ctx context.Context) error
	ListPositions(ctx context.Context, f store.PositionFilter) ([]ledger.Position, error)
	ListTrades(ctx context.Context, f store.TradeFilter) ([]ledger.Trade, error)
	ListSnapshots(ctx context.Context, f store.SnapshotFilter) ([]balance.Snapshot, error)
	ListCycles(ctx context.Context, limit int) ([]trader.CycleSummary, error)
}

// Server is the read-only HTTP API.
type Server struct {
	router    *gin.Engine
	agents    *manager.AgentManager
	scheduler *manager.Scheduler
	store     Store
	port      int
}

// NewServer creates the API server. scheduler may be nil.
func NewServer(agents *manager.AgentManager, scheduler *manager.Scheduler, st Store, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		agents:    agents,
		scheduler: scheduler,
		store:     st,
		port:      port,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.For("api").Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("📥 request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/agents", s.handleAgents)
		api.GET("/agents/:id", s.handleAgent)
		api.GET("/leaderboard", s.handleLeaderboard)
		api.GET("/positions", s.handlePositions)
		api.GET("/trades", s.handleTrades)
		api.GET("/snapshots", s.handleSnapshots)
		api.GET("/cycles", s.handleCycles)
		api.GET("/cycles/latest", s.handleLatestCycle)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
		"agents": s.agents.Len(),
	}
	if s.scheduler != nil {
		body["cycle_running"] = s.scheduler.Running()
		if last, ok := s.scheduler.Last(); ok {
			body["last_cycle"] = last.StartedAt
		}
	}
	if err := s.store.Ping(c.Request.Context()); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleAgents(c *gin.Context) {
	agents := s.agents.All()
	out := make([]trader.AgentState, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.State())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAgent(c *gin.Context) {
	a, err := s.agents.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.State())
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	board := s.agents.Leaderboard()
	type entry struct {
		Rank int `json:"rank"`
		trader.AgentState
	}
	out := make([]entry, 0, len(board))
	for i, st := range board {
		out = append(out, entry{Rank: i + 1, AgentState: st})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePositions(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	status := ledger.Status(c.Query("status"))
	if status != "" && status != ledger.StatusOpen && status != ledger.StatusClosed {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", status)})
		return
	}

	positions, err := s.store.ListPositions(c.Request.Context(), store.PositionFilter{
		AgentID: c.Query("agent_id"),
		Status:  status,
		Limit:   limit,
	})
	if err != nil {
		s.internalError(c, "failed to list positions", err)
		return
	}
	c.JSON(http.StatusOK, nonNil(positions))
}

func (s *Server) handleTrades(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	kind := ledger.TradeKind(c.Query("kind"))
	if kind != "" && kind != ledger.TradeEntry && kind != ledger.TradeExit {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown trade kind %q", kind)})
		return
	}

	trades, err := s.store.ListTrades(c.Request.Context(), store.TradeFilter{
		AgentID: c.Query("agent_id"),
		Kind:    kind,
		Limit:   limit,
	})
	if err != nil {
		s.internalError(c, "failed to list trades", err)
		return
	}
	c.JSON(http.StatusOK, nonNil(trades))
}

func (s *Server) handleSnapshots(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		since = t
	}

	snaps, err := s.store.ListSnapshots(c.Request.Context(), store.SnapshotFilter{
		AgentID: c.Query("agent_id"),
		Since:   since,
		Limit:   limit,
	})
	if err != nil {
		s.internalError(c, "failed to list snapshots", err)
		return
	}
	c.JSON(http.StatusOK, nonNil(snaps))
}

func (s *Server) handleCycles(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	cycles, err := s.store.ListCycles(c.Request.Context(), limit)
	if err != nil {
		s.internalError(c, "failed to list cycles", err)
		return
	}
	c.JSON(http.StatusOK, nonNil(cycles))
}

func (s *Server) handleLatestCycle(c *gin.Context) {
	if s.scheduler != nil {
		if last, ok := s.scheduler.Last(); ok {
			c.JSON(http.StatusOK, last)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no cycle has completed yet"})
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	logger.For("api").Error().Err(err).Str("path", c.Request.URL.Path).Msg("❌ " + msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", msg, err)})
}

// queryLimit reads ?limit=. It writes a 400 and reports false when invalid.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 10000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit %q", raw)})
		return 0, false
	}
	return n, true
}

// parseTime accepts RFC3339 or unix milliseconds.
func parseTime(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or unix milliseconds", raw)
	}
	return t, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log := logger.For("api")
	log.Info().Str("addr", addr).Msg("🌐 API server started")
	log.Info().Msg("  • GET  /api/agents            - agent list")
	log.Info().Msg("  • GET  /api/agents/:id        - one agent's state")
	log.Info().Msg("  • GET  /api/leaderboard       - agents ranked by PnL%")
	log.Info().Msg("  • GET  /api/positions         - positions (?agent_id=&status=&limit=)")
	log.Info().Msg("  • GET  /api/trades            - trades (?agent_id=&kind=&limit=)")
	log.Info().Msg("  • GET  /api/snapshots         - balance history (?agent_id=&since=&limit=)")
	log.Info().Msg("  • GET  /api/cycles            - cycle summaries (?limit=)")
	log.Info().Msg("  • GET  /health                - health check")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	log.Info().Msg("⏹  API server stopped")
	return nil
}
