// Package api serves the read-only status surface. Handlers only read
// published pipeline snapshots and the journal; they never reach into
// the evaluation loop.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gamma-trading-bot/internal/engine"
	"gamma-trading-bot/internal/journal"
	"gamma-trading-bot/internal/state"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ServerConfig holds the HTTP server settings
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	ProductionMode bool
}

// Feed reports bar stream liveness for the health endpoint
type Feed interface {
	IsRunning() bool
	LastMessageAt() time.Time
}

// Server is the HTTP status server
type Server struct {
	config     ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	engines    map[string]*engine.Engine
	store      state.Store
	journal    *journal.DB // nil when the journal is disabled
	feed       Feed        // nil when no stream is attached
	startedAt  time.Time
	logger     zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, engines map[string]*engine.Engine, store state.Store,
	jdb *journal.DB, feed Feed, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		config:    config,
		router:    router,
		engines:   engines,
		store:     store,
		journal:   jdb,
		feed:      feed,
		startedAt: time.Now(),
		logger:    logger.With().Str("component", "api").Logger(),
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatusAll)
		api.GET("/status/:symbol", s.handleStatus)
		api.GET("/gaps/:symbol", s.handleGaps)
		api.GET("/zones/:symbol", s.handleZones)
		api.GET("/risk/:symbol", s.handleRisk)
		api.GET("/trades/:symbol", s.handleTrades)
	}
}

// Start starts the HTTP server and blocks until it exits
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP server starting")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("HTTP server shutting down")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports liveness plus the state-store availability that
// gates trading and the bar stream's freshness
func (s *Server) handleHealth(c *gin.Context) {
	storeOK := s.store.Available()
	status := "healthy"
	code := http.StatusOK
	if !storeOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	resp := gin.H{
		"status":          status,
		"store_available": storeOK,
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
	}
	if s.feed != nil {
		resp["feed_running"] = s.feed.IsRunning()
		if last := s.feed.LastMessageAt(); !last.IsZero() {
			resp["feed_last_message"] = last
		}
		if !s.feed.IsRunning() {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}

func (s *Server) handleStatusAll(c *gin.Context) {
	out := make(map[string]*engine.Status, len(s.engines))
	for sym, eng := range s.engines {
		out[sym] = eng.Status()
	}
	successResponse(c, out)
}

func (s *Server) handleStatus(c *gin.Context) {
	st, ok := s.statusFor(c)
	if !ok {
		return
	}
	successResponse(c, st)
}

func (s *Server) handleGaps(c *gin.Context) {
	st, ok := s.statusFor(c)
	if !ok {
		return
	}
	successResponse(c, st.Gaps)
}

func (s *Server) handleZones(c *gin.Context) {
	st, ok := s.statusFor(c)
	if !ok {
		return
	}
	successResponse(c, gin.H{
		"regime":   st.Regime,
		"degraded": st.Degraded,
		"zones":    st.Zones,
	})
}

func (s *Server) handleRisk(c *gin.Context) {
	st, ok := s.statusFor(c)
	if !ok {
		return
	}
	successResponse(c, st.Risk)
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.journal == nil {
		errorResponse(c, http.StatusNotImplemented, "trade journal disabled")
		return
	}
	symbol := strings.ToUpper(c.Param("symbol"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	trades, err := s.journal.Recent(ctx, symbol, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("journal query failed")
		errorResponse(c, http.StatusInternalServerError, "journal query failed")
		return
	}

	today := time.Now().UTC().Format("2006-01-02")
	dailyReturn, closedToday, err := s.journal.DailyReturn(ctx, symbol, today)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("daily return query failed")
	}
	successResponse(c, gin.H{
		"trades":               trades,
		"daily_return_percent": dailyReturn,
		"closed_today":         closedToday,
	})
}

// statusFor resolves the symbol parameter to a published status
func (s *Server) statusFor(c *gin.Context) (*engine.Status, bool) {
	symbol := strings.ToUpper(c.Param("symbol"))
	eng, ok := s.engines[symbol]
	if !ok {
		errorResponse(c, http.StatusNotFound, fmt.Sprintf("unknown symbol %q", symbol))
		return nil, false
	}
	st := eng.Status()
	if st == nil {
		errorResponse(c, http.StatusServiceUnavailable, "no bars processed yet")
		return nil, false
	}
	return st, true
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
