// Package api serves the engine status and control HTTP API
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"longbridge-quant-bot/internal/circuit"
	"longbridge-quant-bot/internal/database"
	"longbridge-quant-bot/internal/events"
	"longbridge-quant-bot/internal/logging"
	"longbridge-quant-bot/internal/metrics"
	"longbridge-quant-bot/internal/monitor"
	"longbridge-quant-bot/internal/orders"
	"longbridge-quant-bot/internal/recovery"
)

// Refresher re-runs recovery on demand
type Refresher interface {
	Refresh(ctx context.Context) (*recovery.Result, error)
}

// Journal reads persisted lifecycle events
type Journal interface {
	Recent(ctx context.Context, symbol string, limit int) ([]database.JournalEntry, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Deps are the engine parts the API reads and controls
type Deps struct {
	Ledger    *orders.Ledger
	Monitor   *monitor.Monitor
	Recovery  Refresher
	Journal   Journal // nil when the database is disabled
	Breaker   *circuit.Breaker
	Bus       *events.EventBus
	Checks    map[string]HealthCheck
	StartedAt time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port             int
	Host             string
	AllowedOrigins   []string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ProductionMode   bool
	RefreshPerMinute int // control calls that reach the brokerage
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	deps       Deps
	tokens     *TokenManager
	hub        *WSHub
	logger     zerolog.Logger

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer creates a new API server. tokens may be nil when auth is disabled.
func NewServer(config ServerConfig, deps Deps, tokens *TokenManager, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.RefreshPerMinute <= 0 {
		config.RefreshPerMinute = 6
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		config:   config,
		deps:     deps,
		tokens:   tokens,
		logger:   logger.With().Str("component", "API").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}
	if deps.Bus != nil {
		s.hub = NewWSHub(s.logger)
		go s.hub.Run()
		deps.Bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/ledger/:symbol/:direction", s.handleLedger)
		api.GET("/orders", s.handleOrders)
		api.GET("/gate", s.handleGate)
		api.GET("/events", s.handleEvents)
		api.GET("/circuit", s.handleCircuit)
	}

	control := api.Group("")
	control.Use(RequireToken(s.tokens))
	{
		control.POST("/gate/open", s.handleGateOpen)
		control.POST("/gate/close", s.handleGateClose)
		control.POST("/recovery/refresh", s.rateLimit(s.config.RefreshPerMinute), s.handleRefresh)
	}

	if s.hub != nil {
		s.router.GET("/ws/events", s.handleWebSocket)
	}

	s.router.NoRoute(func(c *gin.Context) {
		errorResponse(c, http.StatusNotFound, "API endpoint not found")
	})
}

// rateLimit limits a route to perMinute calls with a burst of one
func (s *Server) rateLimit(perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		s.limitMu.Lock()
		limiter, ok := s.limiters[path]
		if !ok {
			limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
			s.limiters[path] = limiter
		}
		s.limitMu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "Too many requests to this endpoint",
				"path":    path,
			})
			return
		}
		c.Next()
	}
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// ==================== HANDLERS ====================

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	components := make(map[string]string, len(s.deps.Checks))
	healthy := true
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			healthy = false
			continue
		}
		components[name] = "healthy"
	}

	status := http.StatusOK
	label := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":         label,
		"components":     components,
		"gate_open":      s.deps.Monitor.Gate().IsOpen(),
		"tracked_orders": s.deps.Monitor.Len(),
		"uptime_seconds": int64(time.Since(s.deps.StartedAt).Seconds()),
	})
}

// LedgerResponse is the ledger view of one seat
type LedgerResponse struct {
	Snapshot     orders.EntrySnapshot `json:"snapshot"`
	Stats        orders.EntryStats    `json:"stats"`
	CostAverage  *float64             `json:"cost_average"`
	PendingSells []orders.PendingSell `json:"pending_sells"`
}

func (s *Server) handleLedger(c *gin.Context) {
	symbol := c.Param("symbol")
	direction := strings.ToUpper(c.Param("direction"))
	if !orders.IsValidDirection(direction) {
		errorResponse(c, http.StatusBadRequest, "direction must be LONG or SHORT")
		return
	}
	dir := orders.Direction(direction)

	resp := LedgerResponse{
		Snapshot:     s.deps.Ledger.Snapshot(symbol, dir),
		Stats:        s.deps.Ledger.Stats(symbol, dir),
		PendingSells: s.deps.Ledger.PendingSells(symbol, dir),
	}
	if avg, ok := s.deps.Ledger.CostAveragePrice(symbol, dir); ok {
		resp.CostAverage = &avg
	}
	successResponse(c, resp)
}

func (s *Server) handleOrders(c *gin.Context) {
	tracked := s.deps.Monitor.Orders()
	if symbol := c.Query("symbol"); symbol != "" {
		filtered := tracked[:0]
		for _, o := range tracked {
			if o.Symbol == symbol {
				filtered = append(filtered, o)
			}
		}
		tracked = filtered
	}
	successResponse(c, tracked)
}

func (s *Server) handleGate(c *gin.Context) {
	successResponse(c, gin.H{"open": s.deps.Monitor.Gate().IsOpen()})
}

func (s *Server) handleGateOpen(c *gin.Context) {
	s.setGate(c, true)
}

func (s *Server) handleGateClose(c *gin.Context) {
	s.setGate(c, false)
}

func (s *Server) setGate(c *gin.Context, open bool) {
	gate := s.deps.Monitor.Gate()
	if open {
		gate.Open()
		if s.deps.Breaker != nil {
			s.deps.Breaker.ForceReset()
		}
	} else {
		gate.Close()
	}
	subject, _ := c.Get(ContextKeySubject)
	s.logger.Warn().Bool("open", open).Interface("by", subject).Msg("Execution gate changed")
	s.deps.Bus.Publish(events.Event{
		Type: events.EventGateChanged,
		Data: map[string]interface{}{"open": open, "source": "api"},
	})
	successResponse(c, gin.H{"open": gate.IsOpen()})
}

func (s *Server) handleCircuit(c *gin.Context) {
	if s.deps.Breaker == nil {
		errorResponse(c, http.StatusServiceUnavailable, "circuit breaker not configured")
		return
	}
	successResponse(c, s.deps.Breaker.GetStats())
}

func (s *Server) handleRefresh(c *gin.Context) {
	if s.deps.Recovery == nil {
		errorResponse(c, http.StatusServiceUnavailable, "recovery not available")
		return
	}
	result, err := s.deps.Recovery.Refresh(c.Request.Context())
	if err != nil {
		logger := logging.FromContext(c.Request.Context())
		logger.Error().Err(err).Msg("Forced recovery failed")
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, result)
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.deps.Journal == nil {
		errorResponse(c, http.StatusServiceUnavailable, "event journal disabled")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.deps.Journal.Recent(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, entries)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
