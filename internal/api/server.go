// Package api serves the monitoring HTTP interface: engine status, the
// active position, liquidity zones, and the trade journal.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"dhan-trading-bot/internal/bot"
	"dhan-trading-bot/internal/database"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/position"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ProductionMode  bool
	ShutdownTimeout time.Duration
}

// Server is the monitoring API over the running engine.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig

	engine  *bot.Engine
	journal *database.Journal // nil when the database is disabled
	logger  *logging.Logger

	startedAt time.Time
}

// NewServer creates the API server. journal may be nil.
func NewServer(config ServerConfig, engine *bot.Engine, journal *database.Journal, logger *logging.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || config.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:    router,
		config:    config,
		engine:    engine,
		journal:   journal,
		logger:    logger.WithComponent("api"),
		startedAt: time.Now(),
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/position", s.handlePosition)
		api.GET("/zones/:symbol", s.handleZones)
		api.GET("/trades", s.handleTrades)
		api.POST("/position/exit", s.handleForceExit)
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handlePosition(c *gin.Context) {
	pos, ok := s.engine.Manager().Active()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "position": pos})
}

func (s *Server) handleZones(c *gin.Context) {
	symbol := c.Param("symbol")
	// read the engine's published snapshot; the live tracker belongs to the
	// feed goroutine
	view, ok := s.engine.Zones(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":             symbol,
		"zones":              view.Zones,
		"summary":            view.Summary,
		"nearest_support":    view.NearestSupport,
		"nearest_resistance": view.NearestResistance,
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.journal == nil {
		// no database: serve the in-memory history
		c.JSON(http.StatusOK, gin.H{"trades": s.engine.Manager().History()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	trades, err := s.journal.ListTrades(ctx, 100, 0)
	if err != nil {
		s.logger.Error("trade history query failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// handleForceExit closes the active position at market, for operator
// intervention.
func (s *Server) handleForceExit(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()
	if err := s.engine.Manager().ForceExit(ctx, position.ExitAdmin); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "exit requested"})
}
