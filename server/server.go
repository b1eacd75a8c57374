// Package server wires the application components together and owns the
// HTTP lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/api"
	"github.com/agentdeck/agentdeck/config"
	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/discovery"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/notifications"
	"github.com/agentdeck/agentdeck/sessions"
)

// Server owns and coordinates all application components
type Server struct {
	cfg *config.Config

	// Components (owned by server)
	registry     *sessions.Registry
	sessionSvc   *sessions.Service
	reconciler   *sessions.Reconciler
	scanner      *discovery.Scanner
	importer     *discovery.Importer
	watcher      *discovery.Watcher
	notifService *notifications.Service

	// Shutdown context - cancelled when server is shutting down.
	// Long-running handlers (WebSocket, SSE) should listen to this.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// HTTP
	router *gin.Engine
	http   *http.Server
}

// New creates a new server with all components initialized
func New(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	// 1. Open database (runs migrations)
	log.Info().Str("path", cfg.DatabasePath).Msg("initializing database")
	db.GetDB()

	// 2. Notifications service
	log.Info().Msg("initializing notifications service")
	s.notifService = notifications.NewService()

	// 3. Session service over the registry and persistence port
	log.Info().Msg("initializing session service")
	store := sessions.NewDBStore()
	s.registry = sessions.NewRegistry()
	s.sessionSvc = sessions.NewService(store, sessions.NewCLILauncher(), s.registry, sessions.ServiceOptions{
		MaxSessions: cfg.MaxSessions,
		OnChange:    s.notifService.NotifySessionChanged,
	})

	// 4. Health reconciler
	s.reconciler = sessions.NewReconciler(store, s.registry, cfg.ReconcileInterval, s.notifService.NotifySessionChanged)

	// 5. Transcript discovery
	log.Info().Str("root", cfg.TranscriptsDir).Msg("initializing discovery")
	s.scanner = discovery.NewScanner(cfg.TranscriptsDir)
	s.importer = discovery.NewImporter(store, s.scanner)

	watcher, err := discovery.NewWatcher(s.scanner, s.notifService.NotifyDiscoveryChanged)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create discovery watcher: %w", err)
	}
	s.watcher = watcher

	// 6. HTTP router
	s.setupRouter()

	log.Info().Msg("server initialized successfully")
	return s, nil
}

// setupRouter creates and configures the Gin router
func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()

	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	// CORS for development
	if s.cfg.IsDevelopment() {
		s.router.Use(s.corsMiddleware())
	}

	// Gzip compression (skip streaming endpoints)
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/api/events/stream", // SSE - needs streaming
		"/api/events/ws",     // WebSocket - protocol upgrade
		"/api/sessions",      // covers /api/sessions/:id/ws
		"/api/stream",        // covers /api/stream/:id/ws
	})))

	// Trust proxy headers
	s.router.SetTrustedProxies(nil)

	// Ignore .well-known requests
	s.router.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	handlers := api.NewHandlers(s.sessionSvc, s.scanner, s.importer, s.notifService)
	api.SetupRoutes(s.router, handlers)
}

// corsMiddleware handles CORS for development environments
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:12400": true,
			"http://localhost:12401": true,
		}

		if allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Start starts background components and the HTTP server (blocks)
func (s *Server) Start() error {
	log.Info().Msg("starting server components")

	// Reconciler first: its boot pass settles records orphaned by the
	// previous run before any handler can read them
	s.reconciler.Start()

	if err := s.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start discovery watcher: %w", err)
	}

	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(), // Route Go's internal HTTP errors through zerolog
	}

	log.Info().
		Str("addr", s.http.Addr).
		Str("env", s.cfg.Env).
		Msg("HTTP server starting")

	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// 1. Signal long-running handlers (WebSocket, SSE) to stop before
	// closing the HTTP server
	log.Info().Msg("signaling handlers to stop")
	s.shutdownCancel()

	// Give handlers a moment to process the cancellation and close
	// connections. This prevents writes on hijacked connections.
	time.Sleep(100 * time.Millisecond)

	// 2. Close notification service to cleanly disconnect SSE clients
	s.notifService.Shutdown()

	// 3. Shutdown HTTP server (stop accepting new requests and wait for
	// existing ones)
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// Stop background components (in reverse order of startup)
	s.watcher.Stop()
	s.reconciler.Stop()

	if err := s.sessionSvc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("session service shutdown error")
	}

	// Close database last
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
		return err
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// Component accessors
func (s *Server) Sessions() *sessions.Service           { return s.sessionSvc }
func (s *Server) Notifications() *notifications.Service { return s.notifService }
func (s *Server) Router() *gin.Engine                   { return s.router }
func (s *Server) ShutdownContext() context.Context      { return s.shutdownCtx }
