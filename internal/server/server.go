// Package server wires the optimizer core together and exposes its HTTP
// surface: the operator API, the realtime metrics endpoints, Prometheus
// metrics, and the decision event WebSocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cementai/optimizer/internal/audit"
	"github.com/cementai/optimizer/internal/autonomy"
	"github.com/cementai/optimizer/internal/config"
	"github.com/cementai/optimizer/internal/controller"
	"github.com/cementai/optimizer/internal/db"
	"github.com/cementai/optimizer/internal/executor"
	"github.com/cementai/optimizer/internal/middleware"
	"github.com/cementai/optimizer/internal/models"
	"github.com/cementai/optimizer/internal/notify"
	"github.com/cementai/optimizer/internal/plant"
	"github.com/cementai/optimizer/internal/recommend"
	"github.com/cementai/optimizer/internal/rollback"
)

// Server is the optimizer process: control loop, autonomy workflow, rollback
// monitor, and the HTTP API over all of them.
type Server struct {
	config *config.Config
	logger *zap.Logger

	// Core components
	auditLog   audit.Logger
	store      db.Store
	clients    *plant.Clients
	engine     *recommend.Engine
	manager    *autonomy.Manager
	executor   *executor.Executor
	monitor    *rollback.Monitor
	controller *controller.Controller
	hub        *notify.Hub
	limiter    *middleware.RateLimiter

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a server from validated configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := srv.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return srv, nil
}

// initializeComponents builds and wires every core component.
func (s *Server) initializeComponents() error {
	// 1. Audit trail: file-based, with the database as a second sink.
	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: s.config.Logging.AuditLogPath,
		AppLogPath:   s.config.Logging.AppLogPath,
		MaxSize:      100,
		MaxBackups:   10,
		MaxAge:       90,
		Compress:     true,
		LogLevel:     s.config.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	s.auditLog = auditLog

	// 2. Persistence
	store, err := db.NewSQLiteStore(s.config.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = store
	auditLog.SetSink(&dbAuditSink{store: store})

	// 3. External collaborator clients
	s.clients = plant.NewClients(plant.Config{
		SnapshotBaseURL:   s.config.Plant.SnapshotBaseURL,
		PredictionBaseURL: s.config.Plant.PredictionBaseURL,
		ControlBaseURL:    s.config.Plant.ControlBaseURL,
		KPIBaseURL:        s.config.Plant.KPIBaseURL,
		ApprovalBaseURL:   s.config.Plant.ApprovalBaseURL,
		Timeout:           time.Duration(s.config.Plant.TimeoutSeconds) * time.Second,
	})

	// 4. Decision pipeline
	s.hub = notify.NewHub(s.config.Server.AllowedOrigins, s.logger)
	s.engine = recommend.NewEngine(s.config.Engine)
	s.manager = autonomy.NewManager(s.config.Autonomy, s.store, s.auditLog, s.logger, s.clients.Approvals, s.hub)
	s.executor = executor.New(s.config.Executor, s.config.Rollback, s.store, s.clients.Control, s.clients.KPI, s.manager, s.auditLog, s.logger)
	s.manager.OnApproved = func(ctx context.Context, d *models.AutonomyDecision) {
		if err := s.executor.Execute(ctx, d); err != nil {
			s.logger.Error("execute decision", zap.String("decision_id", d.ID), zap.Error(err))
		}
	}
	s.monitor = rollback.NewMonitor(s.config.Rollback, s.store, s.clients.Control, s.clients.KPI, s.manager, s.auditLog, s.logger)
	s.controller = controller.New(s.config.Plant, s.clients.Snapshots, s.clients.Predictor, s.engine, s.manager, s.store, s.logger)
	s.limiter = middleware.NewRateLimiter(120)

	return nil
}

// Start brings up the control loop and the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.manager.Recover(s.ctx); err != nil {
		return fmt.Errorf("recover in-flight decisions: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.controller.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.manager.Run(s.ctx, 15*time.Second)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(s.ctx)
	}()

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP server listening", zap.Int("port", s.config.Server.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server", zap.Error(err))
		}
	}()

	s.logger.Info("optimizer started",
		zap.Int("lines", len(s.config.Plant.Lines)),
		zap.Int("poll_interval_s", s.config.Plant.PollIntervalSeconds),
		zap.Int("rollback_horizon_min", s.config.Rollback.HorizonMinutes),
	)
	return nil
}

// Stop gracefully stops the control loop, then the HTTP server, then the
// shared resources.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping optimizer")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP shutdown", zap.Error(err))
		}
	}

	s.cancel()
	s.wg.Wait()

	s.limiter.Stop()
	s.hub.Close()
	if err := s.auditLog.Close(); err != nil {
		s.logger.Warn("close audit logger", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close store", zap.Error(err))
	}

	s.logger.Info("optimizer stopped")
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning reports whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// registerHandlers registers HTTP handlers.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	// Probes
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/info", s.handleInfo)

	// Control loop surface
	mux.HandleFunc("/api/v1/snapshot", s.limiter.Wrap(s.handleSnapshotPush))
	mux.HandleFunc("/api/v1/recommendations", s.handleRecommendations)
	mux.HandleFunc("/api/v1/metrics/realtime", s.handleRealtimeMetrics)

	// Decision workflow. Verdict endpoints mutate plant control, so they sit
	// behind the rate limiter.
	mux.HandleFunc("/api/v1/decisions", s.handleDecisionsList)
	mux.HandleFunc("/api/v1/decisions/pending", s.handleDecisionsPending)
	mux.HandleFunc("/api/v1/decisions/", s.limiter.Wrap(s.handleDecisionByID))

	// Audit trail
	mux.HandleFunc("/api/v1/audit", s.handleAuditQuery)

	// Observability
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.hub.ServeWS)
}
