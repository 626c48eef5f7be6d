package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/skim/internal/api"
	"github.com/jackzampolin/skim/internal/arxiv"
	"github.com/jackzampolin/skim/internal/config"
	"github.com/jackzampolin/skim/internal/deep"
	"github.com/jackzampolin/skim/internal/extract"
	"github.com/jackzampolin/skim/internal/fetch"
	"github.com/jackzampolin/skim/internal/history"
	"github.com/jackzampolin/skim/internal/home"
	"github.com/jackzampolin/skim/internal/pipeline"
	"github.com/jackzampolin/skim/internal/providers"
	"github.com/jackzampolin/skim/internal/scheduler"
	"github.com/jackzampolin/skim/internal/score"
	"github.com/jackzampolin/skim/internal/server/endpoints"
	"github.com/jackzampolin/skim/internal/store"
	"github.com/jackzampolin/skim/internal/svcctx"
)

// Server is the main skim HTTP server. It owns the paper store, the task
// scheduler and, when configured, the PaddleOCR sidecar container lifecycle.
type Server struct {
	httpServer    *http.Server
	home          *home.Dir
	paddleManager *extract.DockerManager
	paperStore    *store.Store
	hist          *history.Store
	sched         *scheduler.Scheduler
	registry      *providers.Registry
	configMgr     *config.Manager
	logger        *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	cancelRun context.CancelFunc
	schedDone chan struct{}

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8112)
	Port string
	// Home is the skim home directory holding the store and paper artifacts
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8112"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}

	// Create provider registry
	registry := providers.NewRegistry()
	registry.SetLogger(cfg.Logger)

	// If config manager provided, set up providers and hot reload
	if cfg.ConfigManager != nil {
		registry.Reload(cfg.ConfigManager.Get().ToProviderRegistryConfig())

		// Watch for config changes
		cfg.ConfigManager.OnChange(func(c *config.Config) {
			registry.Reload(c.ToProviderRegistryConfig())
			cfg.Logger.Info("provider registry reloaded from config")
		})
	}

	s := &Server{
		home:      cfg.Home,
		registry:  registry,
		configMgr: cfg.ConfigManager,
		logger:    cfg.Logger,
	}

	// The sidecar manager exists only when skim owns the container.
	if cfg.ConfigManager != nil {
		paddle := cfg.ConfigManager.Get().Paddle
		if paddle.Enabled && paddle.Manage {
			mgr, err := extract.NewDockerManager(extract.DockerConfig{
				ContainerName: paddle.ContainerName,
				Image:         paddle.Image,
				HostPort:      paddle.Port,
				ModelPath:     paddle.ModelDir,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create paddle manager: %w", err)
			}
			s.paddleManager = mgr
		}
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{PaddleManager: s.paddleManager}) {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start starts the server, the paper store, the scheduler and, when managed,
// the OCR sidecar. It blocks until the context is cancelled or an error
// occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.home.EnsureExists(); err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to prepare home directory: %w", err)
	}

	// Start the OCR sidecar before the pipeline needs it.
	if s.paddleManager != nil {
		if err := s.paddleManager.ValidateExisting(ctx); err != nil {
			s.setNotRunning()
			return fmt.Errorf("existing OCR container incompatible: %w", err)
		}
		s.logger.Info("starting OCR sidecar")
		if err := s.paddleManager.Start(ctx); err != nil {
			s.setNotRunning()
			return fmt.Errorf("failed to start OCR sidecar: %w", err)
		}
		s.logger.Info("OCR sidecar is ready", "url", s.paddleManager.URL())
	}

	paperStore, err := store.Open(s.home.StorePath(), s.logger)
	if err != nil {
		_ = s.shutdown()
		return fmt.Errorf("failed to open paper store: %w", err)
	}
	s.paperStore = paperStore

	s.hist = history.New(s.home, s.logger)

	var cfgSnapshot *config.Config
	if s.configMgr != nil {
		cfgSnapshot = s.configMgr.Get()
	} else {
		cfgSnapshot = config.DefaultConfig()
	}

	if months := cfgSnapshot.Defaults.HistoryKeepMonths; months > 0 {
		if removed, err := s.hist.Cleanup(months); err != nil {
			s.logger.Warn("history cleanup failed", "error", err)
		} else if removed > 0 {
			s.logger.Info("history cleanup", "removed_shards", removed)
		}
	}

	s.sched = scheduler.New(scheduler.Config{
		Runner:  s.buildPipeline(cfgSnapshot),
		History: s.hist,
		Logger:  s.logger,
	})

	// The scheduler outlives individual requests; it gets its own cancel so
	// shutdown can stop it on the HTTP-error path too.
	runCtx, cancelRun := context.WithCancel(ctx)
	s.cancelRun = cancelRun
	s.schedDone = make(chan struct{})
	go func() {
		s.sched.Run(runCtx)
		close(s.schedDone)
	}()

	// Create services struct for context enrichment
	s.services = &svcctx.Services{
		Store:     s.paperStore,
		History:   s.hist,
		Scheduler: s.sched,
		Registry:  s.registry,
		ConfigMgr: s.configMgr,
		Logger:    s.logger,
		Home:      s.home,
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// buildPipeline wires the gather pipeline from the current config snapshot.
func (s *Server) buildPipeline(cfg *config.Config) *pipeline.Pipeline {
	var paddle *extract.PaddleClient
	if cfg.Paddle.Enabled {
		baseURL := cfg.Paddle.BaseURL
		if s.paddleManager != nil {
			baseURL = s.paddleManager.URL()
		}
		paddle = extract.NewPaddleClient(extract.PaddleConfig{
			BaseURL: baseURL,
			Logger:  s.logger,
		})
	}

	// LiveDefault keeps scoring and deep analysis on the registry's current
	// default provider across config reloads.
	llm := s.registry.LiveDefault()

	return pipeline.New(pipeline.Config{
		Index:       arxiv.NewClient(arxiv.Config{Logger: s.logger}),
		Fetcher:     fetch.NewFetcher(fetch.Config{Logger: s.logger}),
		Extractor:   extract.NewExtractor(extract.Config{Paddle: paddle, Logger: s.logger}),
		Scorer:      score.NewScorer(score.Config{LLM: llm, Logger: s.logger}),
		Analyzer:    deep.NewAnalyzer(deep.Config{LLM: llm, Logger: s.logger}),
		Store:       s.paperStore,
		Home:        s.home,
		Logger:      s.logger,
		Concurrency: cfg.Defaults.Concurrency,
	})
}

// shutdown performs graceful shutdown: HTTP first, then the scheduler, then
// the sidecar and store.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop the scheduler and wait for in-flight runs to wind down.
	if s.cancelRun != nil {
		s.cancelRun()
		select {
		case <-s.schedDone:
		case <-shutdownCtx.Done():
			s.logger.Warn("scheduler did not stop before shutdown deadline")
		}
	}

	if s.paddleManager != nil {
		s.logger.Info("stopping OCR sidecar")
		if err := s.paddleManager.Stop(shutdownCtx); err != nil {
			s.logger.Error("OCR sidecar stop error", "error", err)
		}
		if err := s.paddleManager.Close(); err != nil {
			s.logger.Error("OCR sidecar manager close error", "error", err)
		}
	}

	if s.paperStore != nil {
		if err := s.paperStore.Close(); err != nil {
			s.logger.Error("paper store close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Store returns the paper store. Nil before Start.
func (s *Server) Store() *store.Store {
	return s.paperStore
}

// Scheduler returns the task scheduler. Nil before Start.
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// History returns the run-history store. Nil before Start.
func (s *Server) History() *history.Store {
	return s.hist
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.services != nil {
			ctx = svcctx.WithServices(ctx, s.services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable until the store and scheduler are ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.paperStore == nil || s.sched == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
