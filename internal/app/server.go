package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fenestra/quotehub/internal/autopilot"
	"github.com/fenestra/quotehub/internal/httpapi"
	"github.com/fenestra/quotehub/internal/logging"
	"github.com/fenestra/quotehub/internal/metrics"
	"github.com/fenestra/quotehub/internal/resource"
	"github.com/fenestra/quotehub/internal/session"
	"github.com/fenestra/quotehub/internal/store"
	"github.com/fenestra/quotehub/internal/tracing"
	"github.com/fenestra/quotehub/internal/ws"
)

// Server composes the control plane: credential registry, resource
// manager, autopilot scheduler, Postgres store, and the HTTP surface.
type Server struct {
	cfg    Config
	logger *slog.Logger

	r         *chi.Mux
	registry  *session.Registry
	resources *resource.Manager
	scheduler *autopilot.Scheduler
	store     store.Store
	metrics   *metrics.Registry

	httpSrv   *http.Server
	traceStop func(context.Context) error
	cancel    context.CancelFunc
	bg        sync.WaitGroup
}

// NewServer builds the server from config. Nothing starts running until
// Start.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.Observability.LogLevel)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.Server.API.Proxy {
		r.Use(middleware.RealIP)
	}
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	m := metrics.New()
	r.Use(m.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{corsOrigin(cfg.API)},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	api := cfg.Server.API
	registry := session.NewRegistry(api.AccessTTL(), api.RefreshTTL(), api.MaxTokensPerUser, logger)
	scheduler := autopilot.NewScheduler(logger).WithDispatchCounter(m.TasksDispatchedTotal)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		r:         r,
		registry:  registry,
		scheduler: scheduler,
		metrics:   m,
	}
	return s, nil
}

// Router returns the HTTP handler, available after Start has wired the
// store-backed routes. Exposed for tests.
func (s *Server) Router() http.Handler { return s.r }

// Start connects the store, mounts routes, launches the background loops,
// and begins serving. A failure during startup tears down only what was
// already brought up.
func (s *Server) Start(ctx context.Context) error {
	traceStop, err := tracing.Setup(tracing.Config{
		Enabled:     s.cfg.Observability.OTelEnabled,
		Endpoint:    s.cfg.Observability.OTelEndpoint,
		ServiceName: "quotehub",
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	s.traceStop = traceStop

	pg := s.cfg.Server.Postgres
	db, err := store.Connect(ctx, store.Config{
		Host:        pg.Host,
		Port:        pg.Port,
		Database:    pg.Database,
		User:        pg.User,
		Password:    pg.Password,
		MinPoolSize: pg.MinPoolSize,
		MaxPoolSize: pg.MaxPoolSize,
	}, s.logger)
	if err != nil {
		_ = s.traceStop(ctx)
		return err
	}
	s.store = db

	api := s.cfg.Server.API
	s.resources = resource.NewManager(map[string]resource.Loader{
		"quote": &resource.QuoteLoader{Source: db},
	}, api.Grace(), s.logger).WithEvictionCounter(s.metrics.ResourceEvictions)

	// Sessions that lose their last connection give their resource back.
	s.registry.SetReleaseFunc(s.resources.ReleaseBySession)

	httpapi.MountRoutes(s.r, httpapi.Dependencies{
		Registry:  s.registry,
		Resources: s.resources,
		Scheduler: s.scheduler,
		Store:     db,
		Metrics:   s.metrics,
		Proxy:     api.Proxy,
		WSOptions: ws.Options{
			Heartbeat:       time.Duration(api.WSHeartbeat) * time.Second,
			MaxMessageBytes: int64(api.WSMaxMessageSize) * 1024,
			MessageLimit:    api.WSMessageLimit,
			MessageInterval: time.Duration(api.WSMessageInterval) * time.Second,
		},
	})

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.bg.Add(3)
	go func() {
		defer s.bg.Done()
		s.registry.RunSweeper(bgCtx, api.SweepInterval())
	}()
	go func() {
		defer s.bg.Done()
		s.resources.RunSweeper(bgCtx, api.SweepInterval())
	}()
	go func() {
		defer s.bg.Done()
		s.scheduler.Run(bgCtx)
	}()

	s.httpSrv = &http.Server{
		Addr:              api.Addr(),
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server listening", slog.String("addr", api.Addr()))
	if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts everything down in reverse startup order: HTTP listener,
// background loops, store, tracing.
func (s *Server) Stop(ctx context.Context) error {
	var firstErr error

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cancel != nil {
		s.cancel()
		s.bg.Wait()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.logger.Info("server stopped")
	return firstErr
}

// corsOrigin derives the allowed browser origin from the [api] section.
func corsOrigin(api APIConfig) string {
	if api.Local {
		return "*"
	}
	scheme := "http"
	if api.Secure {
		scheme = "https"
	}
	return scheme + "://" + api.Domain
}
