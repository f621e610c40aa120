package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"deplight/internal/config"
	"deplight/internal/console"
	"deplight/internal/deployment"
	"deplight/internal/gateway"
	"deplight/internal/history"
	"deplight/internal/model"
	"deplight/internal/realtime"
	"deplight/internal/store"
)

const (
	// HTTP server timeouts. WriteTimeout is left unset because websocket
	// connections are long-lived.
	HTTPReadHeaderTimeout = 10 * time.Second
	HTTPIdleTimeout       = 60 * time.Second

	// DefaultRequestTimeout bounds plain HTTP handlers.
	DefaultRequestTimeout = 30 * time.Second

	// WebhookRateLimit is the per-IP webhook limit per minute.
	WebhookRateLimit = 4
)

// Deployer starts, redeploys and wakes deployments.
type Deployer interface {
	StartDeploy(ctx context.Context, req deployment.DeployRequest) (model.Deployment, error)
}

// RollbackStarter starts rollbacks.
type RollbackStarter interface {
	StartRollback(ctx context.Context, id, actor string) (model.Deployment, error)
}

// Options holds the collaborators of a Server. Gateway, Rooms, Store,
// Deployer and Rollback are required.
type Options struct {
	Gateway  *gateway.Gateway
	Rooms    *realtime.Broadcaster
	Store    store.Store
	Deployer Deployer
	Rollback RollbackStarter
	History  *history.History
	Hooks    *config.HookRegistry
	Console  *console.Console
	Logger   *slog.Logger

	// Metrics, when set, is served at MetricsPath (default /metrics).
	Metrics     http.Handler
	MetricsPath string

	StaticDir         string
	AllowedOrigins    []string
	RequestTimeout    time.Duration
	RequestsPerMinute int
	CommandRate       rate.Limit
	CommandBurst      int

	// TestMode disables the per-IP request limits.
	TestMode bool
}

// Server represents the HTTP server
type Server struct {
	opts   Options
	logger *slog.Logger

	httpServer *http.Server

	// sessionCtx is cancelled on shutdown to end every session.
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	sessions      sync.WaitGroup
}

// NewServer creates a new server instance
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hooks == nil {
		opts.Hooks = config.NewHookRegistry(nil)
	}
	if opts.Console == nil {
		opts.Console = console.New(time.Second)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 60
	}
	if opts.CommandRate <= 0 {
		opts.CommandRate = 5
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 10
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:          opts,
		logger:        opts.Logger,
		sessionCtx:    ctx,
		cancelSession: cancel,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.logger))

	if !s.opts.TestMode {
		r.Use(NewRateLimitMiddleware(s.opts.RequestsPerMinute, s.logger))
	}

	// The websocket route must not inherit the request timeout.
	r.Get("/ws", s.HandleWebsocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Get("/health", s.HandleHealth)
		r.Get("/status/{deploymentID}", s.HandleStatus)
		if s.opts.Metrics != nil {
			r.Method(http.MethodGet, s.opts.MetricsPath, s.opts.Metrics)
		}

		if !s.opts.TestMode {
			r.With(NewWebhookRateLimitMiddleware(WebhookRateLimit, s.logger)).Post("/in/{deploymentID}", s.HandleWebhook)
		} else {
			r.Post("/in/{deploymentID}", s.HandleWebhook)
		}

		if s.opts.StaticDir != "" {
			r.Handle("/*", StaticHandler(s.opts.StaticDir))
		}
	})

	return r
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting server", "addr", addr)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: HTTPReadHeaderTimeout,
		IdleTimeout:       HTTPIdleTimeout,
	}

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// WaitForSessions blocks until every websocket session has ended.
func (s *Server) WaitForSessions() {
	s.sessions.Wait()
}

// Shutdown stops accepting requests, ends every session and waits for
// pending console replies.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.cancelSession()

	done := make(chan struct{})
	go func() {
		s.WaitForSessions()
		s.opts.Console.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
