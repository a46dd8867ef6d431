// Package server is the HTTP app shell: health probes, metrics, the session
// snapshot and the guarded pages.
//
// Graceful shutdown fails readiness first, then drains connections up to
// ShutdownTimeout.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixgeelhaar/crust/internal/auth"
	"github.com/felixgeelhaar/crust/internal/authz"
	"github.com/felixgeelhaar/crust/internal/health"
	"github.com/felixgeelhaar/crust/internal/log"
	"github.com/felixgeelhaar/crust/internal/metrics"
	"github.com/felixgeelhaar/crust/internal/notify"
	"github.com/felixgeelhaar/crust/internal/session"
)

// Controller is the part of *session.Controller the shell needs.
type Controller interface {
	Initialize(ctx context.Context) error
	Snapshot() session.Snapshot
	SignOut(ctx context.Context) error
}

// PasswordSignIn is satisfied by *gotrue.Client. A successful sign-in
// reaches the controller as a SIGNED_IN event.
type PasswordSignIn interface {
	SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error)
}

// Config holds server configuration.
type Config struct {
	// Address is the listen address (e.g., ":8080").
	Address string

	// ShutdownTimeout bounds connection draining. Defaults to 30s.
	ShutdownTimeout time.Duration

	// Read, write and idle timeouts default to 10s, 10s and 60s.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout is applied per request by middleware. Defaults to 30s.
	RequestTimeout time.Duration
}

// Deps are the collaborators the routes are built on.
type Deps struct {
	Controller Controller
	SignIn     PasswordSignIn
	Notices    *notify.Center
	Probes     *health.ProbeManager
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *log.Logger
}

// Server provides the HTTP app shell.
type Server struct {
	httpServer      *http.Server
	deps            Deps
	guards          *authz.Guards
	logger          *log.Logger
	inShutdown      atomic.Bool
	shutdownTimeout time.Duration
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = log.DefaultLogger()
	}
	if deps.Probes == nil {
		deps.Probes = health.NewProbeManager("")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		deps:            deps,
		guards:          authz.New(deps.Controller, authz.WithMetrics(deps.Metrics)),
		logger:          deps.Logger.WithComponent("server"),
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.routes(cfg.RequestTimeout),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes(timeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(timeout))

	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/startup", s.handleStartup)
	r.Get("/healthz", s.handleReadiness)
	r.Method(http.MethodGet, "/metrics", metrics.HandlerFor(s.deps.Gatherer))

	r.Get("/session", s.handleSession)
	r.Get(session.LoginRoute, s.handleLoginPage)
	r.Post(session.LoginRoute, s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.guards.BlockSuspended)
		r.Get("/", s.handleHome)
		r.With(s.guards.RequireAdmin).Get("/admin", s.handleArea("admin"))
		r.With(s.guards.RequireStaff).Get("/staff", s.handleArea("staff"))
	})

	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start marks the service initialized and serves until shutdown. The
// caller is expected to have run the controller's initial check first.
// Returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	s.deps.Probes.MarkInitialized()
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown fails readiness, disables keep-alives and drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.deps.Probes.MarkShutdown()
	s.httpServer.SetKeepAlivesEnabled(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// IsShuttingDown returns whether the server is shutting down.
func (s *Server) IsShuttingDown() bool {
	return s.inShutdown.Load()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
