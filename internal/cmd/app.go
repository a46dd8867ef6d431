package cmd

import (
	"context"
	"net/http"

	"k8s.io/utils/clock"

	"github.com/felixgeelhaar/crust/internal/auth"
	"github.com/felixgeelhaar/crust/internal/auth/gotrue"
	"github.com/felixgeelhaar/crust/internal/auth/redisstore"
	"github.com/felixgeelhaar/crust/internal/config"
	crusterrors "github.com/felixgeelhaar/crust/internal/errors"
	"github.com/felixgeelhaar/crust/internal/health"
	"github.com/felixgeelhaar/crust/internal/log"
	"github.com/felixgeelhaar/crust/internal/metrics"
	"github.com/felixgeelhaar/crust/internal/notify"
	"github.com/felixgeelhaar/crust/internal/profile"
	"github.com/felixgeelhaar/crust/internal/session"
)

// app holds the collaborators built from configuration.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	metrics  *metrics.Metrics
	store    auth.ArtifactStore
	client   *gotrue.Client
	profiles auth.ProfileFetcher
	notices  *notify.Center
	checkers []health.Checker
	closers  []func()
}

// newApp validates cfg and connects the stores it selects. m may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger, m *metrics.Metrics) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		notices: notify.NewCenter(notify.WithLogger(logger)),
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.client = gotrue.New(gotrue.Config{
		URL:        cfg.Backend.URL,
		AnonKey:    cfg.Backend.AnonKey,
		Store:      a.store,
		HTTPClient: &http.Client{Timeout: cfg.Backend.Timeout},
		Logger:     logger,
	})
	a.closers = append(a.closers, a.client.Close)
	a.checkers = append(a.checkers, health.NewBackendChecker("auth-backend", health.PingFunc(a.client.Health)))

	if err := a.openProfiles(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Session.Store {
	case "memory":
		a.store = auth.NewMemoryStore()
	case "redis":
		rs, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			Key:      a.cfg.Session.RedisKey,
			TTL:      a.cfg.Session.RedisTTL,
		})
		if err != nil {
			return crusterrors.NewBackendUnreachableError(a.cfg.Redis.Addr, err)
		}
		a.store = rs
		a.closers = append(a.closers, func() { _ = rs.Close() })
		a.checkers = append(a.checkers, health.NewOptionalChecker("artifact-redis", rs))
	default:
		a.store = auth.NewFileStore(a.cfg.Session.ArtifactPath)
	}
	return nil
}

func (a *app) openProfiles(ctx context.Context) error {
	switch a.cfg.Profiles.Source {
	case "rest":
		a.profiles = profile.NewRESTFetcher(profile.RESTConfig{
			URL:        a.cfg.Backend.URL,
			AnonKey:    a.cfg.Backend.AnonKey,
			Table:      a.cfg.Profiles.Table,
			Sessions:   a.client,
			HTTPClient: &http.Client{Timeout: a.cfg.Backend.Timeout},
		})
	case "postgres":
		pool, err := profile.Connect(ctx, a.cfg.Database.URL, a.cfg.Database.MaxConns)
		if err != nil {
			return crusterrors.Wrap(crusterrors.ErrCodeProfileFetchFailed, "failed to connect to the profile database", err)
		}
		a.profiles = profile.NewPostgresFetcher(pool, a.cfg.Profiles.Table)
		a.closers = append(a.closers, pool.Close)
		a.checkers = append(a.checkers, health.NewOptionalChecker("profile-postgres", pool))
	default:
		return crusterrors.NewProfileSourceError(a.cfg.Profiles.Source)
	}
	return nil
}

// controller builds a session controller over the app's collaborators.
func (a *app) controller() (*session.Controller, error) {
	return session.New(session.Config{
		Provider:  a.client,
		Profiles:  a.profiles,
		Artifacts: a.store,
		Notifier:  a.notices,
		Navigator: a.notices,
		Clock:     clock.RealClock{},
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// backendError turns provider failures into CLI errors with suggestions.
func backendError(cfg *config.Config, err error) error {
	switch {
	case err == nil:
		return nil
	case auth.IsAuthError(err, auth.ErrProviderUnavailable):
		return crusterrors.NewBackendUnreachableError(cfg.Backend.URL, err)
	case auth.IsAuthError(err, auth.ErrInvalidCredentials):
		return crusterrors.Wrap(crusterrors.ErrCodeBackendAuth, "sign-in rejected", err).
			WithSuggestion("Check your email and password")
	default:
		return err
	}
}
