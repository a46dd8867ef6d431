// Package gotrue is a client for the hosted auth API fronting the backend.
//
// It implements auth.Provider: it keeps the current session, persists it
// through an auth.ArtifactStore, and emits auth events in the order the
// corresponding calls complete.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/felixgeelhaar/crust/internal/auth"
	"github.com/felixgeelhaar/crust/internal/log"
	"github.com/felixgeelhaar/crust/internal/telemetry"
)

const (
	tokenPath  = "/auth/v1/token"
	logoutPath = "/auth/v1/logout"
	userPath   = "/auth/v1/user"
	healthPath = "/auth/v1/health"
)

// Config configures a Client.
type Config struct {
	// URL is the project base URL, e.g. https://xyz.supabase.co
	URL string

	// AnonKey is the public project key sent as the apikey header.
	AnonKey string

	// Store persists the session between runs. Defaults to an in-memory store.
	Store auth.ArtifactStore

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Clock defaults to the real clock.
	Clock clock.PassiveClock

	// Logger defaults to the process-wide logger.
	Logger *log.Logger
}

// Client is the hosted auth API client.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	store      auth.ArtifactStore
	clock      clock.PassiveClock
	logger     *log.Logger
	hub        *auth.Hub

	mu      sync.Mutex
	session *auth.Session
	loaded  bool
}

var _ auth.Provider = (*Client)(nil)

// New creates a new auth API client.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		httpClient: cfg.HTTPClient,
		store:      cfg.Store,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		hub:        auth.NewHub(),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.store == nil {
		c.store = auth.NewMemoryStore()
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.logger == nil {
		c.logger = log.DefaultLogger()
	}
	c.logger = c.logger.WithComponent("gotrue")
	return c
}

// BaseURL returns the configured project URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SignInWithPassword exchanges email and password for a session and emits SIGNED_IN.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	body := map[string]string{"email": email, "password": password}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, tokenPath+"?grant_type=password", "", body, &resp); err != nil {
		return nil, err
	}

	session, err := resp.session(c.clock.Now())
	if err != nil {
		return nil, err
	}
	c.adopt(ctx, session)

	c.logger.Info("signed in", "user_id", session.UserID, "token", auth.Fingerprint(session.AccessToken))
	c.hub.Publish(auth.Event{Type: auth.EventSignedIn, Session: session})
	return session, nil
}

// RefreshSession exchanges the current refresh token for a new session and
// emits TOKEN_REFRESHED.
func (c *Client) RefreshSession(ctx context.Context) (*auth.Session, error) {
	current, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil || current.RefreshToken == "" {
		return nil, auth.NewError(auth.ErrNoRefreshToken, "no refresh token available", nil)
	}

	session, err := c.refresh(ctx, current.RefreshToken)
	if err != nil {
		return nil, err
	}

	c.hub.Publish(auth.Event{Type: auth.EventTokenRefreshed, Session: session})
	return session, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*auth.Session, error) {
	body := map[string]string{"refresh_token": refreshToken}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, tokenPath+"?grant_type=refresh_token", "", body, &resp); err != nil {
		return nil, auth.WrapError(auth.ErrRefreshFailed, "token refresh failed", err, nil)
	}

	session, err := resp.session(c.clock.Now())
	if err != nil {
		return nil, auth.WrapError(auth.ErrRefreshFailed, "token refresh failed", err, nil)
	}
	c.adopt(ctx, session)

	c.logger.Debug("token refreshed",
		"user_id", session.UserID,
		"token", auth.Fingerprint(session.AccessToken),
		"expires_at", session.ExpiresAt)
	return session, nil
}

// GetCurrentSession returns the persisted session. An expired session is
// refreshed first and TOKEN_REFRESHED is emitted for it, so subscribers never
// hold tokens the provider has rotated. nil is returned when there is no
// session or it cannot be refreshed.
func (c *Client) GetCurrentSession(ctx context.Context) (*auth.Session, error) {
	session, err := c.current(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	if !session.IsExpired(c.clock.Now()) {
		return session, nil
	}
	if session.RefreshToken == "" {
		c.forget(ctx)
		return nil, nil
	}

	refreshed, err := c.refresh(ctx, session.RefreshToken)
	if err != nil {
		if isRejected(err) {
			c.logger.WithError(err).Info("persisted session could not be refreshed")
			c.forget(ctx)
			return nil, nil
		}
		return nil, err
	}
	c.hub.Publish(auth.Event{Type: auth.EventTokenRefreshed, Session: refreshed})
	return refreshed, nil
}

// SignOut revokes the session server-side, clears the artifact and emits SIGNED_OUT.
// The local state is cleared even when the revoke call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	var revokeErr error
	if session != nil && session.AccessToken != "" {
		revokeErr = c.do(ctx, http.MethodPost, logoutPath, session.AccessToken, nil, nil)
		if isRejected(revokeErr) {
			// Token already invalid server-side.
			revokeErr = nil
		}
	}

	c.forget(ctx)
	c.hub.Publish(auth.Event{Type: auth.EventSignedOut})
	return revokeErr
}

// GetUser returns the user record for the current access token.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	session, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, auth.NewError(auth.ErrSessionInvalid, "not signed in", nil)
	}

	var user User
	if err := c.do(ctx, http.MethodGet, userPath, session.AccessToken, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Health checks the auth API health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, healthPath, "", nil, nil)
}

// Subscribe registers fn for auth events. The first event delivered is
// INITIAL_SESSION carrying the session held when Subscribe was called.
func (c *Client) Subscribe(fn func(auth.Event)) auth.Subscription {
	c.mu.Lock()
	initial := &auth.Event{Type: auth.EventInitialSession, Session: c.session}
	c.mu.Unlock()
	return c.hub.Subscribe(fn, initial)
}

// Close stops event delivery to all subscribers.
func (c *Client) Close() {
	c.hub.Close()
}

// current returns the in-memory session, loading the artifact on first use.
func (c *Client) current(ctx context.Context) (*auth.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.session, nil
	}

	session, err := c.store.Load(ctx)
	if err != nil {
		if auth.IsAuthError(err, auth.ErrArtifactCorrupt) {
			c.logger.WithError(err).Warn("discarding corrupt session artifact")
			_ = c.store.Clear(ctx)
			session = nil
		} else {
			return nil, err
		}
	}
	c.session = session
	c.loaded = true
	return session, nil
}

func (c *Client) adopt(ctx context.Context, session *auth.Session) {
	c.mu.Lock()
	c.session = session
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Save(ctx, session); err != nil {
		c.logger.WithError(err).Warn("failed to persist session artifact")
	}
}

func (c *Client) forget(ctx context.Context) {
	c.mu.Lock()
	c.session = nil
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		c.logger.WithError(err).Warn("failed to clear session artifact")
	}
}

// do performs an HTTP request against the auth API and decodes the JSON response.
func (c *Client) do(ctx context.Context, method, path, bearer string, body, target any) (err error) {
	ctx, span := telemetry.StartBackendSpan(ctx, "auth", method+" "+path)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else if c.anonKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.anonKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return auth.WrapError(auth.ErrProviderUnavailable, "auth API unreachable", err,
			map[string]any{"url": redact(c.baseURL + path)})
	}
	return parseResponse(resp, target)
}

// redact strips query parameters from a URL before it is logged.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
