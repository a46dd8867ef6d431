// Package profile reads application profiles from the backend's data store.
//
// Two sources exist: the hosted REST data API (the default, subject to the
// store's row-level policies) and a direct Postgres connection for operators
// running next to the database.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/felixgeelhaar/crust/internal/auth"
	"github.com/felixgeelhaar/crust/internal/telemetry"
)

// DefaultTable is the profiles table name.
const DefaultTable = "profiles"

const columns = "username,email,is_admin,is_staff,is_suspended"

// SessionSource yields the session whose access token authorises reads.
// auth.Provider satisfies it.
type SessionSource interface {
	GetCurrentSession(ctx context.Context) (*auth.Session, error)
}

// RESTConfig configures a RESTFetcher.
type RESTConfig struct {
	URL        string
	AnonKey    string
	Table      string
	Sessions   SessionSource
	HTTPClient *http.Client
}

// RESTFetcher reads profiles through the REST data API.
type RESTFetcher struct {
	baseURL    string
	anonKey    string
	table      string
	sessions   SessionSource
	httpClient *http.Client
}

var _ auth.ProfileFetcher = (*RESTFetcher)(nil)

// NewRESTFetcher creates a REST profile fetcher.
func NewRESTFetcher(cfg RESTConfig) *RESTFetcher {
	f := &RESTFetcher{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		table:      cfg.Table,
		sessions:   cfg.Sessions,
		httpClient: cfg.HTTPClient,
	}
	if f.table == "" {
		f.table = DefaultTable
	}
	if f.httpClient == nil {
		f.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return f
}

type row struct {
	Username    *string `json:"username"`
	Email       *string `json:"email"`
	IsAdmin     bool    `json:"is_admin"`
	IsStaff     bool    `json:"is_staff"`
	IsSuspended bool    `json:"is_suspended"`
}

func (r row) profile() *auth.Profile {
	return &auth.Profile{
		Username:    r.Username,
		Email:       r.Email,
		IsAdmin:     r.IsAdmin,
		IsStaff:     r.IsStaff,
		IsSuspended: r.IsSuspended,
	}
}

// FetchProfile implements auth.ProfileFetcher.
func (f *RESTFetcher) FetchProfile(ctx context.Context, userID string) (*auth.Profile, error) {
	ctx, span := telemetry.StartBackendSpan(ctx, "profiles", "rest")
	defer span.End()

	p, err := f.fetch(ctx, userID)
	switch {
	case errors.Is(err, auth.ErrProfileNotFound):
		telemetry.RecordSuccess(span, attribute.Bool("profile.found", false))
	case err != nil:
		telemetry.RecordError(span, err)
	default:
		telemetry.RecordSuccess(span, attribute.Bool("profile.found", true))
	}
	return p, err
}

func (f *RESTFetcher) fetch(ctx context.Context, userID string) (*auth.Profile, error) {
	client, err := f.authorisedClient(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("id", "eq."+userID)
	q.Set("select", columns)
	endpoint := fmt.Sprintf("%s/rest/v1/%s?%s", f.baseURL, url.PathEscape(f.table), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.anonKey != "" {
		req.Header.Set("apikey", f.anonKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, auth.WrapError(auth.ErrProfileFetchFailed, "profile request failed", err,
			map[string]any{"user_id": userID})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, auth.NewError(auth.ErrProfileFetchFailed,
			fmt.Sprintf("data API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			map[string]any{"user_id": userID, "status": resp.StatusCode})
	}

	var rows []row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, auth.WrapError(auth.ErrProfileFetchFailed, "failed to decode profile", err,
			map[string]any{"user_id": userID})
	}
	if len(rows) == 0 {
		return nil, auth.NewError(auth.ErrProfileMissing, "profile not found", map[string]any{"user_id": userID})
	}
	return rows[0].profile(), nil
}

// authorisedClient returns an HTTP client that sends the session's access
// token, or the anon key when nobody is signed in.
func (f *RESTFetcher) authorisedClient(ctx context.Context) (*http.Client, error) {
	var token *oauth2.Token
	if f.sessions != nil {
		session, err := f.sessions.GetCurrentSession(ctx)
		if err != nil {
			return nil, auth.WrapError(auth.ErrProfileFetchFailed, "no session to authorise profile read", err, nil)
		}
		if session != nil {
			token = session.Token()
		}
	}
	if token == nil {
		token = &oauth2.Token{AccessToken: f.anonKey, TokenType: "Bearer"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)), nil
}
