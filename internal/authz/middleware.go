// Package authz holds the HTTP route guards driven by the session
// controller's snapshot.
//
// The guards are UI gates. They decide what the app shell renders; the
// backing store's own row-level policies are what actually protect data.
package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/felixgeelhaar/crust/internal/metrics"
	"github.com/felixgeelhaar/crust/internal/session"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const snapshotContextKey contextKey = "authz:snapshot"

// SnapshotSource is satisfied by *session.Controller.
type SnapshotSource interface {
	Snapshot() session.Snapshot
}

// Guards builds route middleware over a snapshot source.
type Guards struct {
	source     SnapshotSource
	metrics    *metrics.Metrics
	loginRoute string
	suspended  http.Handler
}

// Option configures Guards.
type Option func(*Guards)

// WithMetrics counts guard decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guards) { g.metrics = m }
}

// WithLoginRoute overrides where anonymous users are sent.
func WithLoginRoute(route string) Option {
	return func(g *Guards) { g.loginRoute = route }
}

// WithSuspendedHandler replaces the default suspension notice.
func WithSuspendedHandler(h http.Handler) Option {
	return func(g *Guards) { g.suspended = h }
}

// New creates guards reading from source.
func New(source SnapshotSource, opts ...Option) *Guards {
	g := &Guards{
		source:     source,
		loginRoute: session.LoginRoute,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.suspended == nil {
		g.suspended = http.HandlerFunc(writeSuspended)
	}
	return g
}

// snapshot returns the request's pinned snapshot, falling back to the source.
func (g *Guards) snapshot(r *http.Request) session.Snapshot {
	if snap, ok := SnapshotFromContext(r.Context()); ok {
		return snap
	}
	return g.source.Snapshot()
}

// RequireSessionChecked answers 503 until the initial session check has
// settled, so no guard redirects a user who is about to be recognised.
// It pins the snapshot to the request for the guards after it.
func (g *Guards) RequireSessionChecked(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := g.source.Snapshot()
		if !snap.SessionChecked {
			g.metrics.RecordGuard("session_checked", "wait")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "session_checking", "session check in progress")
			return
		}
		g.metrics.RecordGuard("session_checked", "allow")
		next.ServeHTTP(w, r.WithContext(SetSnapshotInContext(r.Context(), snap)))
	})
}

// RequireUser redirects anonymous requests to the login route, carrying
// the original path in the next parameter.
func (g *Guards) RequireUser(next http.Handler) http.Handler {
	return g.RequireSessionChecked(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.snapshot(r).SignedIn() {
			g.metrics.RecordGuard("user", "redirect")
			target := g.loginRoute + "?next=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		g.metrics.RecordGuard("user", "allow")
		next.ServeHTTP(w, r)
	}))
}

// RequireAdmin answers 403 unless the user has the admin role.
func (g *Guards) RequireAdmin(next http.Handler) http.Handler {
	return g.requireRole("admin", func(s session.Snapshot) bool { return s.IsAdmin }, next)
}

// RequireStaff answers 403 unless the user has the staff role.
func (g *Guards) RequireStaff(next http.Handler) http.Handler {
	return g.requireRole("staff", func(s session.Snapshot) bool { return s.IsStaff }, next)
}

func (g *Guards) requireRole(role string, has func(session.Snapshot) bool, next http.Handler) http.Handler {
	return g.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !has(g.snapshot(r)) {
			g.metrics.RecordGuard(role, "deny")
			writeError(w, http.StatusForbidden, "forbidden", role+" role required")
			return
		}
		g.metrics.RecordGuard(role, "allow")
		next.ServeHTTP(w, r)
	}))
}

// BlockSuspended renders the suspension notice instead of next for
// suspended users. The user stays signed in.
func (g *Guards) BlockSuspended(next http.Handler) http.Handler {
	return g.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.snapshot(r).IsSuspended {
			g.metrics.RecordGuard("suspended", "block")
			g.suspended.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// SetSnapshotInContext pins a snapshot to the request context.
func SetSnapshotInContext(ctx context.Context, snap session.Snapshot) context.Context {
	return context.WithValue(ctx, snapshotContextKey, snap)
}

// SnapshotFromContext returns the pinned snapshot, if any.
func SnapshotFromContext(ctx context.Context) (session.Snapshot, bool) {
	snap, ok := ctx.Value(snapshotContextKey).(session.Snapshot)
	return snap, ok
}

// Error response helpers

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuspensionNotice is the body rendered for suspended users.
type SuspensionNotice struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}

func writeSuspended(w http.ResponseWriter, r *http.Request) {
	snap, _ := SnapshotFromContext(r.Context())

	notice := SuspensionNotice{
		Error:   "suspended",
		Message: "Your account has been suspended. Contact the moderators if you think this is a mistake.",
	}
	if snap.User != nil {
		notice.Username = snap.User.Username
		notice.Email = snap.User.Email
	}
	if snap.Profile != nil && snap.Profile.Email != nil {
		notice.Email = *snap.Profile.Email
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(notice)
}
