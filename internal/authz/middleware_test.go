package authz

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/crust/internal/auth"
	"github.com/felixgeelhaar/crust/internal/metrics"
	"github.com/felixgeelhaar/crust/internal/session"
)

type staticSource struct{ snap session.Snapshot }

func (s staticSource) Snapshot() session.Snapshot { return s.snap }

func strPtr(s string) *string { return &s }

var (
	checking  = session.Snapshot{State: session.Checking, IsLoading: true}
	anonymous = session.Snapshot{State: session.Anonymous, SessionChecked: true}
	user      = session.Snapshot{
		State:          session.Authenticated,
		SessionChecked: true,
		User:           &session.User{ID: "u1", Username: "nonna", ExpiresAt: time.Now().Add(time.Hour)},
	}
)

func with(s session.Snapshot, mutate func(*session.Snapshot)) session.Snapshot {
	mutate(&s)
	return s
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("content"))
})

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGuards(t *testing.T) {
	admin := with(user, func(s *session.Snapshot) { s.IsAdmin = true })
	staff := with(user, func(s *session.Snapshot) { s.IsStaff = true })

	tests := []struct {
		name     string
		snap     session.Snapshot
		guard    func(*Guards) func(http.Handler) http.Handler
		wantCode int
		wantLoc  string
	}{
		{"checked waits", checking, func(g *Guards) func(http.Handler) http.Handler { return g.RequireSessionChecked }, http.StatusServiceUnavailable, ""},
		{"checked passes", anonymous, func(g *Guards) func(http.Handler) http.Handler { return g.RequireSessionChecked }, http.StatusOK, ""},
		{"user never redirects while checking", checking, func(g *Guards) func(http.Handler) http.Handler { return g.RequireUser }, http.StatusServiceUnavailable, ""},
		{"user redirects anonymous", anonymous, func(g *Guards) func(http.Handler) http.Handler { return g.RequireUser }, http.StatusFound, "/login?next=%2Frecipes%3Fpage%3D2"},
		{"user allows", user, func(g *Guards) func(http.Handler) http.Handler { return g.RequireUser }, http.StatusOK, ""},
		{"admin denies plain user", user, func(g *Guards) func(http.Handler) http.Handler { return g.RequireAdmin }, http.StatusForbidden, ""},
		{"admin denies staff", staff, func(g *Guards) func(http.Handler) http.Handler { return g.RequireAdmin }, http.StatusForbidden, ""},
		{"admin allows", admin, func(g *Guards) func(http.Handler) http.Handler { return g.RequireAdmin }, http.StatusOK, ""},
		{"admin redirects anonymous", anonymous, func(g *Guards) func(http.Handler) http.Handler { return g.RequireAdmin }, http.StatusFound, "/login?next=%2Frecipes%3Fpage%3D2"},
		{"staff allows", staff, func(g *Guards) func(http.Handler) http.Handler { return g.RequireStaff }, http.StatusOK, ""},
		{"staff denies admin", admin, func(g *Guards) func(http.Handler) http.Handler { return g.RequireStaff }, http.StatusForbidden, ""},
		{"suspended passes others", user, func(g *Guards) func(http.Handler) http.Handler { return g.BlockSuspended }, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(staticSource{tt.snap})
			w := serve(tt.guard(g)(ok), "/recipes?page=2")
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantLoc != "" {
				assert.Equal(t, tt.wantLoc, w.Header().Get("Location"))
			}
		})
	}
}

func TestBlockSuspendedRendersNoticeWithUser(t *testing.T) {
	suspended := with(user, func(s *session.Snapshot) {
		s.IsSuspended = true
		s.Profile = &auth.Profile{Username: strPtr("nonna"), Email: strPtr("nonna@example.com"), IsSuspended: true}
	})

	w := serve(New(staticSource{suspended}).BlockSuspended(ok), "/")
	require.Equal(t, http.StatusForbidden, w.Code)

	var notice SuspensionNotice
	require.NoError(t, json.NewDecoder(w.Body).Decode(&notice))
	assert.Equal(t, "suspended", notice.Error)
	assert.Equal(t, "nonna", notice.Username)
	assert.Equal(t, "nonna@example.com", notice.Email)
	assert.NotContains(t, w.Body.String(), "content")
}

func TestCustomSuspendedHandler(t *testing.T) {
	suspended := with(user, func(s *session.Snapshot) { s.IsSuspended = true })
	custom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, ok := SnapshotFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "u1", snap.User.ID)
		w.WriteHeader(http.StatusTeapot)
	})

	w := serve(New(staticSource{suspended}, WithSuspendedHandler(custom)).BlockSuspended(ok), "/")
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestLoginRouteOption(t *testing.T) {
	w := serve(New(staticSource{anonymous}, WithLoginRoute("/signin")).RequireUser(ok), "/")
	assert.Equal(t, "/signin?next=%2F", w.Header().Get("Location"))
}

func TestSessionCheckedPinsSnapshot(t *testing.T) {
	var pinned session.Snapshot
	h := New(staticSource{user}).RequireSessionChecked(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pinned, _ = SnapshotFromContext(r.Context())
	}))
	serve(h, "/")
	assert.Equal(t, "u1", pinned.User.ID)
	assert.Equal(t, "1", serve(New(staticSource{checking}).RequireSessionChecked(ok), "/").Header().Get("Retry-After"))
}

func TestGuardMetrics(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	g := New(staticSource{user}, WithMetrics(m))

	serve(g.RequireAdmin(ok), "/admin")
	serve(g.RequireUser(ok), "/")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardDecisions.WithLabelValues("admin", "deny")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GuardDecisions.WithLabelValues("user", "allow")))
}
