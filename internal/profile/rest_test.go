package profile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/crust/internal/auth"
)

type staticSessions struct {
	session *auth.Session
	err     error
}

func (s staticSessions) GetCurrentSession(context.Context) (*auth.Session, error) {
	return s.session, s.err
}

func TestRESTFetcher(t *testing.T) {
	var gotAuth, gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/profiles", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("apikey")
		gotQuery = r.URL.RawQuery

		switch r.URL.Query().Get("id") {
		case "eq.admin":
			_, _ = w.Write([]byte(`[{"username":"nonna","email":null,"is_admin":true,"is_staff":false,"is_suspended":false}]`))
		case "eq.broken":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("upstream timeout"))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	session := &auth.Session{UserID: "admin", AccessToken: "user-token", ExpiresAt: time.Now().Add(time.Hour)}
	f := NewRESTFetcher(RESTConfig{URL: srv.URL, AnonKey: "anon", Sessions: staticSessions{session: session}})
	ctx := context.Background()

	p, err := f.FetchProfile(ctx, "admin")
	require.NoError(t, err)
	require.NotNil(t, p.Username)
	assert.Equal(t, "nonna", *p.Username)
	assert.Nil(t, p.Email)
	assert.True(t, p.IsAdmin)
	assert.False(t, p.IsStaff)
	assert.Equal(t, "Bearer user-token", gotAuth)
	assert.Equal(t, "anon", gotKey)
	assert.Contains(t, gotQuery, "select=username%2Cemail%2Cis_admin%2Cis_staff%2Cis_suspended")

	_, err = f.FetchProfile(ctx, "ghost")
	assert.ErrorIs(t, err, auth.ErrProfileNotFound)

	_, err = f.FetchProfile(ctx, "broken")
	assert.True(t, auth.IsAuthError(err, auth.ErrProfileFetchFailed))
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestRESTFetcherFallsBackToAnonKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f := NewRESTFetcher(RESTConfig{URL: srv.URL, AnonKey: "anon", Sessions: staticSessions{}})
	_, _ = f.FetchProfile(context.Background(), "u1")
	assert.Equal(t, "Bearer anon", gotAuth)
}

func TestRESTFetcherSessionError(t *testing.T) {
	f := NewRESTFetcher(RESTConfig{URL: "http://unused", Sessions: staticSessions{err: errors.New("store down")}})
	_, err := f.FetchProfile(context.Background(), "u1")
	assert.True(t, auth.IsAuthError(err, auth.ErrProfileFetchFailed))
}

func TestRESTFetcherCustomTable(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f := NewRESTFetcher(RESTConfig{URL: srv.URL + "/", Table: "pizzaiolo_profiles"})
	_, _ = f.FetchProfile(context.Background(), "u1")
	assert.Equal(t, "/rest/v1/pizzaiolo_profiles", path)
}
