package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/felixgeelhaar/crust/internal/auth"
	"github.com/felixgeelhaar/crust/internal/authz"
	"github.com/felixgeelhaar/crust/internal/health"
	"github.com/felixgeelhaar/crust/internal/notify"
	"github.com/felixgeelhaar/crust/internal/session"
)

func (s *Server) writeProbe(w http.ResponseWriter, result *health.ProbeResult, unhealthyStatus int) {
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = unhealthyStatus
	}
	writeJSON(w, status, result)
}

// Liveness answers 200 even while shutting down.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.deps.Probes.CheckLiveness(r.Context()), http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.deps.Probes.CheckReadiness(r.Context()), http.StatusServiceUnavailable)
}

func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.deps.Probes.CheckStartup(r.Context()), http.StatusServiceUnavailable)
}

// SessionResponse is the body of GET /session.
type SessionResponse struct {
	Session session.Snapshot `json:"session"`
	Notices []notify.Message `json:"notices,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	resp := SessionResponse{Session: s.deps.Controller.Snapshot()}
	if s.deps.Notices != nil {
		resp.Notices = s.deps.Notices.Recent()
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

// LoginPage is the body of GET /login.
type LoginPage struct {
	Next    string           `json:"next"`
	Notices []notify.Message `json:"notices,omitempty"`
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	if s.deps.Controller.Snapshot().SignedIn() {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	page := LoginPage{Next: next}
	if s.deps.Notices != nil {
		page.Notices = s.deps.Notices.Recent()
	}
	writeJSON(w, http.StatusOK, page)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Next     string `json:"next"`
}

func readCredentials(w http.ResponseWriter, r *http.Request) (credentials, error) {
	var c credentials
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&c)
		return c, err
	}
	if err := r.ParseForm(); err != nil {
		return c, err
	}
	c.Email = r.PostForm.Get("email")
	c.Password = r.PostForm.Get("password")
	c.Next = r.PostForm.Get("next")
	return c, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.SignIn == nil {
		writeJSON(w, http.StatusNotImplemented, authz.ErrorResponse{Error: "not_supported", Message: "password sign-in is not configured"})
		return
	}

	creds, err := readCredentials(w, r)
	if err != nil || creds.Email == "" || creds.Password == "" {
		writeJSON(w, http.StatusBadRequest, authz.ErrorResponse{Error: "bad_request", Message: "email and password are required"})
		return
	}

	if _, err := s.deps.SignIn.SignInWithPassword(r.Context(), creds.Email, creds.Password); err != nil {
		s.logger.WithError(err).Warn("sign-in failed")
		status := http.StatusBadGateway
		code := "backend_error"
		if auth.IsAuthError(err, auth.ErrInvalidCredentials) {
			status, code = http.StatusUnauthorized, "invalid_credentials"
		}
		writeJSON(w, status, authz.ErrorResponse{Error: code, Message: "sign-in failed"})
		return
	}

	// A signed-out controller no longer follows auth events.
	if s.deps.Controller.Snapshot().State == session.SignedOut {
		if err := s.deps.Controller.Initialize(r.Context()); err != nil {
			s.logger.WithError(err).Warn("session restart after sign-in failed")
		}
	}

	http.Redirect(w, r, safeNext(creds.Next), http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.SignOut(r.Context()); err != nil {
		s.logger.Debug("logout without session", "error", err)
	}
	http.Redirect(w, r, session.LoginRoute, http.StatusSeeOther)
}

// HomePage is the body of the guarded pages.
type HomePage struct {
	Area    string        `json:"area"`
	User    *session.User `json:"user"`
	IsAdmin bool          `json:"is_admin"`
	IsStaff bool          `json:"is_staff"`
}

func (s *Server) page(r *http.Request, area string) HomePage {
	snap, ok := authz.SnapshotFromContext(r.Context())
	if !ok {
		snap = s.deps.Controller.Snapshot()
	}
	return HomePage{Area: area, User: snap.User, IsAdmin: snap.IsAdmin, IsStaff: snap.IsStaff}
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.page(r, "home"))
}

func (s *Server) handleArea(area string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.page(r, area))
	}
}

// safeNext only allows local absolute paths as redirect targets.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	if u, err := url.Parse(next); err != nil || u.Host != "" || u.Scheme != "" {
		return "/"
	}
	return next
}
