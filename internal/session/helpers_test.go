package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/felixgeelhaar/crust/internal/auth"
	"github.com/felixgeelhaar/crust/internal/log"
	"github.com/felixgeelhaar/crust/internal/metrics"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newSession(userID string, expiresAt time.Time) *auth.Session {
	return &auth.Session{
		UserID:       userID,
		ExpiresAt:    expiresAt,
		AccessToken:  "at-" + userID + "-" + expiresAt.Format(time.RFC3339),
		RefreshToken: "rt-" + userID,
		RawClaims:    map[string]any{"email": userID + "@example.com"},
	}
}

func strPtr(s string) *string { return &s }

// fakeProvider is a scripted auth.Provider. Events are delivered
// synchronously on the caller's goroutine.
type fakeProvider struct {
	mu sync.Mutex

	current    *auth.Session
	currentErr error
	getCalls   int

	// refreshes are returned in order; the last one repeats.
	refreshes    []refreshResult
	refreshCalls int
	refreshGate  chan struct{}

	signOutCalls int
	signOutErr   error
	signOutGate  chan struct{}

	handler      func(auth.Event)
	subscribes   int
	unsubscribes int
	initial      bool
}

type refreshResult struct {
	session *auth.Session
	err     error
}

func (p *fakeProvider) GetCurrentSession(ctx context.Context) (*auth.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++
	return p.current, p.currentErr
}

func (p *fakeProvider) RefreshSession(ctx context.Context) (*auth.Session, error) {
	p.mu.Lock()
	p.refreshCalls++
	gate := p.refreshGate
	var res refreshResult
	if n := len(p.refreshes); n > 0 {
		res = p.refreshes[0]
		if n > 1 {
			p.refreshes = p.refreshes[1:]
		}
	} else {
		res.err = errors.New("no scripted refresh")
	}
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return res.session, res.err
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.signOutCalls++
	gate := p.signOutGate
	err := p.signOutErr
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (p *fakeProvider) Subscribe(fn func(auth.Event)) auth.Subscription {
	p.mu.Lock()
	p.subscribes++
	p.handler = fn
	initial := p.initial
	current := p.current
	p.mu.Unlock()

	if initial {
		fn(auth.Event{Type: auth.EventInitialSession, Session: current})
	}
	return &fakeSubscription{p: p, fn: fn}
}

type fakeSubscription struct {
	p    *fakeProvider
	fn   func(auth.Event)
	once sync.Once
}

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.p.mu.Lock()
		defer s.p.mu.Unlock()
		s.p.unsubscribes++
		s.p.handler = nil
	})
}

func (p *fakeProvider) emit(ev auth.Event) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (p *fakeProvider) counts() (refreshes, signOuts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls, p.signOutCalls
}

func (p *fakeProvider) subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

// fakeProfiles returns a fixed profile or error per user.
type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*auth.Profile
	err      error
	calls    []string
	gate     chan struct{}
}

func (f *fakeProfiles) FetchProfile(ctx context.Context, userID string) (*auth.Profile, error) {
	f.mu.Lock()
	f.calls = append(f.calls, userID)
	gate := f.gate
	p, ok := f.profiles[userID]
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, auth.ErrProfileNotFound
	}
	return p, nil
}

func (f *fakeProfiles) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// ui records notices and redirects.
type ui struct {
	mu        sync.Mutex
	notices   []string
	redirects []string
	order     []string
}

func (u *ui) Notify(_ context.Context, text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notices = append(u.notices, text)
	u.order = append(u.order, "notice")
}

func (u *ui) Redirect(_ context.Context, route string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.redirects = append(u.redirects, route)
	u.order = append(u.order, "redirect:"+route)
}

func (u *ui) snapshot() (notices, redirects []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.notices...), append([]string(nil), u.redirects...)
}

type harness struct {
	c         *Controller
	provider  *fakeProvider
	profiles  *fakeProfiles
	artifacts *auth.MemoryStore
	ui        *ui
	clock     *clocktesting.FakeClock
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, p *fakeProvider, profiles *fakeProfiles) *harness {
	t.Helper()
	if profiles == nil {
		profiles = &fakeProfiles{}
	}

	h := &harness{
		provider:  p,
		profiles:  profiles,
		artifacts: auth.NewMemoryStore(),
		ui:        &ui{},
		clock:     clocktesting.NewFakeClock(t0),
		metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	}
	require.NoError(t, h.artifacts.Save(context.Background(), newSession("persisted", t0.Add(time.Hour))))

	c, err := New(Config{
		Provider:  p,
		Profiles:  profiles,
		Artifacts: h.artifacts,
		Notifier:  h.ui,
		Navigator: h.ui,
		Clock:     h.clock,
		Logger:    log.Discard(),
		Metrics:   h.metrics,
	})
	require.NoError(t, err)
	h.c = c
	t.Cleanup(c.Teardown)
	return h
}

func (h *harness) nextRefresh(t *testing.T) time.Time {
	t.Helper()
	at, ok := h.c.NextRefresh()
	require.True(t, ok, "expected an armed refresh timer")
	return at
}
