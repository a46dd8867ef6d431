package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/crust/internal/auth"
	"github.com/felixgeelhaar/crust/internal/metrics"
)

func TestScheduleArmsExactlyLeewayBeforeExpiry(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
	}{
		{"one hour", time.Hour},
		{"ten minutes", 10 * time.Minute},
		{"just over leeway", RefreshLeeway + time.Millisecond},
		{"one week", 7 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{current: newSession("u1", t0.Add(tt.expiresIn))}
			h := newHarness(t, p, nil)

			require.NoError(t, h.c.Initialize(context.Background()))

			assert.Equal(t, t0.Add(tt.expiresIn-RefreshLeeway), h.nextRefresh(t))
			refreshes, _ := p.counts()
			assert.Zero(t, refreshes)
		})
	}
}

func TestTimerDoesNotFireEarly(t *testing.T) {
	p := &fakeProvider{
		current:   newSession("u1", t0.Add(time.Hour)),
		refreshes: []refreshResult{{session: newSession("u1", t0.Add(2*time.Hour))}},
	}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))

	h.clock.Step(55*time.Minute - time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	refreshes, _ := p.counts()
	assert.Zero(t, refreshes)

	h.clock.Step(time.Millisecond)
	require.Eventually(t, func() bool { n, _ := p.counts(); return n == 1 }, waitFor, tick)
}

func TestDueSessionRefreshesImmediately(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
	}{
		{"exactly at leeway", RefreshLeeway},
		{"inside leeway", 3 * time.Minute},
		{"already expired", -time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{
				current:   newSession("u1", t0.Add(tt.expiresIn)),
				refreshes: []refreshResult{{session: newSession("u1", t0.Add(time.Hour))}},
			}
			h := newHarness(t, p, nil)

			require.NoError(t, h.c.Initialize(context.Background()))

			require.Eventually(t, func() bool { n, _ := p.counts(); return n == 1 }, waitFor, tick)
			require.Eventually(t, func() bool {
				at, ok := h.c.NextRefresh()
				return ok && at.Equal(t0.Add(55*time.Minute))
			}, waitFor, tick)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Refreshes.WithLabelValues(metrics.OutcomeImmediate)))
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshTimers))
		})
	}
}

func TestRefreshChain(t *testing.T) {
	p := &fakeProvider{
		current: newSession("u1", t0.Add(10*time.Minute)),
		refreshes: []refreshResult{
			{session: newSession("u1", t0.Add(70*time.Minute))},
			{session: newSession("u1", t0.Add(130*time.Minute))},
		},
	}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))
	assert.Equal(t, t0.Add(5*time.Minute), h.nextRefresh(t))

	h.clock.Step(5 * time.Minute)
	require.Eventually(t, func() bool {
		at, ok := h.c.NextRefresh()
		return ok && at.Equal(t0.Add(65*time.Minute))
	}, waitFor, tick)

	snap := h.c.Snapshot()
	assert.Equal(t, Authenticated, snap.State)
	assert.Equal(t, t0.Add(70*time.Minute), snap.User.ExpiresAt)

	// Nothing more fires until the new timer is due.
	h.clock.Step(59 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	refreshes, _ := p.counts()
	assert.Equal(t, 1, refreshes, "old timer never fires twice")

	h.clock.Step(time.Minute)
	require.Eventually(t, func() bool { n, _ := p.counts(); return n == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		at, ok := h.c.NextRefresh()
		return ok && at.Equal(t0.Add(125*time.Minute))
	}, waitFor, tick)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Refreshes.WithLabelValues(metrics.OutcomeSuccess)))
}

func TestRefreshFailureForcesSignOut(t *testing.T) {
	p := &fakeProvider{
		current:   newSession("u1", t0.Add(time.Hour)),
		refreshes: []refreshResult{{err: auth.NewError(auth.ErrRefreshFailed, "refresh token revoked", nil)}},
	}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))

	h.clock.Step(55 * time.Minute)
	require.Eventually(t, func() bool { return h.c.Snapshot().State == SignedOut }, waitFor, tick)

	notices, redirects := h.ui.snapshot()
	assert.Equal(t, []string{ExpiredNotice}, notices, "exactly one notice")
	assert.Equal(t, []string{LoginRoute}, redirects)
	_, signOuts := p.counts()
	assert.Equal(t, 1, signOuts)

	h.ui.mu.Lock()
	assert.Equal(t, []string{"notice", "redirect:/login"}, h.ui.order)
	h.ui.mu.Unlock()

	snap := h.c.Snapshot()
	assert.Nil(t, snap.User)
	assert.False(t, snap.IsAdmin)
	_, armed := h.c.NextRefresh()
	assert.False(t, armed)
	assert.Equal(t, 1, h.artifacts.Clears())

	// No retry.
	h.clock.Step(time.Hour)
	time.Sleep(20 * time.Millisecond)
	refreshes, _ := p.counts()
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SignOuts.WithLabelValues(metrics.ReasonRefreshFailed)))
}

func TestRefreshReturningNoSessionIsFailure(t *testing.T) {
	p := &fakeProvider{
		current:   newSession("u1", t0.Add(time.Hour)),
		refreshes: []refreshResult{{}},
	}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))

	h.clock.Step(55 * time.Minute)
	require.Eventually(t, func() bool { return h.c.Snapshot().State == SignedOut }, waitFor, tick)
}

func TestTokenRefreshedSupersedesPendingTimer(t *testing.T) {
	p := &fakeProvider{
		current:   newSession("u1", t0.Add(time.Hour)),
		refreshes: []refreshResult{{session: newSession("u1", t0.Add(3*time.Hour))}},
	}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))
	require.Equal(t, t0.Add(55*time.Minute), h.nextRefresh(t))

	p.emit(auth.Event{Type: auth.EventTokenRefreshed, Session: newSession("u1", t0.Add(2*time.Hour))})
	assert.Equal(t, t0.Add(115*time.Minute), h.nextRefresh(t))

	// Passing the old fire time does nothing.
	h.clock.Step(time.Hour)
	time.Sleep(20 * time.Millisecond)
	refreshes, _ := p.counts()
	assert.Zero(t, refreshes, "superseded timer must not fire")

	h.clock.Step(55 * time.Minute)
	require.Eventually(t, func() bool { n, _ := p.counts(); return n == 1 }, waitFor, tick)
	assert.LessOrEqual(t, testutil.ToFloat64(h.metrics.RefreshTimers), 1.0)
}

func TestTokenRefreshedInsideLeewayDoesNotLoop(t *testing.T) {
	p := &fakeProvider{current: newSession("u1", t0.Add(time.Hour))}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))

	p.emit(auth.Event{Type: auth.EventTokenRefreshed, Session: newSession("u1", t0.Add(4*time.Minute))})

	assert.Equal(t, t0.Add(2*time.Minute), h.nextRefresh(t))
	time.Sleep(20 * time.Millisecond)
	refreshes, _ := p.counts()
	assert.Zero(t, refreshes)
}

func TestRefreshReturningExpiredSessionSignsOut(t *testing.T) {
	p := &fakeProvider{
		current:   newSession("u1", t0.Add(time.Hour)),
		refreshes: []refreshResult{{session: newSession("u1", t0.Add(50*time.Minute))}},
	}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))

	h.clock.Step(55 * time.Minute)
	require.Eventually(t, func() bool { return h.c.Snapshot().State == SignedOut }, waitFor, tick)

	notices, redirects := h.ui.snapshot()
	assert.Equal(t, []string{ExpiredNotice}, notices)
	assert.Equal(t, []string{LoginRoute}, redirects)
	_, armed := h.c.NextRefresh()
	assert.False(t, armed, "an expired session must not be re-armed")
	refreshes, _ := p.counts()
	assert.Equal(t, 1, refreshes)
}

func TestTokenRefreshedWithExpiredSessionSignsOut(t *testing.T) {
	p := &fakeProvider{current: newSession("u1", t0.Add(time.Hour))}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))

	p.emit(auth.Event{Type: auth.EventTokenRefreshed, Session: newSession("u1", t0.Add(-time.Second))})

	assert.Equal(t, SignedOut, h.c.Snapshot().State)
	_, armed := h.c.NextRefresh()
	assert.False(t, armed)
	notices, _ := h.ui.snapshot()
	assert.Equal(t, []string{ExpiredNotice}, notices)
}

func TestAtMostOneTimer(t *testing.T) {
	p := &fakeProvider{current: newSession("u1", t0.Add(time.Hour))}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))

	for i := 1; i <= 10; i++ {
		p.emit(auth.Event{Type: auth.EventTokenRefreshed, Session: newSession("u1", t0.Add(time.Duration(i)*time.Hour))})
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshTimers))
	}
	p.emit(auth.Event{Type: auth.EventSignedIn, Session: newSession("u1", t0.Add(time.Hour))})
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshTimers))

	h.c.Teardown()
	assert.Zero(t, testutil.ToFloat64(h.metrics.RefreshTimers))
}

func TestTimerAfterTeardownIsNoop(t *testing.T) {
	p := &fakeProvider{
		current:   newSession("u1", t0.Add(time.Hour)),
		refreshes: []refreshResult{{session: newSession("u1", t0.Add(2*time.Hour))}},
	}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))

	h.c.Teardown()
	h.clock.Step(2 * time.Hour)
	time.Sleep(20 * time.Millisecond)

	refreshes, _ := p.counts()
	assert.Zero(t, refreshes)
	notices, redirects := h.ui.snapshot()
	assert.Empty(t, notices)
	assert.Empty(t, redirects)
}

func TestSignOutDuringRefreshDropsResult(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{
		current:     newSession("u1", t0.Add(time.Hour)),
		refreshes:   []refreshResult{{session: newSession("u1", t0.Add(2*time.Hour))}},
		refreshGate: gate,
	}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))

	h.clock.Step(55 * time.Minute)
	require.Eventually(t, func() bool { return h.c.Snapshot().State == Refreshing }, waitFor, tick)

	p.emit(auth.Event{Type: auth.EventSignedOut})
	close(gate)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Refreshes.WithLabelValues(metrics.OutcomeStale)) == 1
	}, waitFor, tick)
	snap := h.c.Snapshot()
	assert.Equal(t, SignedOut, snap.State)
	assert.Nil(t, snap.User, "late refresh result must not resurrect the session")
	_, armed := h.c.NextRefresh()
	assert.False(t, armed)
}

func TestTokenRefreshedDuringRefreshWins(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{
		current:     newSession("u1", t0.Add(time.Hour)),
		refreshes:   []refreshResult{{session: newSession("u1", t0.Add(90*time.Minute))}},
		refreshGate: gate,
	}
	h := newHarness(t, p, nil)
	require.NoError(t, h.c.Initialize(context.Background()))

	h.clock.Step(55 * time.Minute)
	require.Eventually(t, func() bool { return h.c.Snapshot().State == Refreshing }, waitFor, tick)

	winner := newSession("u1", t0.Add(3*time.Hour))
	p.emit(auth.Event{Type: auth.EventTokenRefreshed, Session: winner})
	close(gate)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Refreshes.WithLabelValues(metrics.OutcomeStale)) == 1
	}, waitFor, tick)
	assert.Equal(t, winner, h.c.Session())
	assert.Equal(t, t0.Add(3*time.Hour-RefreshLeeway), h.nextRefresh(t))
}
