// Package session owns the signed-in session: it acquires it at startup,
// refreshes it before expiry, reacts to auth-state events from the
// provider, and derives the user's roles from their profile.
//
// All provider and profile calls are suspension points. After each one the
// controller compares the lifecycle epoch it started with against the
// current one and drops the result if a sign-out or teardown happened in
// between.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"k8s.io/utils/clock"

	"github.com/felixgeelhaar/crust/internal/auth"
	crusterrors "github.com/felixgeelhaar/crust/internal/errors"
	"github.com/felixgeelhaar/crust/internal/log"
	"github.com/felixgeelhaar/crust/internal/metrics"
	"github.com/felixgeelhaar/crust/internal/telemetry"
)

const (
	// RefreshLeeway is how long before expiry the refresh timer fires.
	RefreshLeeway = 5 * time.Minute

	// minRearmDelay is the shortest delay armed for a session that is
	// already inside the leeway when it is issued.
	minRearmDelay = time.Second

	// LoginRoute is where the user is sent after any sign-out.
	LoginRoute = "/login"

	// ExpiredNotice is shown once when a session is invalidated.
	ExpiredNotice = "Your session has expired. Please sign in again."
)

// Notifier shows a user-visible notice.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Navigator performs a client-side redirect.
type Navigator interface {
	Redirect(ctx context.Context, route string)
}

// Config holds the controller's collaborators. Provider is required.
type Config struct {
	Provider  auth.Provider
	Profiles  auth.ProfileFetcher
	Artifacts auth.ArtifactStore
	Notifier  Notifier
	Navigator Navigator
	Clock     clock.WithDelayedExecution
	Logger    *log.Logger
	Metrics   *metrics.Metrics
}

// Controller is the session lifecycle state machine.
type Controller struct {
	provider  auth.Provider
	profiles  auth.ProfileFetcher
	artifacts auth.ArtifactStore
	notifier  Notifier
	navigator Navigator
	clock     clock.WithDelayedExecution
	logger    *log.Logger
	metrics   *metrics.Metrics
	timer     *refreshTimer

	mu       sync.Mutex
	state    State
	session  *auth.Session
	profile  *auth.Profile
	loading  bool
	checked  bool
	epoch    uint64
	torn     bool
	sub      auth.Subscription
	lifeCtx  context.Context
	cancel   context.CancelFunc
	deferred []auth.Event
	draining bool
	// signingOut is set while signOut clears artifacts ahead of SignedOut.
	signingOut bool

	snap        atomic.Pointer[Snapshot]
	watchMu     sync.Mutex
	watchID     int
	watchers    map[int]chan Snapshot
	watchClosed bool
}

// New creates a controller in the Uninitialized state.
func New(cfg Config) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, crusterrors.New(crusterrors.ErrCodeSessionNotInitialized, "session controller needs an auth provider")
	}

	c := &Controller{
		provider:  cfg.Provider,
		profiles:  cfg.Profiles,
		artifacts: cfg.Artifacts,
		notifier:  cfg.Notifier,
		navigator: cfg.Navigator,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		lifeCtx:   context.Background(),
		watchers:  make(map[int]chan Snapshot),
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.logger == nil {
		c.logger = log.DefaultLogger()
	}
	c.logger = c.logger.WithComponent("session")

	c.timer = newRefreshTimer(c.clock)
	c.timer.onArm = c.metrics.TimerArmed
	c.timer.onRelease = c.metrics.TimerReleased

	c.snap.Store(buildSnapshot(Uninitialized, nil, nil, false, false))
	return c, nil
}

// Initialize acquires the current session, loads the profile, arms the
// refresh timer and subscribes to auth events. It returns once the session
// check has settled; SessionChecked is true afterwards.
//
// Calling Initialize on a live controller does nothing. After SignedOut or
// Teardown it starts a new lifecycle.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.signingOut || (!c.torn && c.state != Uninitialized && c.state != SignedOut) {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("initialize ignored", "state", state.String())
		return nil
	}
	oldSub := c.sub
	c.sub = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.torn = false
	c.epoch++
	epoch := c.epoch
	c.lifeCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.state = Checking
	c.session = nil
	c.profile = nil
	c.loading = true
	c.checked = false
	c.deferred = nil
	c.draining = false
	c.watchMu.Lock()
	c.watchClosed = false
	c.watchMu.Unlock()
	c.publishLocked()
	c.mu.Unlock()

	if oldSub != nil {
		oldSub.Unsubscribe()
	}

	ctx, span := telemetry.StartSessionSpan(ctx, "initialize")
	defer span.End()

	session, err := c.provider.GetCurrentSession(ctx)
	if err != nil {
		// Fail closed: an unreadable session is no session.
		c.logger.WithError(err).Warn("session acquisition failed, continuing signed out")
		c.recordError(err)
		telemetry.RecordError(span, err)
		session = nil
	}

	sub := c.provider.Subscribe(func(ev auth.Event) { c.onEvent(epoch, ev) })

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()

	var profile *auth.Profile
	if session != nil {
		profile = c.loadProfile(ctx, session.UserID)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("initialize superseded")
		return nil
	}
	c.session = session
	c.profile = profile
	c.loading = false
	c.checked = true
	if session != nil {
		c.state = Authenticated
		c.scheduleLocked(epoch, session, true)
	} else {
		c.state = Anonymous
	}
	c.draining = true
	c.publishLocked()
	state := c.state
	c.mu.Unlock()

	c.metrics.RecordInitialization(state.String())
	telemetry.RecordSuccess(span, attribute.String("state", state.String()))
	if session != nil {
		c.logger.Info("session restored", "user_id", session.UserID, "expires_at", session.ExpiresAt)
	} else {
		c.logger.Info("no session")
	}

	c.drain(epoch)
	return nil
}

// onEvent is the subscription callback. Events that arrive while the
// initial check is running are queued and handled in order afterwards.
func (c *Controller) onEvent(epoch uint64, ev auth.Event) {
	c.mu.Lock()
	if c.epoch == epoch && (c.state == Checking || c.draining) {
		c.deferred = append(c.deferred, ev)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.handleEvent(epoch, ev, false)
}

func (c *Controller) drain(epoch uint64) {
	for {
		c.mu.Lock()
		if c.epoch != epoch || len(c.deferred) == 0 {
			c.draining = false
			c.deferred = nil
			c.mu.Unlock()
			return
		}
		ev := c.deferred[0]
		c.deferred = c.deferred[1:]
		c.mu.Unlock()

		c.handleEvent(epoch, ev, true)
	}
}

// handleEvent applies one auth-state event. queued is true for events that
// arrived during the initial check.
func (c *Controller) handleEvent(epoch uint64, ev auth.Event, queued bool) {
	c.metrics.RecordAuthEvent(string(ev.Type))

	c.mu.Lock()
	if c.epoch != epoch || c.torn || c.state == SignedOut {
		c.mu.Unlock()
		return
	}

	switch {
	case ev.Type == auth.EventSignedOut:
		c.mu.Unlock()
		c.logger.Info("signed out by provider")
		c.signOut(epoch, metrics.ReasonSignedOut, false, false)
		return

	case ev.Session == nil && ev.Type != auth.EventInitialSession:
		held := c.session != nil
		c.mu.Unlock()
		if !held {
			c.logger.Debug("ignoring empty event while signed out", "event", string(ev.Type))
			return
		}
		c.logger.Warn("session invalidated unexpectedly", "event", string(ev.Type))
		c.signOut(epoch, metrics.ReasonInvalidated, true, true)
		return

	case ev.Session == nil:
		c.mu.Unlock()
		return

	case ev.Type == auth.EventInitialSession && queued:
		// The initial check already decided the starting session.
		c.mu.Unlock()
		return

	case ev.Type == auth.EventTokenRefreshed && !ev.Session.ExpiresAt.After(c.clock.Now()):
		c.mu.Unlock()
		c.logger.Warn("refreshed session is already expired", "expires_at", ev.Session.ExpiresAt)
		c.signOut(epoch, metrics.ReasonInvalidated, true, true)
		return
	}

	session := ev.Session
	identityChanged := c.session == nil || c.session.UserID != session.UserID
	fresh := ev.Type == auth.EventTokenRefreshed

	if fresh {
		c.timer.Cancel()
	}
	c.session = session
	c.state = Authenticated
	c.loading = false
	c.checked = true
	if identityChanged {
		c.profile = nil
	}
	c.scheduleLocked(epoch, session, !fresh)
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Debug("adopted session from event",
		"event", string(ev.Type),
		"user_id", session.UserID,
		"token", auth.Fingerprint(session.AccessToken))

	if identityChanged {
		go c.reloadProfile(epoch, session.UserID)
	}
}

// scheduleLocked arms the refresh timer at ExpiresAt minus RefreshLeeway.
// When that time is not in the future and allowImmediate is set, the
// refresh starts right away instead.
//
// allowImmediate is false for a session the provider just issued (a refresh
// result or TOKEN_REFRESHED). Such a session is not refreshed again at once
// even when it already sits inside the leeway: it is armed at the midpoint
// of its remaining lifetime, never sooner than minRearmDelay. This departs
// from "inside the leeway means refresh now" so that a provider issuing
// tokens shorter than RefreshLeeway cannot drive a refresh loop. Callers
// reject sessions that are already expired before getting here, so the
// midpoint always lies before expiry.
//
// c.mu must be held.
func (c *Controller) scheduleLocked(epoch uint64, session *auth.Session, allowImmediate bool) {
	now := c.clock.Now()
	fireAt := session.ExpiresAt.Add(-RefreshLeeway)

	if !fireAt.After(now) {
		if allowImmediate {
			c.timer.Cancel()
			c.metrics.RecordRefresh(metrics.OutcomeImmediate, 0)
			go c.refresh(epoch)
			return
		}
		remaining := session.ExpiresAt.Sub(now) / 2
		if remaining < minRearmDelay {
			remaining = minRearmDelay
		}
		fireAt = now.Add(remaining)
	}

	c.timer.Arm(fireAt, func(id uint64) { c.onRefreshFire(epoch, id) })
	c.logger.Debug("refresh scheduled", "user_id", session.UserID, "fire_at", fireAt)
}

func (c *Controller) onRefreshFire(epoch uint64, id uint64) {
	if !c.timer.claim(id) {
		return
	}
	c.refresh(epoch)
}

// refresh exchanges the session for a new one. Failure signs the user out;
// there is no retry.
func (c *Controller) refresh(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.torn || c.session == nil || c.state != Authenticated {
		c.mu.Unlock()
		return
	}
	c.state = Refreshing
	c.publishLocked()
	ctx := c.lifeCtx
	c.mu.Unlock()

	ctx, span := telemetry.StartSessionSpan(ctx, "refresh")
	defer span.End()

	start := c.clock.Now()
	session, err := c.provider.RefreshSession(ctx)
	elapsed := c.clock.Since(start)

	c.mu.Lock()
	if c.epoch != epoch || c.torn || c.state != Refreshing {
		c.mu.Unlock()
		c.metrics.RecordRefresh(metrics.OutcomeStale, elapsed)
		c.logger.Debug("dropping superseded refresh result")
		return
	}

	if err == nil && session == nil {
		err = auth.NewError(auth.ErrRefreshFailed, "provider returned no session", nil)
	}
	if err == nil && !session.ExpiresAt.After(c.clock.Now()) {
		err = auth.NewError(auth.ErrSessionExpired, "provider returned an expired session",
			map[string]any{"expires_at": session.ExpiresAt})
	}
	if err != nil {
		c.mu.Unlock()
		c.metrics.RecordRefresh(metrics.OutcomeFailure, elapsed)
		c.recordError(err)
		telemetry.RecordError(span, err)
		c.logger.WithError(err).Warn("session refresh failed")
		c.signOut(epoch, metrics.ReasonRefreshFailed, true, true)
		return
	}

	identityChanged := c.session.UserID != session.UserID
	c.session = session
	c.state = Authenticated
	if identityChanged {
		c.profile = nil
	}
	c.scheduleLocked(epoch, session, false)
	c.publishLocked()
	c.mu.Unlock()

	c.metrics.RecordRefresh(metrics.OutcomeSuccess, elapsed)
	telemetry.RecordSuccess(span, attribute.String("user_id", session.UserID))
	c.logger.Info("session refreshed",
		"user_id", session.UserID,
		"token", auth.Fingerprint(session.AccessToken),
		"expires_at", session.ExpiresAt)

	if identityChanged {
		go c.reloadProfile(epoch, session.UserID)
	}
}

// SignOut ends the session at the user's request. No expiry notice is shown.
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	epoch := c.epoch
	live := !c.torn && c.state != SignedOut && c.state != Uninitialized
	pending := c.signingOut
	c.mu.Unlock()

	if pending {
		return nil
	}
	if !live {
		return crusterrors.NewSessionNotFoundError()
	}
	c.signOut(epoch, metrics.ReasonUser, false, true)
	return nil
}

// signOut moves to SignedOut exactly once per lifecycle. The timer is
// cancelled, the persisted artifact cleared and the provider session revoked
// before SignedOut is published, so nothing observing SignedOut (Initialize
// included) can run ahead of the cleanup. Notice and redirect come last.
func (c *Controller) signOut(epoch uint64, reason string, notice, revoke bool) {
	c.mu.Lock()
	if c.epoch != epoch || c.state == SignedOut || c.signingOut {
		c.mu.Unlock()
		return
	}
	c.epoch++
	own := c.epoch
	c.signingOut = true
	c.timer.Cancel()
	userID := ""
	if c.session != nil {
		userID = c.session.UserID
	}
	c.deferred = nil
	ctx := c.lifeCtx
	c.mu.Unlock()

	if c.artifacts != nil {
		if err := c.artifacts.Clear(ctx); err != nil {
			c.logger.WithError(err).Warn("failed to clear session artifact")
		}
	}

	if revoke {
		_, span := telemetry.StartSessionSpan(ctx, "sign_out")
		if err := c.provider.SignOut(ctx); err != nil {
			telemetry.RecordError(span, err)
			c.logger.WithError(err).Warn("provider sign-out failed")
		}
		span.End()
	}

	c.mu.Lock()
	c.signingOut = false
	if c.epoch != own {
		// Torn down while cleaning up.
		c.mu.Unlock()
		return
	}
	c.state = SignedOut
	c.session = nil
	c.profile = nil
	c.loading = false
	c.checked = true
	c.publishLocked()
	c.mu.Unlock()

	c.metrics.RecordSignOut(reason)
	c.logger.Info("signed out", "user_id", userID, "reason", reason)

	if notice && c.notifier != nil {
		c.notifier.Notify(ctx, ExpiredNotice)
	}
	if c.navigator != nil {
		c.navigator.Redirect(ctx, LoginRoute)
	}
}

// reloadProfile refetches the profile after the identity changed.
func (c *Controller) reloadProfile(epoch uint64, userID string) {
	c.mu.Lock()
	ctx := c.lifeCtx
	c.mu.Unlock()

	profile := c.loadProfile(ctx, userID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.session == nil || c.session.UserID != userID {
		return
	}
	c.profile = profile
	c.publishLocked()
}

// loadProfile fetches the profile. Any failure yields nil, which derives to
// least privilege; the user stays signed in.
func (c *Controller) loadProfile(ctx context.Context, userID string) *auth.Profile {
	if c.profiles == nil {
		return nil
	}

	ctx, span := telemetry.StartSessionSpan(ctx, "profile")
	defer span.End()

	start := c.clock.Now()
	profile, err := c.profiles.FetchProfile(ctx, userID)
	elapsed := c.clock.Since(start)
	telemetry.RecordDuration(span, "fetch", elapsed)

	switch {
	case errors.Is(err, auth.ErrProfileNotFound):
		c.metrics.RecordProfileFetch(metrics.OutcomeNotFound, elapsed)
		c.logger.Info("no profile for user", "user_id", userID)
		return nil
	case err != nil:
		c.metrics.RecordProfileFetch(metrics.OutcomeFailure, elapsed)
		c.recordError(err)
		telemetry.RecordError(span, err)
		c.logger.WithError(err).Warn("profile fetch failed", "user_id", userID)
		return nil
	}

	c.metrics.RecordProfileFetch(metrics.OutcomeSuccess, elapsed)
	telemetry.RecordSuccess(span)
	return profile
}

// Teardown cancels the refresh timer and the event subscription. Results of
// calls still in flight are dropped. Safe to call repeatedly.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.epoch++
	c.timer.Cancel()
	sub := c.sub
	c.sub = nil
	cancel := c.cancel
	c.cancel = nil
	c.deferred = nil
	c.draining = false
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	c.closeWatchers()
	c.logger.Debug("controller torn down")
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Session returns the held session, or nil.
func (c *Controller) Session() *auth.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// NextRefresh returns when the pending refresh timer fires.
func (c *Controller) NextRefresh() (time.Time, bool) {
	return c.timer.Armed()
}

// Watch returns a channel that receives the latest snapshot after every
// transition, starting with the current one. Slow readers only miss
// intermediate snapshots. The channel is closed by the returned cancel
// function or by Teardown; after Teardown it carries the current snapshot
// and is already closed.
func (c *Controller) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- c.Snapshot()

	c.watchMu.Lock()
	if c.watchClosed {
		c.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.watchID
	c.watchID++
	c.watchers[id] = ch
	c.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.watchMu.Lock()
			defer c.watchMu.Unlock()
			if w, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(w)
			}
		})
	}
}

// publishLocked stores a new snapshot and offers it to watchers.
// c.mu must be held.
func (c *Controller) publishLocked() {
	snap := buildSnapshot(c.state, c.session, c.profile, c.loading, c.checked)
	c.snap.Store(snap)
	c.metrics.SetState(c.state.String(), allStateNames())

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- *snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- *snap:
			default:
			}
		}
	}
}

func (c *Controller) closeWatchers() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.watchClosed = true
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
}

func (c *Controller) recordError(err error) {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		c.metrics.RecordError(coded.ErrorCode())
	}
}
