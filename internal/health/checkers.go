package health

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/crust/internal/session"
)

// Pinger is anything with a context-aware health call: the auth backend
// client, the redis artifact store, a pgx pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// DependencyChecker reports a dependency healthy when its Ping succeeds.
// Optional dependencies degrade the service instead of failing it.
type DependencyChecker struct {
	name     string
	pinger   Pinger
	optional bool
}

// NewBackendChecker checks a required dependency.
func NewBackendChecker(name string, p Pinger) *DependencyChecker {
	return &DependencyChecker{name: name, pinger: p}
}

// NewOptionalChecker checks a dependency whose loss only degrades service.
func NewOptionalChecker(name string, p Pinger) *DependencyChecker {
	return &DependencyChecker{name: name, pinger: p, optional: true}
}

func (c *DependencyChecker) Name() string { return c.name }

func (c *DependencyChecker) Check(ctx context.Context) *Result {
	if err := c.pinger.Ping(ctx); err != nil {
		res := Unhealthy(fmt.Sprintf("%s unreachable", c.name))
		if c.optional {
			res = Degraded(fmt.Sprintf("%s unreachable", c.name))
		}
		return res.WithDetail("error", err.Error())
	}
	return Healthy(fmt.Sprintf("%s reachable", c.name))
}

// SnapshotSource is satisfied by *session.Controller.
type SnapshotSource interface {
	Snapshot() session.Snapshot
}

// SessionChecker reports the controller's lifecycle state. The controller
// is degraded while checking or refreshing and unhealthy only before
// Initialize has run.
type SessionChecker struct {
	source SnapshotSource
}

// NewSessionChecker creates a checker over the controller snapshot.
func NewSessionChecker(source SnapshotSource) *SessionChecker {
	return &SessionChecker{source: source}
}

func (c *SessionChecker) Name() string { return "session-controller" }

func (c *SessionChecker) Check(ctx context.Context) *Result {
	snap := c.source.Snapshot()

	var res *Result
	switch snap.State {
	case session.Uninitialized:
		res = Unhealthy("session controller not initialized")
	case session.Checking, session.Refreshing:
		res = Degraded(fmt.Sprintf("session %s", snap.State))
	default:
		res = Healthy(fmt.Sprintf("session %s", snap.State))
	}

	res.WithDetail("state", snap.State.String()).
		WithDetail("session_checked", snap.SessionChecked).
		WithDetail("signed_in", snap.SignedIn())
	if snap.User != nil {
		res.WithDetail("expires_at", snap.User.ExpiresAt)
	}
	return res
}
