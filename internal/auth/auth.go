// Package auth defines the contracts crust consumes from the hosted backend:
// the auth/session provider, the profile store, and the persisted session
// artifact the provider keeps between runs.
//
// Nothing here implements authentication. Credentials are checked by the
// backend; this package only describes what comes back and how it is
// delivered.
package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Session represents one authenticated principal's active login.
//
// Sessions are values: a refresh produces a new Session, it never edits the
// old one. Callers must not mutate RawClaims.
type Session struct {
	// UserID is the stable identifier issued by the auth provider.
	UserID string

	// ExpiresAt is when the access token stops being accepted.
	ExpiresAt time.Time

	// RawClaims is the opaque claim bag decoded from the access token.
	RawClaims map[string]any

	// AccessToken is sent as a bearer token to the data API.
	AccessToken string

	// RefreshToken is exchanged for a new Session before expiry.
	RefreshToken string
}

// IsExpired reports whether the session has expired at the given instant.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Email returns the email claim if the provider supplied one.
func (s *Session) Email() string {
	if s == nil || s.RawClaims == nil {
		return ""
	}
	email, _ := s.RawClaims["email"].(string)
	return email
}

// Token adapts the session to an oauth2 token for authorised HTTP clients.
func (s *Session) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken,
		Expiry:       s.ExpiresAt,
	}
}

// Profile is the application's own record of a user, keyed by Session.UserID.
type Profile struct {
	// Username is nil until the user completes onboarding.
	Username *string

	// Email is nil until the address is confirmed.
	Email *string

	// IsAdmin and IsStaff are independent; a user may hold both.
	IsAdmin bool
	IsStaff bool

	// IsSuspended users keep their session but are denied application access.
	IsSuspended bool
}

// EventType is the discriminator of an auth-state notification.
type EventType string

const (
	EventInitialSession   EventType = "INITIAL_SESSION"
	EventSignedIn         EventType = "SIGNED_IN"
	EventSignedOut        EventType = "SIGNED_OUT"
	EventTokenRefreshed   EventType = "TOKEN_REFRESHED"
	EventUserUpdated      EventType = "USER_UPDATED"
	EventPasswordRecovery EventType = "PASSWORD_RECOVERY"
)

// Event is an auth-state notification. Session is nil when the provider
// reports that nobody is signed in.
type Event struct {
	Type    EventType
	Session *Session
}

// Subscription is returned by Provider.Subscribe.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe()
}

// Provider is the hosted auth/session API.
//
// Implementations must be safe for concurrent use. Every method is a
// suspension point for callers: state may change while a call is in flight.
type Provider interface {
	// GetCurrentSession returns the persisted session, or nil if there is none.
	GetCurrentSession(ctx context.Context) (*Session, error)

	// RefreshSession exchanges the refresh token for a new session.
	RefreshSession(ctx context.Context) (*Session, error)

	// SignOut revokes the session and forgets any persisted artifact.
	SignOut(ctx context.Context) error

	// Subscribe registers fn for auth-state events. Events are delivered in
	// the order the provider emits them, never concurrently for one subscriber.
	Subscribe(fn func(Event)) Subscription
}

// ProfileFetcher reads profiles from the backing data store.
type ProfileFetcher interface {
	// FetchProfile returns ErrProfileNotFound when no row exists for userID.
	FetchProfile(ctx context.Context, userID string) (*Profile, error)
}
