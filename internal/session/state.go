package session

import (
	"time"

	"github.com/felixgeelhaar/crust/internal/auth"
)

// State is the controller's lifecycle state.
type State int

const (
	// Uninitialized is the state before Initialize.
	Uninitialized State = iota
	// Checking means the initial session lookup is in flight.
	Checking
	// Authenticated means a session is held and a refresh is scheduled.
	Authenticated
	// Refreshing means a refresh call is in flight.
	Refreshing
	// Anonymous means the check finished and nobody is signed in.
	Anonymous
	// SignedOut is terminal for the lifecycle. Only Initialize leaves it.
	SignedOut
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Checking:      "checking",
	Authenticated: "authenticated",
	Refreshing:    "refreshing",
	Anonymous:     "anonymous",
	SignedOut:     "signed_out",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func allStateNames() []string {
	return stateNames[:]
}

// User is the signed-in principal as exposed to the application.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Username  string    `json:"username,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Snapshot is an immutable view of the controller. A new Snapshot is
// published on every transition; existing ones never change.
type Snapshot struct {
	State          State         `json:"state"`
	User           *User         `json:"user"`
	Profile        *auth.Profile `json:"-"`
	IsAdmin        bool          `json:"is_admin"`
	IsStaff        bool          `json:"is_staff"`
	IsSuspended    bool          `json:"is_suspended"`
	IsLoading      bool          `json:"is_loading"`
	SessionChecked bool          `json:"session_checked"`
}

// SignedIn reports whether a user is present.
func (s Snapshot) SignedIn() bool {
	return s.User != nil
}

// Roles are the authorisation flags derived from a profile.
type Roles struct {
	IsAdmin bool
	IsStaff bool
}

// DeriveRoles maps a profile to roles. A nil profile gets no roles.
func DeriveRoles(p *auth.Profile) Roles {
	if p == nil {
		return Roles{}
	}
	return Roles{IsAdmin: p.IsAdmin, IsStaff: p.IsStaff}
}

func buildSnapshot(state State, session *auth.Session, profile *auth.Profile, loading, checked bool) *Snapshot {
	roles := DeriveRoles(profile)
	snap := &Snapshot{
		State:          state,
		Profile:        profile,
		IsAdmin:        roles.IsAdmin,
		IsStaff:        roles.IsStaff,
		IsLoading:      loading,
		SessionChecked: checked,
	}
	if profile != nil {
		snap.IsSuspended = profile.IsSuspended
	}
	if session != nil {
		u := &User{ID: session.UserID, Email: session.Email(), ExpiresAt: session.ExpiresAt}
		if profile != nil && profile.Username != nil {
			u.Username = *profile.Username
		}
		snap.User = u
	}
	return snap
}
