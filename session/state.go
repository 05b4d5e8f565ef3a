package session

import (
	"fmt"
	"time"

	"github.com/tradeport/tradeport-client/auth"
)

// State is the session lifecycle state.
type State int

const (
	StateUnknown State = iota
	StateChecking
	StateAuthenticated
	StateRefreshing
	StateUnauthenticated
)

var stateNames = []string{"unknown", "checking", "authenticated", "refreshing", "unauthenticated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Snapshot is the consumer-visible view of the session. Identity fields are
// only set while Authenticated.
type Snapshot struct {
	State         State     `json:"state"`
	Authenticated bool      `json:"authenticated"`
	SubjectID     string    `json:"subject_id,omitempty"`
	Name          string    `json:"name,omitempty"`
	Role          auth.Role `json:"role,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
}

// Pending reports whether the session has not settled yet. Route decisions
// are deferred while pending. A background refresh of a live session is not
// pending.
func (s Snapshot) Pending() bool {
	switch s.State {
	case StateUnknown, StateChecking:
		return true
	case StateRefreshing:
		return !s.Authenticated
	}
	return false
}

// HasRole reports whether the snapshot is authenticated as one of roles.
func (s Snapshot) HasRole(roles ...auth.Role) bool {
	if !s.Authenticated {
		return false
	}
	for _, r := range roles {
		if s.Role == r {
			return true
		}
	}
	return false
}

// Event is delivered to observers on every state change. Redirect is set
// when the change should move the user elsewhere, e.g. to the login screen
// after a forced logout.
type Event struct {
	Snapshot Snapshot
	Redirect string
}

// Observer receives session events.
type Observer func(Event)
