package core

import (
	"strings"

	"github.com/google/uuid"
)

// AgentID is the stable, unique identifier of a persona/agent participant.
// Identifiers are immutable once created and never reused.
type AgentID string

const (
	privatePrefix  = "agent:"
	communalPrefix = "communal:"
)

// Scope is the ownership boundary of a memory slice: either the private
// space of a single agent or the communal space of one session. The string
// form is the partitioning key used by storage backends, so two distinct
// scopes can never collide structurally.
type Scope string

// PrivateScope returns the private scope owned by the given agent.
func PrivateScope(agent AgentID) Scope { return Scope(privatePrefix + string(agent)) }

// CommunalScope returns the communal scope of the given session.
func CommunalScope(sessionID string) Scope { return Scope(communalPrefix + sessionID) }

// IsPrivate reports whether the scope is a single agent's private space.
func (s Scope) IsPrivate() bool { return strings.HasPrefix(string(s), privatePrefix) }

// IsCommunal reports whether the scope is a session's communal space.
func (s Scope) IsCommunal() bool { return strings.HasPrefix(string(s), communalPrefix) }

// Agent returns the owning agent for a private scope.
func (s Scope) Agent() (AgentID, bool) {
	if !s.IsPrivate() {
		return "", false
	}
	return AgentID(strings.TrimPrefix(string(s), privatePrefix)), true
}

// SessionID returns the owning session for a communal scope.
func (s Scope) SessionID() (string, bool) {
	if !s.IsCommunal() {
		return "", false
	}
	return strings.TrimPrefix(string(s), communalPrefix), true
}

// Valid reports whether the scope names exactly one owner.
func (s Scope) Valid() bool {
	if a, ok := s.Agent(); ok {
		return a != ""
	}
	if id, ok := s.SessionID(); ok {
		return id != ""
	}
	return false
}

// NewID generates a new unique identifier for slices, grants, sessions,
// insights and audit correlation.
func NewID() string { return uuid.NewString() }
