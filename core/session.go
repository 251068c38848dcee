package core

import "time"

// SessionState is the lifecycle state of a session.
// Transitions: pending -> active -> {suspended <-> active} -> closed.
// Closed is terminal.
type SessionState int

const (
	// SessionPending means the session exists but grants are not yet issued.
	SessionPending SessionState = iota
	// SessionActive means the session accepts turn submissions.
	SessionActive
	// SessionSuspended means the session is paused; turns are rejected until resume.
	SessionSuspended
	// SessionClosed is the terminal state; the transcript persists as a slice.
	SessionClosed
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionActive:
		return "active"
	case SessionSuspended:
		return "suspended"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session describes a coordinated multi-agent interaction. A breakout
// session carries the id of its parent and a participant subset of it.
// Sessions are closed, never deleted; the transcript survives as a
// communal memory slice referenced by TranscriptSliceID.
type Session struct {
	ID                string       `json:"id"`
	Participants      []AgentID    `json:"participants"`
	PolicyName        string       `json:"policy_name"`
	State             SessionState `json:"state"`
	ParentID          string       `json:"parent_id,omitempty"`
	TranscriptSliceID string       `json:"transcript_slice_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	ClosedAt          time.Time    `json:"closed_at,omitempty"`
}

// Clone returns a copy with an independent participant slice.
func (s Session) Clone() Session {
	cp := s
	cp.Participants = make([]AgentID, len(s.Participants))
	copy(cp.Participants, s.Participants)
	return cp
}

// TurnRecord is one completed turn within a session. Sequence numbers are
// strictly increasing per session with no gaps, regardless of submission
// concurrency. OutputRef points at the private slice holding the turn
// output; InputRef, when set, points at the ref that fed the turn.
type TurnRecord struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Agent     AgentID   `json:"agent_id"`
	InputRef  string    `json:"input_ref,omitempty"`
	OutputRef string    `json:"output_ref,omitempty"`
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
}
