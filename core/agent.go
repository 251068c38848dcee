package core

import "context"

// TurnContext is the scoped view of session state handed to an agent when
// it is asked to produce a turn. It contains only data the agent's grants
// cover: its own private slices, the communal slices of the session it
// participates in, and the transcript so far. Slices and turns are copies;
// mutating them has no effect on orchestrator state.
type TurnContext struct {
	SessionID      string
	Sequence       uint64
	Participants   []AgentID
	Transcript     []TurnRecord
	PrivateMemory  []Slice
	CommunalMemory []Slice
}

// LastOutput returns the output of the most recent turn, or "" for the
// first turn of a session.
func (tc TurnContext) LastOutput() string {
	if len(tc.Transcript) == 0 {
		return ""
	}
	return tc.Transcript[len(tc.Transcript)-1].Output
}

// Agent is the capability interface every persona adapter implements. The
// orchestrator calls ProposeTurn synchronously when the turn policy selects
// the agent and treats adapter errors as agent failures without corrupting
// session state. ApplyFeedback delivers adaptive feedback; implementations
// decide how (or whether) to honor it and report the outcome via error.
//
// Implementations must respect context cancellation and be safe for use
// from a single orchestrator goroutine at a time.
type Agent interface {
	ID() AgentID
	ProposeTurn(ctx context.Context, turn TurnContext) (string, error)
	ApplyFeedback(ctx context.Context, fb AdaptiveFeedback) error
}
