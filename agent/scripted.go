package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/roundtable/core"
)

// Scripted is an Agent that replays a fixed list of outputs in order. It is
// safe for concurrent use and records every piece of feedback it receives.
type Scripted struct {
	id     core.AgentID
	script []string

	mu       sync.Mutex
	next     int
	feedback []core.AdaptiveFeedback
}

// NewScripted creates a scripted adapter replaying the given outputs.
func NewScripted(id core.AgentID, script ...string) *Scripted {
	return &Scripted{id: id, script: script}
}

// ID returns the agent identity.
func (s *Scripted) ID() core.AgentID { return s.id }

// ProposeTurn returns the next scripted output.
func (s *Scripted) ProposeTurn(ctx context.Context, _ core.TurnContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.script) {
		return "", fmt.Errorf("agent %s: script exhausted after %d turns", s.id, len(s.script))
	}
	out := s.script[s.next]
	s.next++
	return out, nil
}

// ApplyFeedback records the feedback.
func (s *Scripted) ApplyFeedback(_ context.Context, fb core.AdaptiveFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, fb)
	return nil
}

// Feedback returns a copy of the feedback applied so far.
func (s *Scripted) Feedback() []core.AdaptiveFeedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AdaptiveFeedback, len(s.feedback))
	copy(out, s.feedback)
	return out
}

// Failing is an Agent whose ProposeTurn always errors. Test helper for
// agent failure paths.
type Failing struct {
	Agent core.AgentID
	Err   error
}

// ID returns the agent identity.
func (f *Failing) ID() core.AgentID { return f.Agent }

// ProposeTurn always fails.
func (f *Failing) ProposeTurn(context.Context, core.TurnContext) (string, error) {
	return "", f.Err
}

// ApplyFeedback always fails.
func (f *Failing) ApplyFeedback(context.Context, core.AdaptiveFeedback) error {
	return f.Err
}
