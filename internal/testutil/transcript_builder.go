package testutil

import (
	"time"

	"github.com/hupe1980/roundtable/core"
)

// TranscriptBuilder helps construct turn transcripts with fluent chaining
// for tests. Example:
//
//	turns := NewTranscriptBuilder("sess-1").Turn("alice", "hello").Turn("bob", "hi").Build()
type TranscriptBuilder struct {
	sessionID string
	start     time.Time
	step      time.Duration
	turns     []core.TurnRecord
}

// NewTranscriptBuilder creates a new builder for a transcript belonging to
// the given session. Use chainable methods (Turn, At, Every) then call Build.
func NewTranscriptBuilder(sessionID string) *TranscriptBuilder {
	return &TranscriptBuilder{
		sessionID: sessionID,
		start:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		step:      time.Minute,
	}
}

// At sets the timestamp of the first turn (chainable).
func (b *TranscriptBuilder) At(t time.Time) *TranscriptBuilder {
	b.start = t
	return b
}

// Every sets the interval between consecutive turn timestamps (chainable).
func (b *TranscriptBuilder) Every(d time.Duration) *TranscriptBuilder {
	b.step = d
	return b
}

// Turn appends a turn by the given agent with the given output (chainable).
// Sequence numbers and timestamps are assigned in order.
func (b *TranscriptBuilder) Turn(agent core.AgentID, output string) *TranscriptBuilder {
	seq := uint64(len(b.turns))
	b.turns = append(b.turns, core.TurnRecord{
		SessionID: b.sessionID,
		Sequence:  seq,
		Agent:     agent,
		Output:    output,
		Timestamp: b.start.Add(time.Duration(seq) * b.step),
	})
	return b
}

// Build returns the accumulated transcript.
func (b *TranscriptBuilder) Build() []core.TurnRecord {
	out := make([]core.TurnRecord, len(b.turns))
	copy(out, b.turns)
	return out
}

// Repeat appends n turns cycling through the given agents, each producing
// the given output (chainable).
func (b *TranscriptBuilder) Repeat(n int, agents []core.AgentID, output string) *TranscriptBuilder {
	for i := 0; i < n; i++ {
		b.Turn(agents[i%len(agents)], output)
	}
	return b
}
