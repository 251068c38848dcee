package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/internal/testutil"
)

func TestParticipationRule(t *testing.T) {
	participants := []core.AgentID{"alice", "bob"}

	balanced := testutil.NewTranscriptBuilder("s").
		Repeat(6, participants, "a contribution").
		Build()
	f, ok := participationRule(balanced, participants)
	require.True(t, ok)
	assert.Equal(t, []core.PatternTag{core.PatternConsistentEngagement}, f.tags)
	assert.Empty(t, f.recommendations)

	skewed := testutil.NewTranscriptBuilder("s").
		Turn("alice", "one").Turn("alice", "two").Turn("alice", "three").Turn("bob", "only").
		Build()
	f, ok = participationRule(skewed, participants)
	require.True(t, ok)
	assert.Equal(t, []core.PatternTag{core.PatternVariableParticipation}, f.tags)
	assert.NotEmpty(t, f.recommendations)
}

func TestParticipationRule_TooFewTurns(t *testing.T) {
	participants := []core.AgentID{"alice", "bob", "carol"}
	turns := testutil.NewTranscriptBuilder("s").Turn("alice", "hi").Build()

	_, ok := participationRule(turns, participants)
	assert.False(t, ok)
}

func TestDepthRule(t *testing.T) {
	long := strings.Repeat("elaborate reasoning ", 15) // 300 chars
	deep := testutil.NewTranscriptBuilder("s").Turn("alice", long).Turn("bob", long).Build()
	f, ok := depthRule(deep, nil)
	require.True(t, ok)
	assert.Equal(t, []core.PatternTag{core.PatternDeepDiveTendency}, f.tags)

	shallow := testutil.NewTranscriptBuilder("s").Turn("alice", "ok").Turn("bob", "sure").Build()
	f, ok = depthRule(shallow, nil)
	require.True(t, ok)
	assert.Equal(t, []core.PatternTag{core.PatternSurfaceLevel}, f.tags)

	medium := testutil.NewTranscriptBuilder("s").
		Turn("alice", strings.Repeat("x", 100)).
		Turn("bob", strings.Repeat("y", 100)).
		Build()
	_, ok = depthRule(medium, nil)
	assert.False(t, ok)
}

func TestCollaborationRule(t *testing.T) {
	participants := []core.AgentID{"alice", "bob"}

	collaborative := testutil.NewTranscriptBuilder("s").
		Turn("alice", "bob, what do you think?").
		Turn("bob", "alice raises a fair point").
		Turn("alice", "building on what bob said").
		Turn("bob", "I agree with alice here").
		Build()
	f, ok := collaborationRule(collaborative, participants)
	require.True(t, ok)
	assert.Equal(t, []core.PatternTag{core.PatternCollaborative}, f.tags)

	independent := testutil.NewTranscriptBuilder("s").
		Repeat(4, participants, "my own thread of thought").
		Build()
	f, ok = collaborationRule(independent, participants)
	require.True(t, ok)
	assert.Equal(t, []core.PatternTag{core.PatternIndependent}, f.tags)
}

func TestCollaborationRule_NeedsEnoughSignal(t *testing.T) {
	participants := []core.AgentID{"alice", "bob"}
	short := testutil.NewTranscriptBuilder("s").Turn("alice", "hello bob").Build()

	_, ok := collaborationRule(short, participants)
	assert.False(t, ok)
}

func TestAdaptationRule(t *testing.T) {
	adaptive := testutil.NewTranscriptBuilder("s").
		Repeat(6, []core.AgentID{"alice", "bob"}, "iterating on the shared constraints outline").
		Build()
	f, ok := adaptationRule(adaptive, nil)
	require.True(t, ok)
	assert.Equal(t, []core.PatternTag{core.PatternAdaptiveLearning}, f.tags)

	resistant := testutil.NewTranscriptBuilder("s").
		Turn("alice", "apples oranges pears").
		Turn("bob", "trains planes boats").
		Turn("alice", "red green blue").
		Turn("bob", "square circle line").
		Turn("alice", "north south east").
		Turn("bob", "winter spring summer").
		Build()
	f, ok = adaptationRule(resistant, nil)
	require.True(t, ok)
	assert.Equal(t, []core.PatternTag{core.PatternResistantToChange}, f.tags)
}

func TestWordOverlap(t *testing.T) {
	assert.Equal(t, 2, wordOverlap("shared constraints outline", "the constraints and outline"))
	assert.Equal(t, 0, wordOverlap("a b c", "a b c")) // words under four chars ignored
	assert.Equal(t, 1, wordOverlap("Mapping the space", "mapping something else"))
}
