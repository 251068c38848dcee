package analysis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/roundtable/access"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/internal/testutil"
	"github.com/hupe1980/roundtable/vault"
)

// collaborativeTranscript fires the participation, collaboration and
// adaptation rules with a single predictable tag each.
func collaborativeTranscript(sessionID string) []core.TurnRecord {
	b := testutil.NewTranscriptBuilder(sessionID)
	for i := 0; i < 4; i++ {
		b.Turn("alice", "bob, let us outline the shared constraints carefully today")
		b.Turn("bob", "alice, the shared constraints outline looks complete already")
	}
	return b.Build()
}

func tagsOf(insights []core.Insight) []core.PatternTag {
	var tags []core.PatternTag
	for _, in := range insights {
		tags = append(tags, in.Tags...)
	}
	return tags
}

func TestAnalyze_DeterministicTags(t *testing.T) {
	e := NewEngine()
	participants := []core.AgentID{"alice", "bob"}
	turns := collaborativeTranscript("sess-1")

	first, err := e.Analyze(context.Background(), "sess-1", turns, participants, 0)
	require.NoError(t, err)
	second, err := e.Analyze(context.Background(), "sess-1", turns, participants, 0)
	require.NoError(t, err)

	assert.Equal(t, tagsOf(first), tagsOf(second))
	assert.Equal(t, []core.PatternTag{
		core.PatternConsistentEngagement,
		core.PatternCollaborative,
		core.PatternAdaptiveLearning,
	}, tagsOf(first))
}

func TestAnalyze_EmptyInputs(t *testing.T) {
	e := NewEngine()

	insights, err := e.Analyze(context.Background(), "sess-1", nil, []core.AgentID{"alice"}, 0)
	require.NoError(t, err)
	assert.Empty(t, insights)

	insights, err = e.Analyze(context.Background(), "sess-1", collaborativeTranscript("sess-1"), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, insights)
}

func TestAnalyze_MalformedTranscriptDegrades(t *testing.T) {
	e := NewEngine()
	participants := []core.AgentID{"alice", "bob"}

	// Turns belonging to another session are uninterpretable; no insight is
	// ever preferable to a speculative one.
	turns := collaborativeTranscript("other-session")
	insights, err := e.Analyze(context.Background(), "sess-1", turns, participants, 0)
	require.NoError(t, err)
	assert.Empty(t, insights)

	anonymous := []core.TurnRecord{{SessionID: "sess-1", Agent: "", Output: "who said this"}}
	insights, err = e.Analyze(context.Background(), "sess-1", anonymous, participants, 0)
	require.NoError(t, err)
	assert.Empty(t, insights)
}

func TestAnalyze_WindowLimitsInput(t *testing.T) {
	e := NewEngine()
	participants := []core.AgentID{"alice", "bob"}

	// Heavily skewed early turns, balanced tail.
	b := testutil.NewTranscriptBuilder("sess-1")
	for i := 0; i < 6; i++ {
		b.Turn("alice", "an early monologue contribution")
	}
	b.Turn("alice", "a balanced closing word")
	b.Turn("bob", "a balanced closing word")

	full, err := e.Analyze(context.Background(), "sess-1", b.Build(), participants, 0)
	require.NoError(t, err)
	assert.Contains(t, tagsOf(full), core.PatternVariableParticipation)

	windowed, err := e.Analyze(context.Background(), "sess-1", b.Build(), participants, 2)
	require.NoError(t, err)
	assert.Contains(t, tagsOf(windowed), core.PatternConsistentEngagement)
}

func TestAnalyze_CancelledContext(t *testing.T) {
	e := NewEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Analyze(ctx, "sess-1", collaborativeTranscript("sess-1"), []core.AgentID{"alice", "bob"}, 0)
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestFeedbackFor_PriorityFromTags(t *testing.T) {
	e := NewEngine()

	low := core.Insight{ID: "i1", SessionID: "s", Tags: []core.PatternTag{core.PatternConsistentEngagement}}
	assert.Equal(t, core.PriorityLow, e.FeedbackFor(low, "alice").Priority)

	high := core.Insight{ID: "i2", SessionID: "s", Tags: []core.PatternTag{core.PatternConsistentEngagement, core.PatternVariableParticipation}}
	fb := e.FeedbackFor(high, "alice")
	assert.Equal(t, core.PriorityHigh, fb.Priority)
	assert.Equal(t, core.AgentID("alice"), fb.Target)
	assert.Equal(t, core.FeedbackPending, fb.Status)
	assert.Equal(t, "i2", fb.InsightID)
}

func TestAutoApplicable_Threshold(t *testing.T) {
	e := NewEngine()
	assert.True(t, e.AutoApplicable(core.AdaptiveFeedback{Priority: core.PriorityHigh}))
	assert.True(t, e.AutoApplicable(core.AdaptiveFeedback{Priority: core.PriorityCritical}))
	assert.False(t, e.AutoApplicable(core.AdaptiveFeedback{Priority: core.PriorityMedium}))

	strict := NewEngine(func(o *Options) { o.AutoApplyThreshold = core.PriorityCritical })
	assert.False(t, strict.AutoApplicable(core.AdaptiveFeedback{Priority: core.PriorityHigh}))
}

func TestPersist_WritesInsightSlices(t *testing.T) {
	acl := access.NewController()
	key, err := vault.NewMasterKey()
	require.NoError(t, err)
	v, err := vault.New(acl, key)
	require.NoError(t, err)
	e := NewEngine()
	ctx := context.Background()

	scope := core.CommunalScope("sess-1")
	grant, err := acl.IssueGrant(ctx, "analysis-engine", scope, core.PermissionWrite, time.Now().Add(time.Hour), "sess-1")
	require.NoError(t, err)

	insights, err := e.Analyze(ctx, "sess-1", collaborativeTranscript("sess-1"), []core.AgentID{"alice", "bob"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, insights)

	require.NoError(t, e.Persist(ctx, v, scope, insights, grant))

	slices, err := v.Snapshot(ctx, scope, grant)
	require.NoError(t, err)
	require.Len(t, slices, len(insights))
	var stored core.Insight
	require.NoError(t, json.Unmarshal(slices[0].Payload, &stored))
	assert.Equal(t, "sess-1", stored.SessionID)
	assert.NotEmpty(t, stored.Tags)
}

func TestBuildReport(t *testing.T) {
	e := NewEngine()
	participants := []core.AgentID{"alice", "bob"}

	insights, err := e.Analyze(context.Background(), "sess-1", collaborativeTranscript("sess-1"), participants, 0)
	require.NoError(t, err)
	require.Len(t, insights, 3)

	rep := e.BuildReport("sess-1", insights, participants)
	assert.Equal(t, "sess-1", rep.SessionID)
	assert.Equal(t, 1, rep.PatternCounts[core.PatternCollaborative])
	assert.Len(t, rep.Feedback, len(insights)*len(participants))
	assert.Greater(t, rep.Confidence[core.PatternConsistentEngagement], 0.0)
}
