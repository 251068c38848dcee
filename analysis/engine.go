package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
	"github.com/hupe1980/roundtable/vault"
)

// DefaultAutoApplyThreshold is the policy constant below which feedback is
// advisory only. It is explicit and overridable, not a heuristic.
const DefaultAutoApplyThreshold = core.PriorityHigh

// Options holds dependency and configuration overrides passed to NewEngine.
type Options struct {
	// Logger handles structured log output. Defaults to NoOpLogger.
	Logger logging.Logger
	// Clock supplies the current time; overridable in tests.
	Clock func() time.Time
	// AutoApplyThreshold is the minimum priority for automatic application.
	AutoApplyThreshold core.FeedbackPriority
	// Rules replaces the default rule set.
	Rules []rule
}

// Engine derives insights from transcripts. Apart from persistence of its
// outputs it is a pure function over its inputs: identical transcript
// windows yield identical pattern tags.
type Engine struct {
	logger    logging.Logger
	now       func() time.Time
	threshold core.FeedbackPriority
	rules     []rule
}

// NewEngine constructs an Engine with optional overrides.
func NewEngine(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger:             logging.NoOpLogger{},
		Clock:              time.Now,
		AutoApplyThreshold: DefaultAutoApplyThreshold,
		Rules:              defaultRules,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		logger:    opts.Logger,
		now:       opts.Clock,
		threshold: opts.AutoApplyThreshold,
		rules:     opts.Rules,
	}
}

// AutoApplyThreshold returns the configured policy constant.
func (e *Engine) AutoApplyThreshold() core.FeedbackPriority { return e.threshold }

// AutoApplicable reports whether the feedback is eligible for automatic
// application by a consuming agent.
func (e *Engine) AutoApplicable(fb core.AdaptiveFeedback) bool {
	return fb.Priority >= e.threshold
}

// Analyze runs the rule set over the last window turns of the transcript
// (window <= 0 means all) and returns one insight per fired rule. A
// transcript the engine cannot interpret yields no insights and no error:
// absence of output is always preferred to speculative output.
func (e *Engine) Analyze(ctx context.Context, sessionID string, turns []core.TurnRecord, participants []core.AgentID, window int) ([]core.Insight, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.TimeoutErr(err)
	}
	if len(turns) == 0 || len(participants) == 0 {
		return nil, nil
	}
	for _, t := range turns {
		if t.Agent == "" || t.SessionID != sessionID {
			e.logger.Warn("malformed transcript, skipping analysis", "session_id", sessionID)
			return nil, nil
		}
	}
	if window > 0 && window < len(turns) {
		turns = turns[len(turns)-window:]
	}

	var insights []core.Insight
	for _, r := range e.rules {
		f, ok := r(turns, participants)
		if !ok {
			continue
		}
		sortTags(f.tags)
		insights = append(insights, core.Insight{
			ID:              core.NewID(),
			SessionID:       sessionID,
			Tags:            f.tags,
			Confidence:      clamp01(f.confidence),
			EvidenceRefs:    f.evidence,
			Recommendations: f.recommendations,
			CreatedAt:       e.now(),
		})
	}
	return insights, nil
}

// patternPriorities maps each pattern to the urgency of acting on it.
// Declarative so the mapping is inspectable and reproducible.
var patternPriorities = map[core.PatternTag]core.FeedbackPriority{
	core.PatternConsistentEngagement:  core.PriorityLow,
	core.PatternVariableParticipation: core.PriorityHigh,
	core.PatternDeepDiveTendency:      core.PriorityLow,
	core.PatternSurfaceLevel:          core.PriorityMedium,
	core.PatternCollaborative:         core.PriorityLow,
	core.PatternIndependent:           core.PriorityMedium,
	core.PatternAdaptiveLearning:      core.PriorityLow,
	core.PatternResistantToChange:     core.PriorityHigh,
}

// FeedbackFor derives adaptive feedback addressed to one agent from an
// insight. Priority is the highest priority among the insight's tags.
func (e *Engine) FeedbackFor(insight core.Insight, target core.AgentID) core.AdaptiveFeedback {
	priority := core.PriorityLow
	for _, tag := range insight.Tags {
		if p, ok := patternPriorities[tag]; ok && p > priority {
			priority = p
		}
	}
	tags := make([]string, 0, len(insight.Tags))
	for _, t := range insight.Tags {
		tags = append(tags, string(t))
	}
	return core.AdaptiveFeedback{
		ID:          core.NewID(),
		InsightID:   insight.ID,
		Target:      target,
		Description: fmt.Sprintf("observed %v in session %s", tags, insight.SessionID),
		Priority:    priority,
		Suggestions: insight.Recommendations,
		Status:      core.FeedbackPending,
		CreatedAt:   e.now(),
	}
}

// Persist writes insights as memory slices under the given scope through
// the access-controlled vault path.
func (e *Engine) Persist(ctx context.Context, v *vault.Vault, scope core.Scope, insights []core.Insight, grant core.Grant) error {
	for _, in := range insights {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal insight %s: %w", in.ID, err)
		}
		if _, err := v.Create(ctx, scope, core.CategoryInsight, payload, grant); err != nil {
			return fmt.Errorf("persist insight %s: %w", in.ID, err)
		}
	}
	return nil
}

// Report is an aggregate view over one session's analysis output.
type Report struct {
	ID            string                      `json:"report_id"`
	SessionID     string                      `json:"session_id"`
	PatternCounts map[core.PatternTag]int     `json:"pattern_counts"`
	Insights      []core.Insight              `json:"insights"`
	Feedback      []core.AdaptiveFeedback     `json:"feedback"`
	Confidence    map[core.PatternTag]float64 `json:"confidence"`
	GeneratedAt   time.Time                   `json:"generated_at"`
}

// BuildReport aggregates insights and per-participant feedback into a
// report. Deterministic given its inputs apart from generated identifiers.
func (e *Engine) BuildReport(sessionID string, insights []core.Insight, participants []core.AgentID) Report {
	rep := Report{
		ID:            core.NewID(),
		SessionID:     sessionID,
		PatternCounts: make(map[core.PatternTag]int),
		Confidence:    make(map[core.PatternTag]float64),
		Insights:      insights,
		GeneratedAt:   e.now(),
	}
	for _, in := range insights {
		for _, tag := range in.Tags {
			rep.PatternCounts[tag]++
			if in.Confidence > rep.Confidence[tag] {
				rep.Confidence[tag] = in.Confidence
			}
		}
		for _, p := range participants {
			rep.Feedback = append(rep.Feedback, e.FeedbackFor(in, p))
		}
	}
	return rep
}
