package core

import "time"

// PatternTag identifies a behavioral pattern observed in a transcript.
type PatternTag string

// Patterns the built-in analysis rules can emit.
const (
	PatternConsistentEngagement  PatternTag = "consistent_engagement"
	PatternVariableParticipation PatternTag = "variable_participation"
	PatternDeepDiveTendency      PatternTag = "deep_dive_tendency"
	PatternSurfaceLevel          PatternTag = "surface_level_interaction"
	PatternCollaborative         PatternTag = "collaborative_behavior"
	PatternIndependent           PatternTag = "independent_working"
	PatternAdaptiveLearning      PatternTag = "adaptive_learning"
	PatternResistantToChange     PatternTag = "resistant_to_change"
)

// Insight is a derived artifact summarizing behavioral patterns observed in
// a session. Insights are created only by the analysis engine and persisted
// as memory slices through the access-controlled path.
type Insight struct {
	ID              string       `json:"id"`
	SessionID       string       `json:"source_session_id"`
	Tags            []PatternTag `json:"pattern_tags"`
	Confidence      float64      `json:"confidence"`
	EvidenceRefs    []string     `json:"evidence_refs,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// FeedbackPriority orders adaptive feedback by urgency.
type FeedbackPriority int

const (
	// PriorityLow is advisory only.
	PriorityLow FeedbackPriority = iota
	// PriorityMedium is advisory only.
	PriorityMedium
	// PriorityHigh is eligible for automatic application.
	PriorityHigh
	// PriorityCritical is eligible for automatic application.
	PriorityCritical
)

// String returns the string representation of the priority.
func (p FeedbackPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a string form back to a priority, defaulting to
// low for unrecognized input.
func ParsePriority(s string) FeedbackPriority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// FeedbackStatus is the lifecycle state of a piece of adaptive feedback.
type FeedbackStatus string

const (
	// FeedbackPending means the feedback has not been delivered yet.
	FeedbackPending FeedbackStatus = "pending"
	// FeedbackApplied means the target agent accepted the feedback.
	FeedbackApplied FeedbackStatus = "applied"
	// FeedbackRejected means the target agent refused the feedback.
	FeedbackRejected FeedbackStatus = "rejected"
)

// AdaptiveFeedback is a recommendation derived from an insight and addressed
// to one agent. Only feedback at or above the configured priority threshold
// may be applied automatically; everything below is advisory.
type AdaptiveFeedback struct {
	ID          string           `json:"id"`
	InsightID   string           `json:"insight_id"`
	Target      AgentID          `json:"target_persona"`
	Description string           `json:"description"`
	Priority    FeedbackPriority `json:"priority"`
	Suggestions []string         `json:"implementation_suggestions,omitempty"`
	Status      FeedbackStatus   `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}
