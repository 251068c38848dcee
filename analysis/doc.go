// Package analysis derives behavioral insights and adaptive feedback from
// session transcripts. Pattern tagging is rule based and deterministic:
// given the same transcript window and configuration, Analyze produces the
// same set of pattern tags every time, which is what makes the engine
// testable. Analysis failures degrade to "no insight produced"; the engine
// never fabricates output from a transcript it cannot interpret.
//
// Insights are persisted as memory slices through the same access-controlled
// vault path as everything else. Feedback at or above the configured
// priority threshold is eligible for automatic application by the target
// agent; everything below is advisory only.
package analysis
