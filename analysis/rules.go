package analysis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/roundtable/core"
)

// finding is the output of one rule over a transcript window.
type finding struct {
	tags            []core.PatternTag
	confidence      float64
	evidence        []string
	recommendations []string
}

// rule inspects a transcript window and reports at most one finding.
// Rules must be pure functions of their input.
type rule func(turns []core.TurnRecord, participants []core.AgentID) (finding, bool)

// defaultRules is the declarative rule set applied in order. Order is part
// of the contract: output is reproducible for a given input.
var defaultRules = []rule{
	participationRule,
	depthRule,
	collaborationRule,
	adaptationRule,
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// participationRule compares per-agent turn counts. A spread of at most one
// turn across all participants reads as consistent engagement; anything
// wider, or a participant with no turns at all, as variable participation.
func participationRule(turns []core.TurnRecord, participants []core.AgentID) (finding, bool) {
	if len(turns) < len(participants) {
		return finding{}, false
	}
	counts := make(map[core.AgentID]int, len(participants))
	for _, p := range participants {
		counts[p] = 0
	}
	for _, t := range turns {
		counts[t.Agent]++
	}
	min, max := -1, 0
	for _, p := range participants {
		c := counts[p]
		if min < 0 || c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	f := finding{confidence: clamp01(float64(len(turns)) / 10.0)}
	for _, p := range participants {
		f.evidence = append(f.evidence, fmt.Sprintf("%s: %d turns", p, counts[p]))
	}
	if max-min <= 1 {
		f.tags = []core.PatternTag{core.PatternConsistentEngagement}
	} else {
		f.tags = []core.PatternTag{core.PatternVariableParticipation}
		f.recommendations = append(f.recommendations, "rebalance turn allocation across participants")
	}
	return f, true
}

// depthRule classifies average output length.
func depthRule(turns []core.TurnRecord, _ []core.AgentID) (finding, bool) {
	if len(turns) == 0 {
		return finding{}, false
	}
	total := 0
	for _, t := range turns {
		total += len(t.Output)
	}
	avg := float64(total) / float64(len(turns))
	f := finding{
		confidence: clamp01(float64(len(turns)) / 8.0),
		evidence:   []string{fmt.Sprintf("average output length %.0f chars over %d turns", avg, len(turns))},
	}
	switch {
	case avg >= 240:
		f.tags = []core.PatternTag{core.PatternDeepDiveTendency}
	case avg < 40:
		f.tags = []core.PatternTag{core.PatternSurfaceLevel}
		f.recommendations = append(f.recommendations, "prompt for elaboration on short contributions")
	default:
		return finding{}, false
	}
	return f, true
}

// collaborationRule measures how often outputs reference other participants
// by identity.
func collaborationRule(turns []core.TurnRecord, participants []core.AgentID) (finding, bool) {
	if len(turns) < 4 || len(participants) < 2 {
		return finding{}, false
	}
	mentions := 0
	for _, t := range turns {
		lower := strings.ToLower(t.Output)
		for _, p := range participants {
			if p == t.Agent {
				continue
			}
			if strings.Contains(lower, strings.ToLower(string(p))) {
				mentions++
				break
			}
		}
	}
	ratio := float64(mentions) / float64(len(turns))
	f := finding{
		confidence: clamp01(float64(len(turns)) / 12.0),
		evidence:   []string{fmt.Sprintf("%d of %d turns reference another participant", mentions, len(turns))},
	}
	switch {
	case ratio >= 0.3:
		f.tags = []core.PatternTag{core.PatternCollaborative}
	case mentions == 0:
		f.tags = []core.PatternTag{core.PatternIndependent}
		f.recommendations = append(f.recommendations, "encourage direct responses to other participants")
	default:
		return finding{}, false
	}
	return f, true
}

// adaptationRule measures whether turns build on the immediately preceding
// turn of another agent, using word overlap as the signal.
func adaptationRule(turns []core.TurnRecord, _ []core.AgentID) (finding, bool) {
	if len(turns) < 6 {
		return finding{}, false
	}
	linked := 0
	pairs := 0
	for i := 1; i < len(turns); i++ {
		if turns[i].Agent == turns[i-1].Agent {
			continue
		}
		pairs++
		if wordOverlap(turns[i-1].Output, turns[i].Output) >= 2 {
			linked++
		}
	}
	if pairs == 0 {
		return finding{}, false
	}
	ratio := float64(linked) / float64(pairs)
	f := finding{
		confidence: clamp01(float64(pairs) / 10.0),
		evidence:   []string{fmt.Sprintf("%d of %d cross-agent transitions share vocabulary", linked, pairs)},
	}
	switch {
	case ratio >= 0.5:
		f.tags = []core.PatternTag{core.PatternAdaptiveLearning}
	case linked == 0:
		f.tags = []core.PatternTag{core.PatternResistantToChange}
		f.recommendations = append(f.recommendations, "surface preceding context to participants before their turn")
	default:
		return finding{}, false
	}
	return f, true
}

// wordOverlap counts distinct words of at least four characters shared by
// both texts.
func wordOverlap(a, b string) int {
	seen := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(a)) {
		if len(w) >= 4 {
			seen[w] = true
		}
	}
	shared := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(b)) {
		if len(w) >= 4 && seen[w] {
			shared[w] = true
		}
	}
	return len(shared)
}

// sortTags orders pattern tags lexicographically for reproducible output.
func sortTags(tags []core.PatternTag) {
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
}
