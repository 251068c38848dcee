package orchestrator

import (
	"sort"

	"github.com/hupe1980/roundtable/core"
)

// TurnPolicy decides which agents may submit the next turn. Eligible must
// be a pure function of the transcript so far and the participant set, and
// must order its result deterministically: the first element is the
// preferred next speaker, ties broken by lowest agent identity
// lexicographically.
type TurnPolicy interface {
	Name() string
	Eligible(turns []core.TurnRecord, participants []core.AgentID) []core.AgentID
}

func sortedIDs(participants []core.AgentID) []core.AgentID {
	out := make([]core.AgentID, len(participants))
	copy(out, participants)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoundRobin cycles through the participants in lexicographic order, one
// turn each. Exactly one agent is eligible at any time.
type RoundRobin struct{}

// Name returns the policy name.
func (RoundRobin) Name() string { return "round_robin" }

// Eligible returns the single agent whose turn it is.
func (RoundRobin) Eligible(turns []core.TurnRecord, participants []core.AgentID) []core.AgentID {
	if len(participants) == 0 {
		return nil
	}
	ids := sortedIDs(participants)
	return []core.AgentID{ids[len(turns)%len(ids)]}
}

// FirstCome admits every participant for every turn; whoever submits first
// for a sequence number wins and the rest retry.
type FirstCome struct{}

// Name returns the policy name.
func (FirstCome) Name() string { return "first_come" }

// Eligible returns all participants in lexicographic order.
func (FirstCome) Eligible(_ []core.TurnRecord, participants []core.AgentID) []core.AgentID {
	return sortedIDs(participants)
}

// Moderated scores participants by a fixed moderator-assigned weight. The
// agents with the fewest turns so far are eligible, ordered by descending
// weight; equal weights fall back to lowest agent identity.
type Moderated struct {
	Weights map[core.AgentID]float64
}

// Name returns the policy name.
func (Moderated) Name() string { return "moderated" }

// Eligible returns the least-spoken participants ordered by score.
func (m Moderated) Eligible(turns []core.TurnRecord, participants []core.AgentID) []core.AgentID {
	if len(participants) == 0 {
		return nil
	}
	counts := make(map[core.AgentID]int, len(participants))
	for _, t := range turns {
		counts[t.Agent]++
	}
	min := -1
	for _, p := range participants {
		if c := counts[p]; min < 0 || c < min {
			min = c
		}
	}
	var eligible []core.AgentID
	for _, p := range participants {
		if counts[p] == min {
			eligible = append(eligible, p)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		wi, wj := m.Weights[eligible[i]], m.Weights[eligible[j]]
		if wi != wj {
			return wi > wj
		}
		return eligible[i] < eligible[j]
	})
	return eligible
}

// policyByName rebuilds a stateless policy for an inherited session.
func policyByName(name string, parent TurnPolicy) TurnPolicy {
	if parent != nil && parent.Name() == name {
		return parent
	}
	switch name {
	case "first_come":
		return FirstCome{}
	case "moderated":
		return Moderated{}
	default:
		return RoundRobin{}
	}
}
