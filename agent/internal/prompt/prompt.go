// Package prompt renders session context into prompts shared by the
// model-backed agent adapters.
package prompt

import (
	"fmt"
	"strings"

	"github.com/hupe1980/roundtable/core"
)

// System composes the persona instructions with any adopted feedback
// suggestions. Returns "" when there is nothing to say.
func System(instructions string, id core.AgentID, applied []core.AdaptiveFeedback) string {
	var sb strings.Builder
	if instructions != "" {
		sb.WriteString(instructions)
	} else {
		fmt.Fprintf(&sb, "You are %s, a participant in a multi-agent roundtable discussion.", id)
	}
	if len(applied) > 0 {
		sb.WriteString("\n\nAdjust your behavior according to this feedback:")
		for _, fb := range applied {
			for _, s := range fb.Suggestions {
				sb.WriteString("\n- ")
				sb.WriteString(s)
			}
		}
	}
	return sb.String()
}

// Turn renders a TurnContext into a single user message: the transcript so
// far, a short summary of visible memory, and the ask.
func Turn(tc core.TurnContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s, turn %d. Participants: %s.\n",
		tc.SessionID, tc.Sequence, joinAgents(tc.Participants))

	if len(tc.Transcript) > 0 {
		sb.WriteString("\nConversation so far:\n")
		for _, t := range tc.Transcript {
			fmt.Fprintf(&sb, "%s: %s\n", t.Agent, t.Output)
		}
	} else {
		sb.WriteString("\nThe conversation has not started yet. Open it.\n")
	}

	if notes := memoryNotes(tc.CommunalMemory); notes != "" {
		sb.WriteString("\nShared session memory:\n")
		sb.WriteString(notes)
	}
	if notes := memoryNotes(tc.PrivateMemory); notes != "" {
		sb.WriteString("\nYour private memory:\n")
		sb.WriteString(notes)
	}

	sb.WriteString("\nRespond with your next contribution to the discussion.")
	return sb.String()
}

func joinAgents(ids []core.AgentID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func memoryNotes(slices []core.Slice) string {
	var sb strings.Builder
	for _, sl := range slices {
		if sl.Category == core.CategoryTranscript {
			continue
		}
		payload := string(sl.Payload)
		if len(payload) > 280 {
			payload = payload[:280] + "..."
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", sl.Category, payload)
	}
	return sb.String()
}
