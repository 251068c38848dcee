// Package anthropic provides a model-backed agent adapter for the
// Anthropic Claude API.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hupe1980/roundtable/agent/internal/prompt"
	"github.com/hupe1980/roundtable/core"
)

// Options configures the Anthropic agent adapter (persona instructions,
// model id, max tokens, API key). Extend via functional options to preserve
// stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	// Instructions is the persona system prompt.
	Instructions string
}

// Agent wraps the Anthropic Messages API behind the core.Agent interface.
type Agent struct {
	id     core.AgentID
	client *anthropic.Client
	opts   Options

	mu      sync.Mutex
	applied []core.AdaptiveFeedback
}

// NewAgent creates a new Anthropic-backed agent using the official client.
func NewAgent(id core.AgentID, optFns ...func(o *Options)) *Agent {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Agent{id: id, client: &client, opts: opts}
}

// NewAgentFromClient creates a new Anthropic-backed agent from an existing client.
func NewAgentFromClient(id core.AgentID, client *anthropic.Client, optFns ...func(o *Options)) *Agent {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Agent{id: id, client: client, opts: opts}
}

// ID returns the agent identity.
func (a *Agent) ID() core.AgentID { return a.id }

// ProposeTurn renders the session context into a single-shot message and
// returns the model's text output.
func (a *Agent) ProposeTurn(ctx context.Context, turn core.TurnContext) (string, error) {
	a.mu.Lock()
	system := prompt.System(a.opts.Instructions, a.id, a.applied)
	a.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model:       a.opts.Model,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: anthropic.Float(a.opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.Turn(turn))),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic api returned no text content")
	}
	return sb.String(), nil
}

// ApplyFeedback folds the feedback's suggestions into subsequent system
// prompts.
func (a *Agent) ApplyFeedback(_ context.Context, fb core.AdaptiveFeedback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, fb)
	return nil
}
