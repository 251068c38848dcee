// Package openai provides a model-backed agent adapter for the OpenAI
// Chat Completions API.
package openai

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/roundtable/agent/internal/prompt"
	"github.com/hupe1980/roundtable/core"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configures the OpenAI agent adapter. Keep this minimal; extend
// via functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	// Instructions is the persona system prompt.
	Instructions string
}

// Agent wraps the OpenAI Chat Completions API behind the core.Agent
// interface.
type Agent struct {
	id     core.AgentID
	client *openai.Client
	opts   Options

	mu      sync.Mutex
	applied []core.AdaptiveFeedback
}

// NewAgent creates a new OpenAI-backed agent using the official client.
func NewAgent(id core.AgentID, optFns ...func(o *Options)) *Agent {
	opts := applyOptions(optFns)
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)
	return &Agent{id: id, client: &client, opts: opts}
}

// NewAgentFromClient creates a new OpenAI-backed agent from an existing client.
func NewAgentFromClient(id core.AgentID, client *openai.Client, optFns ...func(o *Options)) *Agent {
	return &Agent{id: id, client: client, opts: applyOptions(optFns)}
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// ID returns the agent identity.
func (a *Agent) ID() core.AgentID { return a.id }

// ProposeTurn renders the session context into a single-shot completion
// request and returns the model's text output.
func (a *Agent) ProposeTurn(ctx context.Context, turn core.TurnContext) (string, error) {
	a.mu.Lock()
	system := prompt.System(a.opts.Instructions, a.id, a.applied)
	a.mu.Unlock()

	messages := []openai.ChatCompletionMessageParamUnion{}
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt.Turn(turn)))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               a.opts.Model,
		Temperature:         openai.Float(a.opts.Temperature),
		MaxCompletionTokens: openai.Int(a.opts.MaxCompletionTokens),
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("openai api returned empty content")
	}
	return content, nil
}

// ApplyFeedback folds the feedback's suggestions into subsequent system
// prompts.
func (a *Agent) ApplyFeedback(_ context.Context, fb core.AdaptiveFeedback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, fb)
	return nil
}
