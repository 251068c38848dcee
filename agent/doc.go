// Package agent provides adapter implementations of the core.Agent
// capability interface. Scripted replays canned outputs for tests and
// demos; the anthropic and openai subpackages wrap the official model SDKs
// behind the same interface so the orchestrator never needs to know which
// concrete persona type it is driving.
package agent
