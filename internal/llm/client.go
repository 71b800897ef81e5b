// Package llm provides chat-completion clients for the model that drives
// the agent. Every provider speaks the same Message and ToolCall types;
// wire-format conversion happens at the provider boundary.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends the conversation and the tools the model may call, and
	// returns the model's next message. A nil or empty tools slice
	// offers no tools.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
