// Package agent implements the conversation loop: it sends the history
// and the available tools to the model, runs the tool calls the model
// asks for, and feeds the results back until the model answers in text.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcpagent/internal/llm"
)

// ToolExecutor is the tool surface the loop needs. *tools.Registry
// satisfies it.
type ToolExecutor interface {
	List() []map[string]any
	Execute(ctx context.Context, name string, argsJSON string) (string, error)
}

// Config holds per-loop settings.
type Config struct {
	Model        string
	SystemPrompt string

	// MaxToolRounds is how many model turns may request tools before the
	// model must answer without them. Zero never offers tools.
	MaxToolRounds int
}

// Response is the outcome of one user turn.
type Response struct {
	Content      string
	Model        string
	ToolCalls    int
	Rounds       int
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// EventKind identifies a progress event.
type EventKind int

const (
	// EventAssistantText is text the model produced alongside tool calls.
	EventAssistantText EventKind = iota

	// EventToolCall fires before a tool runs.
	EventToolCall

	// EventToolResult fires after a tool returns.
	EventToolResult
)

// Event reports progress within a turn.
type Event struct {
	Kind      EventKind
	Text      string
	Tool      string
	Arguments string
	Err       error
}

// Loop holds one conversation. Turns are serialized.
type Loop struct {
	logger *slog.Logger
	llm    llm.Client
	tools  ToolExecutor
	config Config

	sessionID string

	mu      sync.Mutex
	history []llm.Message
}

// NewLoop creates a loop whose history starts with the system prompt.
func NewLoop(client llm.Client, tools ToolExecutor, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		llm:       client,
		tools:     tools,
		config:    cfg,
		sessionID: uuid.NewString(),
	}
	l.logger = logger.With("session", l.sessionID)
	l.Reset()
	return l
}

// SessionID identifies this conversation in logs.
func (l *Loop) SessionID() string {
	return l.sessionID
}

// Reset clears the history back to the system prompt.
func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = l.history[:0]
	if l.config.SystemPrompt != "" {
		l.history = append(l.history, llm.Message{Role: llm.RoleSystem, Content: l.config.SystemPrompt})
	}
}

// History returns a copy of the conversation so far.
func (l *Loop) History() []llm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]llm.Message(nil), l.history...)
}

// Run processes one user message. Tool failures are returned to the
// model as "Error: ..." tool messages, never to the caller. If a model
// call fails the turn is discarded from the history and the error is
// returned. onEvent may be nil.
func (l *Loop) Run(ctx context.Context, input string, onEvent func(Event)) (*Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	emit := func(e Event) {
		if onEvent != nil {
			onEvent(e)
		}
	}

	start := time.Now()
	mark := len(l.history)
	l.history = append(l.history, llm.Message{Role: llm.RoleUser, Content: input})

	l.logger.Info("agent turn started", "model", l.config.Model, "history", len(l.history))

	out := &Response{Model: l.config.Model}
	for round := 0; ; round++ {
		var offered []map[string]any
		if round < l.config.MaxToolRounds {
			offered = l.tools.List()
		}

		l.logger.Debug("calling LLM",
			"round", round,
			"messages", len(l.history),
			"tools", len(offered),
		)

		resp, err := l.llm.Chat(ctx, l.config.Model, l.history, offered)
		if err != nil {
			l.history = l.history[:mark]
			return nil, fmt.Errorf("chat round %d: %w", round, err)
		}

		out.Rounds++
		out.InputTokens += resp.InputTokens
		out.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			out.Model = resp.Model
		}

		msg := resp.Message
		msg.Role = llm.RoleAssistant

		// Calls to tools that were not offered are ignored.
		if len(offered) == 0 || len(msg.ToolCalls) == 0 {
			msg.ToolCalls = nil
			l.history = append(l.history, msg)
			out.Content = msg.Content
			out.Duration = time.Since(start)

			l.logger.Info("agent turn complete",
				"rounds", out.Rounds,
				"tool_calls", out.ToolCalls,
				"input_tokens", out.InputTokens,
				"output_tokens", out.OutputTokens,
				"elapsed", out.Duration.Round(time.Millisecond),
			)
			return out, nil
		}

		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == "" {
				msg.ToolCalls[i].ID = "call_" + uuid.NewString()
			}
			if msg.ToolCalls[i].Type == "" {
				msg.ToolCalls[i].Type = "function"
			}
		}
		if msg.Content != "" {
			emit(Event{Kind: EventAssistantText, Text: msg.Content})
		}
		l.history = append(l.history, msg)

		for _, call := range msg.ToolCalls {
			l.history = append(l.history, l.runTool(ctx, call, emit))
			out.ToolCalls++
		}
	}
}

// runTool executes one call and builds the tool message that answers it.
func (l *Loop) runTool(ctx context.Context, call llm.ToolCall, emit func(Event)) llm.Message {
	name := call.Function.Name
	emit(Event{Kind: EventToolCall, Tool: name, Arguments: call.Function.Arguments})

	start := time.Now()
	result, err := l.tools.Execute(ctx, name, call.Function.Arguments)
	if err != nil {
		l.logger.Warn("tool call failed",
			"tool", name,
			"call_id", call.ID,
			"error", err,
		)
		result = "Error: " + err.Error()
	} else {
		l.logger.Debug("tool call complete",
			"tool", name,
			"call_id", call.ID,
			"result_len", len(result),
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}

	emit(Event{Kind: EventToolResult, Tool: name, Text: result, Err: err})
	return llm.ToolResult(call, result)
}
