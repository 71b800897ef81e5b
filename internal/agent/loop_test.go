package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/mcpagent/internal/llm"
	"github.com/nugget/mcpagent/internal/tools"
)

// llmCall captures the arguments of one Chat invocation.
type llmCall struct {
	Messages []llm.Message
	Tools    []map[string]any
}

// mockLLM replays canned responses in order.
type mockLLM struct {
	responses []*llm.ChatResponse
	errAt     int // 1-based call that fails; 0 never
	calls     []llmCall
}

func (m *mockLLM) Chat(_ context.Context, _ string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	m.calls = append(m.calls, llmCall{
		Messages: append([]llm.Message(nil), messages...),
		Tools:    tools,
	})
	if m.errAt == len(m.calls) {
		return nil, errors.New("provider unavailable")
	}
	if len(m.calls) > len(m.responses) {
		return nil, errors.New("unexpected LLM call")
	}
	return m.responses[len(m.calls)-1], nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func reply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolReply(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
	}
}

// projectRegistry has GetProjectCode and a tool that always fails. seen
// records the arguments each GetProjectCode call received.
func projectRegistry(seen *[]map[string]any) *tools.Registry {
	r := tools.NewRegistry(nil, nil)
	r.Register(&tools.Tool{
		Name:        "GetProjectCode",
		Description: "Return the code of a project",
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			*seen = append(*seen, args)
			switch args["project"] {
			case "BBAC":
				return "88888888", nil
			case "DMCDV":
				return "65UTTV", nil
			}
			return "no code", nil
		},
	})
	r.Register(&tools.Tool{
		Name: "Broken",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("server exploded")
		},
	})
	return r
}

func TestLoop_PlainAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{reply("Hello!")}}
	var seen []map[string]any
	loop := NewLoop(mock, projectRegistry(&seen), Config{Model: "m", SystemPrompt: "sys", MaxToolRounds: 1}, nil)

	resp, err := loop.Run(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "Hello!" || resp.Rounds != 1 || resp.ToolCalls != 0 {
		t.Errorf("response = %+v", resp)
	}
	if len(mock.calls[0].Tools) != 2 {
		t.Errorf("tools offered = %d, want 2", len(mock.calls[0].Tools))
	}

	history := loop.History()
	roles := make([]string, len(history))
	for i, m := range history {
		roles[i] = m.Role
	}
	if got := strings.Join(roles, ","); got != "system,user,assistant" {
		t.Errorf("history roles = %s", got)
	}
}

func TestLoop_OneToolRound(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolReply(llm.NewToolCall("call_1", "GetProjectCode", `{"project":"BBAC"}`)),
		reply("The code of BBAC is 88888888."),
	}}
	var seen []map[string]any
	loop := NewLoop(mock, projectRegistry(&seen), Config{Model: "m", SystemPrompt: "sys", MaxToolRounds: 1}, nil)

	resp, err := loop.Run(context.Background(), "What is the code of project BBAC?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "The code of BBAC is 88888888." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.ToolCalls != 1 || resp.Rounds != 2 {
		t.Errorf("tool calls = %d, rounds = %d", resp.ToolCalls, resp.Rounds)
	}

	if len(mock.calls) != 2 {
		t.Fatalf("LLM calls = %d, want 2", len(mock.calls))
	}
	if mock.calls[1].Tools != nil {
		t.Error("final call offered tools after the last tool round")
	}

	second := mock.calls[1].Messages
	toolMsg := second[len(second)-1]
	if toolMsg.Role != llm.RoleTool || toolMsg.ToolCallID != "call_1" || toolMsg.Content != "88888888" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	assistant := second[len(second)-2]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool-call message = %+v", assistant)
	}

	if len(seen) != 1 || seen[0]["project"] != "BBAC" {
		t.Errorf("tool saw %v", seen)
	}
}

func TestLoop_ToolFailuresBecomeMessages(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolReply(
			llm.NewToolCall("a", "Broken", `{}`),
			llm.NewToolCall("b", "Missing", `{}`),
		),
		reply("Sorry."),
	}}
	var seen []map[string]any
	loop := NewLoop(mock, projectRegistry(&seen), Config{Model: "m", MaxToolRounds: 1}, nil)

	if _, err := loop.Run(context.Background(), "break it", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := mock.calls[1].Messages
	broken, missing := msgs[len(msgs)-2], msgs[len(msgs)-1]
	if broken.Content != "Error: server exploded" {
		t.Errorf("failing tool message = %q", broken.Content)
	}
	if !strings.HasPrefix(missing.Content, "Error: ") || !strings.Contains(missing.Content, "Missing") {
		t.Errorf("unknown tool message = %q", missing.Content)
	}
}

func TestLoop_MalformedArgumentsStillCallTool(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolReply(llm.NewToolCall("c", "GetProjectCode", `{"project": BBAC`)),
		reply("No code."),
	}}
	var seen []map[string]any
	loop := NewLoop(mock, projectRegistry(&seen), Config{Model: "m", MaxToolRounds: 1}, nil)

	if _, err := loop.Run(context.Background(), "code?", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 1 || len(seen[0]) != 0 {
		t.Errorf("tool saw %v, want one call with empty arguments", seen)
	}
}

func TestLoop_SynthesizesMissingCallIDs(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolReply(llm.ToolCall{Function: llm.FunctionCall{Name: "GetProjectCode", Arguments: `{"project":"DMCDV"}`}}),
		reply("65UTTV"),
	}}
	var seen []map[string]any
	loop := NewLoop(mock, projectRegistry(&seen), Config{Model: "m", MaxToolRounds: 1}, nil)

	if _, err := loop.Run(context.Background(), "code?", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := mock.calls[1].Messages
	call := msgs[len(msgs)-2].ToolCalls[0]
	if call.ID == "" || call.Type != "function" {
		t.Fatalf("call = %+v, want synthesized id and type", call)
	}
	if msgs[len(msgs)-1].ToolCallID != call.ID {
		t.Errorf("tool message id %q does not match call id %q", msgs[len(msgs)-1].ToolCallID, call.ID)
	}
}

func TestLoop_MultipleToolRounds(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolReply(llm.NewToolCall("1", "GetProjectCode", `{"project":"BBAC"}`)),
		toolReply(llm.NewToolCall("2", "GetProjectCode", `{"project":"DMCDV"}`)),
		reply("BBAC is 88888888 and DMCDV is 65UTTV."),
	}}
	var seen []map[string]any
	loop := NewLoop(mock, projectRegistry(&seen), Config{Model: "m", MaxToolRounds: 3}, nil)

	resp, err := loop.Run(context.Background(), "both codes?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.ToolCalls != 2 || resp.Rounds != 3 {
		t.Errorf("tool calls = %d, rounds = %d", resp.ToolCalls, resp.Rounds)
	}
	for i, call := range mock.calls {
		if call.Tools == nil {
			t.Errorf("call %d offered no tools, want tools within max_tool_rounds", i)
		}
	}
}

func TestLoop_ToolCallsWithoutOfferedToolsIgnored(t *testing.T) {
	resp := toolReply(llm.NewToolCall("x", "GetProjectCode", `{}`))
	resp.Message.Content = "I would call a tool."
	mock := &mockLLM{responses: []*llm.ChatResponse{resp}}
	var seen []map[string]any
	loop := NewLoop(mock, projectRegistry(&seen), Config{Model: "m", MaxToolRounds: 0}, nil)

	out, err := loop.Run(context.Background(), "code?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Content != "I would call a tool." || len(seen) != 0 {
		t.Errorf("content = %q, tool calls run = %d", out.Content, len(seen))
	}
	history := loop.History()
	if len(history[len(history)-1].ToolCalls) != 0 {
		t.Error("unanswered tool calls left in history")
	}
}

func TestLoop_LLMErrorRollsBackTurn(t *testing.T) {
	mock := &mockLLM{
		responses: []*llm.ChatResponse{
			toolReply(llm.NewToolCall("1", "GetProjectCode", `{"project":"BBAC"}`)),
			reply("unused"),
			reply("second try"),
		},
		errAt: 2,
	}
	var seen []map[string]any
	loop := NewLoop(mock, projectRegistry(&seen), Config{Model: "m", SystemPrompt: "sys", MaxToolRounds: 1}, nil)

	if _, err := loop.Run(context.Background(), "code?", nil); err == nil {
		t.Fatal("Run succeeded, want error")
	}
	if got := len(loop.History()); got != 1 {
		t.Errorf("history length after failed turn = %d, want 1 (system only)", got)
	}
}

func TestLoop_Events(t *testing.T) {
	first := toolReply(llm.NewToolCall("1", "GetProjectCode", `{"project":"BBAC"}`))
	first.Message.Content = "Let me look that up."
	mock := &mockLLM{responses: []*llm.ChatResponse{first, reply("88888888")}}
	var seen []map[string]any
	loop := NewLoop(mock, projectRegistry(&seen), Config{Model: "m", MaxToolRounds: 1}, nil)

	var events []Event
	if _, err := loop.Run(context.Background(), "code?", func(e Event) { events = append(events, e) }); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []EventKind{EventAssistantText, EventToolCall, EventToolResult}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Errorf("event %d kind = %v, want %v", i, events[i].Kind, kind)
		}
	}
	if events[2].Text != "88888888" || events[2].Tool != "GetProjectCode" {
		t.Errorf("result event = %+v", events[2])
	}
}

func TestLoop_ResetAndSession(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{reply("one")}}
	var seen []map[string]any
	loop := NewLoop(mock, projectRegistry(&seen), Config{Model: "m", SystemPrompt: "sys"}, nil)

	if loop.SessionID() == "" {
		t.Error("empty session id")
	}
	if _, err := loop.Run(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	loop.Reset()
	if h := loop.History(); len(h) != 1 || h[0].Role != llm.RoleSystem {
		t.Errorf("history after Reset = %+v", h)
	}
}
