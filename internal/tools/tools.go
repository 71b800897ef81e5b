// Package tools holds the tools offered to the model and dispatches the
// model's tool calls to them.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nugget/mcpagent/internal/metrics"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds available tools in registration order.
type Registry struct {
	tools   []*Tool
	byName  map[string]*Tool
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger, rec *metrics.Recorder) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName:  make(map[string]*Tool),
		logger:  logger,
		metrics: rec,
	}
}

// Register adds a tool. A second tool with an already registered name
// is still listed, but calls by that name reach the first one.
func (r *Registry) Register(t *Tool) {
	r.tools = append(r.tools, t)
	if _, ok := r.byName[t.Name]; !ok {
		r.byName[t.Name] = t
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.byName[name]
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// List returns all tools in the function-calling schema the LLM expects.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, FunctionSchema(t.Name, t.Description, t.Parameters))
	}
	return result
}

// FunctionSchema builds one function-calling tool entry. A tool with no
// parameter schema accepts an empty object.
func FunctionSchema(name, description string, parameters map[string]any) map[string]any {
	if parameters == nil {
		parameters = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        name,
			"description": description,
			"parameters":  parameters,
		},
	}
}

// Execute runs a tool by name with the model's JSON-encoded arguments.
// Arguments that are empty, invalid, or not a JSON object are replaced by
// an empty object so that the tool is still attempted.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.byName[name]
	if tool == nil {
		r.metrics.ToolExecution(name, metrics.StatusError)
		return "", &ErrToolUnavailable{ToolName: name}
	}

	args := r.decodeArguments(name, argsJSON)

	result, err := tool.Handler(ctx, args)
	if err != nil {
		r.metrics.ToolExecution(name, metrics.StatusError)
		return result, err
	}
	r.metrics.ToolExecution(name, metrics.StatusOK)
	return result, nil
}

func (r *Registry) decodeArguments(name, argsJSON string) map[string]any {
	if strings.TrimSpace(argsJSON) == "" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || args == nil {
		r.logger.Warn("tool arguments are not a JSON object, calling with none",
			"tool", name,
			"arguments", argsJSON,
			"error", err,
		)
		return map[string]any{}
	}
	return args
}
