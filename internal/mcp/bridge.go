package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/mcpagent/internal/tools"
)

// ToolCaller is the part of Client the bridge needs.
type ToolCaller interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error)
}

// BridgeTools discovers tools from an MCP client and registers them on
// the given tool registry under their MCP names, in server order.
//
// The include and exclude lists control which MCP tools are bridged:
//   - If include is non-empty, only tools whose MCP names appear in it are registered.
//   - If exclude is non-empty, tools whose MCP names appear in it are skipped.
//   - If both are empty, all tools are registered.
//
// BridgeTools returns the number of tools registered.
func BridgeTools(ctx context.Context, client ToolCaller, registry *tools.Registry, include, exclude []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mcpTools, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools: %w", err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	count := 0
	for _, td := range mcpTools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		registry.Register(BridgeTool(client, td))
		count++

		logger.Debug("bridged MCP tool", "name", td.Name)
	}

	return count, nil
}

// BridgeTool creates a tool that proxies calls to an MCP server. The
// handler returns the result's text; a result flagged isError also
// returns a *tools.ErrToolReported carrying that text.
func BridgeTool(client ToolCaller, td ToolDefinition) *tools.Tool {
	name := td.Name

	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  td.InputSchema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			result, err := client.CallTool(ctx, name, args)
			if err != nil {
				return "", err
			}
			text := result.Text()
			if result.IsError {
				return text, &tools.ErrToolReported{Source: "MCP", ToolName: name, Message: text}
			}
			return text, nil
		},
	}
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
