// Package demo is a small MCP server used to exercise the agent end to
// end. It speaks MCP over stdio through mcp-go and exposes a project
// code lookup and an echo tool.
package demo

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/mcpagent/internal/buildinfo"
)

// ServerName is reported in the initialize handshake.
const ServerName = "mcpagent-demo"

// projectCodes is the lookup table behind GetProjectCode.
var projectCodes = map[string]string{
	"BBAC":  "88888888",
	"DMCDV": "65UTTV",
}

// NoCode is returned for unknown projects.
const NoCode = "no code"

// ProjectCode describes the code for a project name. The name must
// match exactly.
func ProjectCode(project string) string {
	if code, ok := projectCodes[project]; ok {
		return fmt.Sprintf("the code of project %s is %s", project, code)
	}
	return NoCode
}

// NewServer builds the MCP server with its tools registered.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(ServerName, buildinfo.Version,
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("GetProjectCode",
		mcp.WithDescription("Return the code of a project by its name"),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Project name, for example BBAC"),
		),
	), handleProjectCode)

	s.AddTool(mcp.NewTool("Echo",
		mcp.WithDescription("Echo the given text back"),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to echo"),
		),
	), handleEcho)

	return s
}

func handleProjectCode(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := req.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(ProjectCode(project)), nil
}

func handleEcho(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

// Serve runs the server over the given streams until in reaches end of
// stream or ctx is cancelled. Server diagnostics go to errLog.
func Serve(ctx context.Context, in io.Reader, out io.Writer, errLog io.Writer) error {
	stdio := server.NewStdioServer(NewServer())
	stdio.SetErrorLogger(log.New(errLog, "mcp-demo: ", log.LstdFlags))
	return stdio.Listen(ctx, in, out)
}
