package tools

import "fmt"

// ErrToolUnavailable means the model called a name the registry does not
// hold, usually one the server never listed or a filter excluded.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.ToolName)
}

// ErrToolReported is a failure the tool reported about itself, such as an
// MCP result flagged isError. The call reached the tool; Message is what
// it said.
type ErrToolReported struct {
	Source   string
	ToolName string
	Message  string
}

func (e *ErrToolReported) Error() string {
	return fmt.Sprintf("%s tool %s returned error: %s", e.Source, e.ToolName, e.Message)
}
