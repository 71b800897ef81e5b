package mcp

import "context"

// Transport is the interface for MCP server communication.
// Implementations handle framing, encoding and correlation of JSON-RPC
// messages over a specific channel.
type Transport interface {
	// Start connects to the server. For stdio transports this launches
	// the subprocess.
	Start(ctx context.Context) error

	// Send sends a JSON-RPC request and returns the response with the
	// same id. It must be safe for concurrent use.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}
