// Package mcp implements a Model Context Protocol client that talks to a
// single MCP server running as a child process.
//
// Messages are JSON-RPC 2.0 objects, one per line, written to the
// server's stdin and read from its stdout. A single reader goroutine owns
// stdout and hands each response to the caller waiting on its request id,
// so any number of requests may be in flight at once and may complete in
// any order.
//
// On top of the transport, [Client] offers tools/list and tools/call, and
// [BridgeTools] registers the discovered tools on a [tools.Registry] so an
// LLM tool-calling loop can invoke them by name.
package mcp
