package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessSpawn is matched by errors returned from Start when the
	// server executable could not be launched.
	ErrProcessSpawn = errors.New("mcp: cannot launch server process")

	// ErrTransportClosed is returned when a request cannot be written or
	// its response can no longer arrive because the server's pipes have
	// closed. Once the reader has exited every later request fails with
	// this error as well.
	ErrTransportClosed = errors.New("mcp: transport closed")

	// ErrRequestTimeout is returned when no response arrives within the
	// configured per-request timeout. The pending entry is removed, so a
	// late response is discarded.
	ErrRequestTimeout = errors.New("mcp: request timed out")

	// ErrNotStarted is returned by Send and Notify before Start.
	ErrNotStarted = errors.New("mcp: transport not started")
)

// ProcessSpawnError describes a failed server launch.
type ProcessSpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("start subprocess %s: %v", e.Command, e.Err)
}

// Unwrap exposes both the sentinel and the underlying exec error.
func (e *ProcessSpawnError) Unwrap() []error {
	return []error{ErrProcessSpawn, e.Err}
}

// ProtocolError reports a well-formed response that lacks the fields
// the called operation needs.
type ProtocolError struct {
	Method string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: protocol error: %s: %v", e.Method, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: protocol error: %s", e.Method, e.Reason)
}

// Unwrap returns the decode error, if any.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// MalformedMessage is the diagnostic produced when a line from the
// server is not valid JSON. It never reaches a request caller because no
// id can be recovered from the line.
type MalformedMessage struct {
	Line []byte
	Err  error
}

// String renders the diagnostic for logs.
func (m MalformedMessage) String() string {
	return fmt.Sprintf("malformed message (%v): %q", m.Err, truncate(m.Line, 200))
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
