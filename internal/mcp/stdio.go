package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nugget/mcpagent/internal/config"
	"github.com/nugget/mcpagent/internal/metrics"
)

const (
	// stopGrace is how long Close waits for the server to exit after its
	// stdin is closed before killing it.
	stopGrace = 5 * time.Second

	// drainGrace is how long the transport waits, after the process has
	// exited, for the reader to reach end of stream on its own. Output
	// held open by a grandchild is cut off after this.
	drainGrace = 2 * time.Second
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// RequestTimeout bounds how long Send waits for a response. Zero
	// means wait until the context is done or the transport closes.
	RequestTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger

	// Metrics records request outcomes. Nil disables instrumentation.
	Metrics *metrics.Recorder

	// OnMalformed, if set, is called from the reader goroutine for every
	// line that is not valid JSON.
	OnMalformed func(MalformedMessage)
}

// StdioTransport communicates with an MCP server running as a
// subprocess. Any number of Send calls may be in flight; a single reader
// goroutine routes each response to its caller by request id.
type StdioTransport struct {
	config  StdioConfig
	logger  *slog.Logger
	pending *pendingTable

	mu      sync.Mutex // guards cmd, stdin, started, closed
	cmd     *exec.Cmd
	stdin   *os.File
	stdout  *os.File
	started bool
	closed  bool

	// writeSem holds one token while a line is being written, so
	// concurrent requests never interleave on the pipe. It is a channel
	// rather than a mutex so that waiting for it can be abandoned.
	writeSem chan struct{}

	done    chan struct{} // closed when the reader exits
	exited  chan struct{} // closed when the process has been reaped
	waitErr error         // set before exited is closed
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start is called.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		pending:  newPendingTable(cfg.Metrics.SetPending),
		writeSem: make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start launches the subprocess and the reader goroutine. It returns as
// soon as the process exists; there is no readiness check. A launch
// failure is reported as a *ProcessSpawnError.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.started {
		return errors.New("mcp: transport already started")
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Stderr = &stderrLogger{logger: t.logger}
	cmd.WaitDelay = drainGrace

	// Both pipes are plain os.Pipe pairs rather than cmd.StdinPipe and
	// cmd.StdoutPipe. Reaping the process then never closes the read end
	// under the reader, and the write end supports deadlines.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return &ProcessSpawnError{Command: t.config.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return &ProcessSpawnError{Command: t.config.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return &ProcessSpawnError{Command: t.config.Command, Err: err}
	}
	// The child holds its own copies of these ends.
	stdinR.Close()
	stdoutW.Close()

	t.cmd = cmd
	t.stdin = stdinW
	t.stdout = stdoutR
	t.started = true

	go t.readLoop(bufio.NewReaderSize(stdoutR, 1<<20)) // 1 MiB buffer for large responses
	go t.wait()

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// wait reaps the process. If the reader has not reached end of stream
// shortly after the exit, the read end is closed to unblock it.
func (t *StdioTransport) wait() {
	err := t.cmd.Wait()
	t.waitErr = err
	close(t.exited)

	if err != nil {
		t.logger.Info("MCP subprocess exited", "error", err)
	} else {
		t.logger.Info("MCP subprocess exited")
	}

	select {
	case <-t.done:
	case <-time.After(drainGrace):
		t.logger.Warn("MCP subprocess output still open after exit, closing")
		t.stdout.Close()
	}
}

// readLoop is the only goroutine that reads the server's stdout. It runs
// until end of stream, then fails every outstanding request.
func (t *StdioTransport) readLoop(r *bufio.Reader) {
	defer func() {
		n := t.pending.closeAll()
		close(t.done)
		t.logger.Debug("MCP reader stopped", "failed_pending", n)
	}()

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			t.handleLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.logger.Warn("read from subprocess stdout failed", "error", err)
			}
			return
		}
	}
}

// handleLine decodes one line and resolves the matching pending request.
// Bad lines are reported and skipped; they never stop the loop.
func (t *StdioTransport) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	t.logger.Log(context.Background(), config.LevelTrace, "MCP recv", "line", string(line))

	msg, err := decodeLine(line)
	if err != nil {
		diag := MalformedMessage{Line: line, Err: err}
		t.logger.Warn("invalid JSON from MCP subprocess", "diagnostic", diag.String())
		t.config.Metrics.Malformed()
		if t.config.OnMalformed != nil {
			t.config.OnMalformed(diag)
		}
		return
	}

	// A method marks a notification or a server-to-client request. Its
	// id, if any, is in the server's id space and never names one of ours.
	if msg.Method != "" {
		t.logger.Debug("discarding MCP server message", "method", msg.Method, "id", string(msg.ID))
		return
	}

	id, ok := msg.responseID()
	if !ok {
		t.logger.Debug("discarding MCP message without id")
		return
	}

	if !t.pending.resolve(msg.response(id)) {
		t.logger.Debug("discarding unmatched MCP response", "id", id)
		t.config.Metrics.Unmatched()
	}
}

// Send writes req to the server and waits for the response with the same
// id. Concurrent calls are independent: each waits only for its own id.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if !t.isStarted() {
		return nil, ErrNotStarted
	}

	start := time.Now()
	resp, err := t.send(ctx, req)
	t.config.Metrics.ObserveRequest(req.Method, outcome(err), time.Since(start))
	return resp, err
}

func (t *StdioTransport) send(ctx context.Context, req *Request) (*Response, error) {
	data, err := EncodeLine(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch, err := t.pending.register(req.ID)
	if err != nil {
		return nil, err
	}

	// The timeout covers the write as well as the wait for the response.
	deadline, timeout, stop := t.requestTimer()
	defer stop()

	if err := t.writeLine(ctx, data, deadline, timeout); err != nil {
		t.pending.cancel(req.ID)
		if errors.Is(err, ErrRequestTimeout) {
			return nil, fmt.Errorf("%w: %s (id %d) after %s", ErrRequestTimeout, req.Method, req.ID, t.config.RequestTimeout)
		}
		return nil, fmt.Errorf("write request %d: %w", req.ID, err)
	}

	select {
	case resp, ok := <-ch:
		return t.delivered(req, resp, ok)
	case <-timeout:
		if !t.pending.cancel(req.ID) {
			// Resolved or closed while the timer fired.
			resp, ok := <-ch
			return t.delivered(req, resp, ok)
		}
		return nil, fmt.Errorf("%w: %s (id %d) after %s", ErrRequestTimeout, req.Method, req.ID, t.config.RequestTimeout)
	case <-ctx.Done():
		if !t.pending.cancel(req.ID) {
			resp, ok := <-ch
			return t.delivered(req, resp, ok)
		}
		return nil, ctx.Err()
	}
}

// requestTimer arms RequestTimeout. With no timeout configured the
// deadline is zero and the channel is nil.
func (t *StdioTransport) requestTimer() (deadline time.Time, expired <-chan time.Time, stop func() bool) {
	if t.config.RequestTimeout <= 0 {
		return time.Time{}, nil, func() bool { return false }
	}
	timer := time.NewTimer(t.config.RequestTimeout)
	return time.Now().Add(t.config.RequestTimeout), timer.C, timer.Stop
}

// delivered interprets a receive from a pending slot. A closed slot means
// the reader exited before the response arrived.
func (t *StdioTransport) delivered(req *Request, resp *Response, ok bool) (*Response, error) {
	if !ok {
		return nil, fmt.Errorf("%w: no response to %s (id %d)", ErrTransportClosed, req.Method, req.ID)
	}
	return resp, nil
}

// Notify sends a JSON-RPC notification over stdin. No response is
// expected, but the write is bounded like a request's.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if !t.isStarted() {
		return ErrNotStarted
	}

	data, err := EncodeLine(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	deadline, timeout, stop := t.requestTimer()
	defer stop()

	if err := t.writeLine(ctx, data, deadline, timeout); err != nil {
		return fmt.Errorf("write notification %s: %w", notif.Method, err)
	}
	return nil
}

// writeLine writes one complete line. It gives up when ctx is done or
// the request deadline passes, both while queued behind another writer
// and while the server is not draining its stdin.
func (t *StdioTransport) writeLine(ctx context.Context, data []byte, deadline time.Time, timeout <-chan time.Time) error {
	select {
	case <-t.done:
		return fmt.Errorf("%w: server output closed", ErrTransportClosed)
	default:
	}

	select {
	case t.writeSem <- struct{}{}:
	case <-timeout:
		return ErrRequestTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return fmt.Errorf("%w: server output closed", ErrTransportClosed)
	}
	defer func() { <-t.writeSem }()

	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("%w: stdin closed", ErrTransportClosed)
	}

	ctxBound := false
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline, ctxBound = d, true
	}
	if !deadline.IsZero() {
		_ = stdin.SetWriteDeadline(deadline)
	}
	// Cancellation without a deadline interrupts the write the same way.
	interrupted := make(chan struct{})
	stopInterrupt := context.AfterFunc(ctx, func() {
		_ = stdin.SetWriteDeadline(time.Now())
		close(interrupted)
	})

	t.logger.Log(context.Background(), config.LevelTrace, "MCP send", "line", string(bytes.TrimSpace(data)))

	n, err := stdin.Write(data)

	if !stopInterrupt() {
		<-interrupted
	}
	_ = stdin.SetWriteDeadline(time.Time{})

	if err == nil {
		return nil
	}
	if n > 0 {
		// The server has a partial line that the next write would
		// corrupt, so nothing more can be sent.
		t.logger.Warn("MCP request partially written, closing stdin", "written", n, "size", len(data))
		t.closeStdin(stdin)
	}

	switch {
	case !errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	case ctx.Err() != nil:
		return ctx.Err()
	case ctxBound:
		return context.DeadlineExceeded
	default:
		return ErrRequestTimeout
	}
}

// closeStdin closes stdin if it is still the current write end.
func (t *StdioTransport) closeStdin(stdin *os.File) {
	t.mu.Lock()
	if t.stdin == stdin {
		t.stdin = nil
	}
	t.mu.Unlock()
	stdin.Close()
}

// Done is closed when the reader has stopped. After that every Send
// fails with ErrTransportClosed.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// Pending returns the number of requests awaiting a response.
func (t *StdioTransport) Pending() int {
	return t.pending.len()
}

// Close terminates the subprocess and releases resources. Outstanding
// requests fail with ErrTransportClosed.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	stdin := t.stdin
	t.stdin = nil
	t.mu.Unlock()

	if !started {
		t.pending.closeAll()
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	// Closing stdin asks the server to exit.
	if stdin != nil {
		stdin.Close()
	}

	var err error
	select {
	case <-t.exited:
		err = t.waitErr
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-t.exited
	}

	<-t.done
	return err
}

func (t *StdioTransport) isStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// outcome maps a Send error onto a metrics status label.
func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.StatusOK
	case errors.Is(err, ErrTransportClosed):
		return metrics.StatusClosed
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return metrics.StatusTimeout
	default:
		return metrics.StatusError
	}
}

// stderrLogger forwards the server's stderr to the debug log, one
// record per line. It is not part of the protocol.
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(w.buf[:i], "\r"); len(line) > 0 {
			w.logger.Debug("MCP subprocess stderr", "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Verify interface compliance at compile time.
var _ Transport = (*StdioTransport)(nil)

