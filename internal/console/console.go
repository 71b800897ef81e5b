// Package console is the interactive chat front end. It reads user lines,
// hands them to the agent, and prints tool activity and replies.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/nugget/mcpagent/internal/agent"
)

// Agent runs one conversational turn. *agent.Loop satisfies it.
type Agent interface {
	Run(ctx context.Context, input string, onEvent func(agent.Event)) (*agent.Response, error)
}

// Options configures a Console.
type Options struct {
	// RenderMarkdown formats replies with glamour.
	RenderMarkdown bool

	// Style is a glamour style name. Empty picks one from the terminal.
	Style string

	// Width wraps rendered replies. Zero means 80.
	Width int

	// ShowTools prints each tool call and its result.
	ShowTools bool

	Logger *slog.Logger
}

// Console is a line-oriented REPL.
type Console struct {
	in       io.Reader
	out      io.Writer
	agent    Agent
	opts     Options
	renderer *glamour.TermRenderer
	logger   *slog.Logger
}

// New creates a console reading from in and writing to out.
func New(in io.Reader, out io.Writer, a Agent, opts Options) (*Console, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Width == 0 {
		opts.Width = 80
	}

	c := &Console{in: in, out: out, agent: a, opts: opts, logger: logger}

	if opts.RenderMarkdown {
		style := glamour.WithAutoStyle()
		if opts.Style != "" {
			style = glamour.WithStandardStyle(opts.Style)
		}
		r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(opts.Width))
		if err != nil {
			return nil, fmt.Errorf("create markdown renderer: %w", err)
		}
		c.renderer = r
	}

	return c, nil
}

// IsExit reports whether a line ends the session: empty, "quit" or
// "exit" in any case.
func IsExit(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "quit", "exit":
		return true
	}
	return false
}

// Run reads lines until an exit line, end of input, or ctx is done. A
// failed turn is reported and the session continues.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintln(c.out, "Type messages (or 'quit' to exit).")

	for {
		fmt.Fprint(c.out, "\nYou: ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(c.out)
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		if IsExit(line) {
			return nil
		}

		resp, err := c.agent.Run(ctx, strings.TrimSpace(line), c.onEvent)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("agent turn failed", "error", err)
			fmt.Fprintf(c.out, "\nerror: %v\n", err)
			continue
		}

		fmt.Fprintf(c.out, "\nAssistant: %s\n", c.render(resp.Content))
	}
}

func (c *Console) onEvent(e agent.Event) {
	switch e.Kind {
	case agent.EventAssistantText:
		fmt.Fprintf(c.out, "\nAssistant (pre-tool): %s\n", e.Text)
	case agent.EventToolCall:
		if c.opts.ShowTools {
			fmt.Fprintf(c.out, "\n[tool] %s %s\n", e.Tool, e.Arguments)
		}
	case agent.EventToolResult:
		if c.opts.ShowTools {
			fmt.Fprintf(c.out, "[result from %s]\n%s\n", e.Tool, e.Text)
		}
	}
}

// render formats markdown when enabled, falling back to the raw text.
func (c *Console) render(text string) string {
	if c.renderer == nil || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := c.renderer.Render(text)
	if err != nil {
		c.logger.Debug("markdown render failed", "error", err)
		return text
	}
	return strings.TrimSpace(out)
}
