// Mcpagent is a terminal chat agent whose tools come from an MCP server.
//
// It launches the configured MCP server as a subprocess, speaks
// line-delimited JSON-RPC 2.0 to it over stdin/stdout, and offers the
// server's tools to an OpenAI-compatible model. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcpagent chat                   Start an interactive chat session
//	mcpagent tools                  Print the tools offered to the model
//	mcpagent call <tool> [json]     Call one MCP tool directly
//	mcpagent status                 Check the MCP server and the LLM provider
//	mcpagent login                  Store the API key in the OS keyring
//	mcpagent logout                 Remove the API key from the OS keyring
//	mcpagent init [dir]             Write an example config.yaml
//	mcpagent version                Print version and build information
//	mcpagent -o json version        Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/mcpagent/internal/agent"
	"github.com/nugget/mcpagent/internal/buildinfo"
	"github.com/nugget/mcpagent/internal/config"
	"github.com/nugget/mcpagent/internal/console"
	"github.com/nugget/mcpagent/internal/llm"
	"github.com/nugget/mcpagent/internal/mcp"
	"github.com/nugget/mcpagent/internal/metrics"
	"github.com/nugget/mcpagent/internal/secrets"
	"github.com/nugget/mcpagent/internal/tools"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit, the standard streams and os.Args out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stderr so that stdout carries
// only the conversation and command output. Arguments are parsed by hand
// because the flag package's globals get in the way of parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "call":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return errors.New("usage: mcpagent call <tool> [json-args]")
		}
		argsJSON := ""
		if len(cmdArgs) == 2 {
			argsJSON = cmdArgs[1]
		}
		return runCall(ctx, stdout, stderr, configPath, cmdArgs[0], argsJSON)
	case "status":
		return runStatus(ctx, stdout, stderr, configPath, outputFmt)
	case "login":
		return runLogin(stdin, stdout, configPath)
	case "logout":
		return runLogout(stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpagent - chat with a model that can call MCP server tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpagent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat                  Start an interactive chat session")
	fmt.Fprintln(w, "  tools                 Print the tools offered to the model")
	fmt.Fprintln(w, "  call <tool> [json]    Call one MCP tool directly")
	fmt.Fprintln(w, "  status                Check the MCP server and the LLM provider")
	fmt.Fprintln(w, "  login                 Read an API key from stdin into the OS keyring")
	fmt.Fprintln(w, "  logout                Remove the API key from the OS keyring")
	fmt.Fprintln(w, "  init [dir]            Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runChat starts the MCP server, bridges its tools and runs the REPL
// until the user quits or ctx is cancelled.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	llmClient, err := createLLMClient(cfg, logger)
	if err != nil {
		return err
	}
	// An unreachable provider is reported up front, but the session still
	// starts; the first chat turn returns the real error.
	if err := llmClient.Ping(ctx); err != nil {
		logger.Warn("LLM provider not reachable", "provider", cfg.LLM.Provider, "error", err)
	}

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	if name, version := sess.client.ServerInfo(); name != "" {
		fmt.Fprintf(stdout, "Connected to %s %s with %d tools.\n", name, version, sess.registry.Len())
	}

	if cfg.Metrics.Listen != "" {
		srv := metrics.NewServer(cfg.Metrics.Listen, sess.gatherer, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	loop := agent.NewLoop(llmClient, sess.registry, agent.Config{
		Model:         cfg.LLM.Model,
		SystemPrompt:  cfg.SystemPrompt,
		MaxToolRounds: cfg.ToolRounds(),
	}, logger)

	logger.Info("chat session started",
		"session", loop.SessionID(),
		"model", cfg.LLM.Model,
		"tools", sess.registry.Len(),
	)

	c, err := console.New(stdin, stdout, loop, console.Options{
		RenderMarkdown: cfg.RenderMarkdown,
		ShowTools:      true,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runTools prints the outbound tool schema, or one tool per line in text
// mode.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess.registry.List())
	}

	for _, name := range sess.registry.Names() {
		desc := ""
		if t := sess.registry.Get(name); t != nil {
			desc = t.Description
		}
		if desc == "" {
			fmt.Fprintln(stdout, name)
			continue
		}
		fmt.Fprintf(stdout, "%-24s %s\n", name, desc)
	}
	return nil
}

// runCall invokes one bridged tool with JSON arguments, exactly as a
// model's tool call would be dispatched.
func runCall(ctx context.Context, stdout, stderr io.Writer, configPath, name, argsJSON string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	result, err := sess.registry.Execute(ctx, name, argsJSON)
	if result != "" {
		fmt.Fprintln(stdout, result)
	}
	return err
}

// statusReport is what the status command prints.
type statusReport struct {
	MCP struct {
		Name          string `json:"name"`
		ServerName    string `json:"server_name,omitempty"`
		ServerVersion string `json:"server_version,omitempty"`
		Tools         int    `json:"tools"`
		Ping          string `json:"ping"`
	} `json:"mcp"`
	LLM struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		BaseURL  string `json:"base_url"`
		Ping     string `json:"ping"`
	} `json:"llm"`
}

// runStatus starts the MCP server and pings it and the LLM provider. It
// prints what it found and fails if either check failed.
func runStatus(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	var report statusReport
	failed := 0
	check := func(err error) string {
		if err != nil {
			failed++
			return err.Error()
		}
		return "ok"
	}

	report.MCP.Name = cfg.MCP.Name
	report.MCP.ServerName, report.MCP.ServerVersion = sess.client.ServerInfo()
	report.MCP.Tools = sess.registry.Len()
	report.MCP.Ping = check(sess.client.Ping(ctx))

	report.LLM.Provider = cfg.LLM.Provider
	report.LLM.Model = cfg.LLM.Model
	report.LLM.BaseURL = cfg.LLM.BaseURL
	llmClient, err := createLLMClient(cfg, logger)
	if err == nil {
		err = llmClient.Ping(ctx)
	}
	report.LLM.Ping = check(err)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		server := report.MCP.Name
		if report.MCP.ServerName != "" {
			server = fmt.Sprintf("%s (%s %s)", report.MCP.Name, report.MCP.ServerName, report.MCP.ServerVersion)
		}
		fmt.Fprintf(stdout, "MCP server:  %s\n", server)
		fmt.Fprintf(stdout, "  tools:     %d\n", report.MCP.Tools)
		fmt.Fprintf(stdout, "  ping:      %s\n", report.MCP.Ping)
		fmt.Fprintf(stdout, "LLM:         %s %s at %s\n", report.LLM.Provider, report.LLM.Model, report.LLM.BaseURL)
		fmt.Fprintf(stdout, "  ping:      %s\n", report.LLM.Ping)
	}

	if failed > 0 {
		return fmt.Errorf("status: %d check(s) failed", failed)
	}
	return nil
}

// keyringStore returns the keyring entry named by the config. A missing
// config file falls back to the default entry unless a path was given.
func keyringStore(configPath string) (*secrets.Store, error) {
	service := config.DefaultKeyringService
	user := config.DefaultProvider

	cfg, _, err := loadConfig(configPath)
	switch {
	case err == nil:
		service, user = cfg.LLM.KeyringService, cfg.LLM.KeyringUser
	case configPath != "":
		return nil, err
	}
	return secrets.NewStore(service, user), nil
}

// runLogin reads an API key from the first line of stdin and stores it
// in the keyring.
func runLogin(stdin io.Reader, stdout io.Writer, configPath string) error {
	store, err := keyringStore(configPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "API key for %s: ", store)
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read key: %w", err)
	}
	fmt.Fprintln(stdout)

	if err := store.Set(line); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "API key stored in keyring.")
	return nil
}

// runLogout removes the stored API key. Removing a key that is not
// there succeeds.
func runLogout(stdout io.Writer, configPath string) error {
	store, err := keyringStore(configPath)
	if err != nil {
		return err
	}
	if err := store.Delete(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "API key for %s removed from keyring.\n", store)
	return nil
}

// session is a started MCP server with its tools bridged.
type session struct {
	client    *mcp.Client
	transport *mcp.StdioTransport
	registry  *tools.Registry
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// openSession launches the MCP server, optionally performs the
// handshake, and registers the server's tools.
func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewRecorder(reg)

	transport := mcp.NewStdioTransport(mcp.StdioConfig{
		Command:        cfg.MCP.Command,
		Args:           cfg.MCP.Args,
		Env:            cfg.MCP.Env,
		RequestTimeout: cfg.MCP.Timeout(),
		Logger:         logger.With("mcp_server", cfg.MCP.Name),
		Metrics:        rec,
	})
	client := mcp.NewClient(cfg.MCP.Name, transport, logger)

	if err := client.Start(ctx); err != nil {
		return nil, err
	}

	if cfg.MCP.Initialize {
		if err := client.Initialize(ctx); err != nil {
			client.Close()
			return nil, err
		}
	}

	registry := tools.NewRegistry(logger, rec)
	count, err := mcp.BridgeTools(ctx, client, registry, cfg.MCP.Include, cfg.MCP.Exclude, logger)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("bridge tools from %s: %w", cfg.MCP.Name, err)
	}
	logger.Info("MCP tools bridged", "server", cfg.MCP.Name, "count", count)

	return &session{
		client:    client,
		transport: transport,
		registry:  registry,
		gatherer:  reg,
		logger:    logger,
	}, nil
}

// Close stops the server. Requests still in flight fail.
func (s *session) Close() error {
	if n := s.transport.Pending(); n > 0 {
		s.logger.Warn("closing MCP session with requests outstanding", "pending", n)
	}
	return s.client.Close()
}

// setup loads the config and builds the logger it asks for.
func setup(stderr io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)

	return cfg, logger, nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds the configured provider and routes the
// configured model to it. OpenAI needs a key from the config or the
// keyring; Ollama needs none.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	store := secrets.NewStore(cfg.LLM.KeyringService, cfg.LLM.KeyringUser)

	var primary llm.Client
	switch cfg.LLM.Provider {
	case "ollama":
		primary = llm.NewOllamaClient(cfg.LLM.BaseURL, logger)
	default:
		key, source, err := secrets.Resolve(cfg.LLM.APIKey, store)
		if err != nil {
			if errors.Is(err, secrets.ErrNoKey) {
				return nil, fmt.Errorf("%w for %s: set llm.api_key or run 'mcpagent login'", err, cfg.LLM.Provider)
			}
			return nil, err
		}
		logger.Debug("API key resolved", "provider", cfg.LLM.Provider, "source", source)
		primary = llm.NewOpenAIClient(cfg.LLM.BaseURL, key, logger)
	}

	multi := llm.NewMultiClient()
	multi.AddProvider(cfg.LLM.Provider, primary)
	multi.AddModel(cfg.LLM.Model, cfg.LLM.Provider)

	logger.Info("LLM client initialized",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"base_url", cfg.LLM.BaseURL,
	)
	return multi, nil
}
