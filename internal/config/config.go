// Package config handles mcpagent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// AppName names the per-user config directory.
const AppName = "mcpagent"

// Defaults applied by Load for fields the file leaves unset.
const (
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxToolRounds  = 1
	DefaultProvider       = "openai"
	DefaultOpenAIBaseURL  = "https://api.openai.com/v1"
	DefaultOllamaBaseURL  = "http://localhost:11434"
	DefaultModel          = "gpt-4.1-mini"
	DefaultKeyringService = AppName
	DefaultSystemPrompt   = "You are a helpful assistant. Use the available tools when they help answer the user."
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, $XDG_CONFIG_HOME/mcpagent/config.yaml, /etc/mcpagent/config.yaml.
func DefaultSearchPaths() []string {
	return []string{
		"config.yaml",
		filepath.Join(xdg.ConfigHome, AppName, "config.yaml"),
		filepath.Join("/etc", AppName, "config.yaml"),
	}
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcpagent configuration.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	SystemPrompt string `yaml:"system_prompt"`

	// MaxToolRounds is how many model turns per user message may call
	// tools. Unset means DefaultMaxToolRounds; an explicit 0 never
	// offers tools.
	MaxToolRounds *int `yaml:"max_tool_rounds"`

	RenderMarkdown bool          `yaml:"render_markdown"`
	MCP            MCPConfig     `yaml:"mcp"`
	LLM            LLMConfig     `yaml:"llm"`
	Metrics        MetricsConfig `yaml:"metrics"`
}

// MCPConfig describes the MCP server subprocess.
type MCPConfig struct {
	// Name labels the server in logs and metrics.
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env entries ("KEY=VALUE") are appended to the agent's environment.
	Env []string `yaml:"env"`

	// RequestTimeout bounds each request. Unset means
	// DefaultRequestTimeout; an explicit 0 waits forever.
	RequestTimeout *time.Duration `yaml:"request_timeout"`

	// Initialize performs the MCP handshake before listing tools.
	Initialize bool `yaml:"initialize"`

	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Timeout returns the effective per-request timeout.
func (m MCPConfig) Timeout() time.Duration {
	if m.RequestTimeout == nil {
		return DefaultRequestTimeout
	}
	return *m.RequestTimeout
}

// ToolRounds returns the effective tool round limit.
func (c *Config) ToolRounds() int {
	if c.MaxToolRounds == nil {
		return DefaultMaxToolRounds
	}
	return *c.MaxToolRounds
}

// LLMConfig selects the chat model. The API key is never stored in
// source; it comes from the file (usually via ${VAR}) or the OS keyring.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, ollama
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`

	KeyringService string `yaml:"keyring_service"`
	KeyringUser    string `yaml:"keyring_user"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the bind address. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration. It has no MCP command and so
// does not validate on its own.
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      LogFormatText,
		SystemPrompt:   DefaultSystemPrompt,
		RenderMarkdown: true,
		LLM: LLMConfig{
			Provider: DefaultProvider,
			Model:    DefaultModel,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = LogFormatText
	}
	if c.MCP.Name == "" {
		c.MCP.Name = filepath.Base(c.MCP.Command)
	}
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = DefaultProvider
	}
	if c.LLM.BaseURL == "" {
		switch c.LLM.Provider {
		case "ollama":
			c.LLM.BaseURL = DefaultOllamaBaseURL
		default:
			c.LLM.BaseURL = DefaultOpenAIBaseURL
		}
	}
	if c.LLM.KeyringService == "" {
		c.LLM.KeyringService = DefaultKeyringService
	}
	if c.LLM.KeyringUser == "" {
		c.LLM.KeyringUser = c.LLM.Provider
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.MCP.Command) == "" {
		errs = append(errs, errors.New("mcp.command is required"))
	}
	if c.MCP.RequestTimeout != nil && *c.MCP.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("mcp.request_timeout must not be negative (got %s)", *c.MCP.RequestTimeout))
	}
	if c.MaxToolRounds != nil && *c.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("max_tool_rounds must not be negative (got %d)", *c.MaxToolRounds))
	}
	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown llm.provider %q (valid: openai, ollama)", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON, LogFormatPretty:
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json, pretty)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
