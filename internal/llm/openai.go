package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/mcpagent/internal/config"
	"github.com/nugget/mcpagent/internal/httpkit"
)

// errorBodyLimit caps how much of an error response is kept.
const errorBodyLimit = 4096

// OpenAIClient talks to an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for baseURL (for example
// https://api.openai.com/v1). The key is sent as a bearer token; an
// empty key sends no Authorization header, which suits local servers.
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger, opts ...httpkit.ClientOption) *OpenAIClient {
	if baseURL == "" {
		baseURL = config.DefaultOpenAIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if apiKey != "" {
		opts = append([]httpkit.ClientOption{httpkit.WithHeader("Authorization", "Bearer "+apiKey)}, opts...)
	}
	opts = append(opts, httpkit.WithLogger(logger))

	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

type openaiRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	payload, err := json.Marshal(openaiRequest{
		Model:    model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "openai request", "payload", string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, errorBodyLimit)

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, errorBodyLimit),
		}
	}

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("openai response has no choices")
	}

	choice := out.Choices[0]
	msg := choice.Message
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}

	c.logger.Debug("openai chat complete",
		"model", out.Model,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(msg.ToolCalls),
		"input_tokens", out.Usage.PromptTokens,
		"output_tokens", out.Usage.CompletionTokens,
	)

	return &ChatResponse{
		Model:        out.Model,
		Message:      msg,
		FinishReason: choice.FinishReason,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// Ping lists models to check that the API is reachable and the key is
// accepted.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, errorBodyLimit)

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, errorBodyLimit),
		}
	}
	return nil
}
