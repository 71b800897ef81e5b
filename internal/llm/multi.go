package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MultiClient routes each chat to a provider. A model goes to the
// provider it was mapped to with AddModel; otherwise a "provider/model"
// name selects that provider and sends the bare model; anything else
// goes to the first provider added.
type MultiClient struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback string
}

// NewMultiClient creates a client with no providers.
func NewMultiClient() *MultiClient {
	return &MultiClient{
		clients: make(map[string]Client),
		models:  make(map[string]string),
	}
}

// AddProvider registers a client under a provider name. The first
// provider added becomes the fallback.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = client
	if m.fallback == "" {
		m.fallback = name
	}
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[model] = provider
}

// route picks the client for model and the model name it should see.
func (m *MultiClient) route(model string) (Client, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, model, nil
		}
		return nil, "", fmt.Errorf("model %q is mapped to unknown provider %q", model, provider)
	}
	if provider, bare, ok := strings.Cut(model, "/"); ok {
		if client, ok := m.clients[provider]; ok {
			return client, bare, nil
		}
	}
	if client, ok := m.clients[m.fallback]; ok {
		return client, model, nil
	}
	return nil, "", fmt.Errorf("no provider configured for model %q", model)
}

// Chat sends a request to the provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client, name, err := m.route(model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, name, messages, tools)
}

// Ping checks every provider in name order and joins the failures.
func (m *MultiClient) Ping(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	clients := make(map[string]Client, len(m.clients))
	for k, v := range m.clients {
		clients[k] = v
	}
	m.mu.RUnlock()

	if len(names) == 0 {
		return errors.New("no provider configured")
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := clients[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
