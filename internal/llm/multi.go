package llm

import (
	"context"
	"fmt"
)

// MultiClient routes requests to a provider based on the model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // used for unmapped models
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	return m.fallback
}

// Chat sends the request to the provider that owns req.Model.
func (m *MultiClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	client := m.clientFor(req.Model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return client.Chat(ctx, req)
}

// Ping checks every registered provider and the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.clients) == 0 {
		return fmt.Errorf("no LLM providers configured")
	}
	for name, c := range m.clients {
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	return nil
}
