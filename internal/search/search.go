// Package search provides web search for the agent.
//
// Each backend implements [Provider]. The [Manager] tries the
// configured providers in order and returns the first answer.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// MaxCount is the largest result count any provider is asked for.
const MaxCount = 10

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results. Zero means 5.
	Count int

	// Language is an ISO 639-1 code such as "en".
	Language string
}

func (o Options) count() int {
	switch {
	case o.Count <= 0:
		return 5
	case o.Count > MaxCount:
		return MaxCount
	}
	return o.Count
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// ErrNoProviders is returned by a Manager with nothing registered.
var ErrNoProviders = errors.New("no search provider configured")

// Manager holds providers in priority order.
type Manager struct {
	providers []Provider
	logger    *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "search")}
}

// Register appends a provider. Earlier providers are tried first.
func (m *Manager) Register(p Provider) {
	m.providers = append(m.providers, p)
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// Search runs the query against each provider in turn until one
// succeeds. Context cancellation stops the fallback.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if len(m.providers) == 0 {
		return nil, ErrNoProviders
	}
	var errs []error
	for _, p := range m.providers {
		results, err := p.Search(ctx, query, opts)
		if err == nil {
			m.logger.Debug("search complete", "provider", p.Name(), "results", len(results))
			return results, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("search provider failed", "provider", p.Name(), "error", err)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("all search providers failed: %w", errors.Join(errs...))
}

// FormatResults renders results as a numbered list.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "\n   %s", r.Snippet)
		}
	}
	return sb.String()
}
