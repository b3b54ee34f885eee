// Package tools defines the tools available to the agent and the
// per-turn dispatcher that runs them.
package tools

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/nugget/aide/internal/llm"
)

// RevealToolName is the base tool that opens the gate for the rest of
// the turn.
const RevealToolName = "reveal_gated_tools"

// Param describes one tool parameter.
type Param struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
}

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Params      map[string]Param
	Required    []string

	// Gated tools stay hidden until reveal_gated_tools is called in the
	// current turn.
	Gated bool

	// Feature names the toggle that must be enabled for the tool to be
	// visible. Empty means the tool is part of the base set.
	Feature string

	Handler func(ctx context.Context, args map[string]any) (Result, error)
}

// Schema returns the function definition sent to the LLM.
func (t *Tool) Schema() map[string]any {
	props := make(map[string]any, len(t.Params))
	for name, p := range t.Params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
	}
	required := t.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		},
	}
}

// Result is a successful tool result. Attachments are local files the
// model should see on its next call, such as a fetched image.
type Result struct {
	Content     string
	Attachments []llm.Attachment
}

// Text returns a plain text result.
func Text(s string) Result {
	return Result{Content: s}
}

// Config is the explicit tool configuration: which optional features
// have a configured backend.
type Config struct {
	Features map[string]bool
}

// Enabled reports whether feature is on. The empty feature is the base
// set and always on.
func (c Config) Enabled(feature string) bool {
	return feature == "" || c.Features[feature]
}

// GateState is the per-turn gate.
type GateState struct {
	Revealed bool
}

// VisibleTools returns the sorted names of the tools the model may see
// for the given configuration and gate. The reveal tool is visible only
// while some enabled gated tool exists.
func VisibleTools(defs []*Tool, cfg Config, gate GateState) []string {
	var names []string
	hasGated := false
	for _, t := range defs {
		if t.Name == RevealToolName || !cfg.Enabled(t.Feature) {
			continue
		}
		if t.Gated {
			hasGated = true
			if !gate.Revealed {
				continue
			}
		}
		names = append(names, t.Name)
	}
	if hasGated {
		for _, t := range defs {
			if t.Name == RevealToolName {
				names = append(names, t.Name)
				break
			}
		}
	}
	slices.Sort(names)
	return names
}

// Registry holds available tools.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates a registry holding only the reveal tool.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger: logger.With("component", "tools"),
		tools:  make(map[string]*Tool),
	}
	r.Register(&Tool{
		Name: RevealToolName,
		Description: "Reveal higher-risk tools (sending email, running commands, deploying) for the rest of this turn. " +
			"Call this only when the user has asked for one of those actions.",
	})
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns every registered tool ordered by name.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, name := range slices.Sorted(maps.Keys(r.tools)) {
		out = append(out, r.tools[name])
	}
	return out
}

// BeginTurn starts a dispatcher scope with a closed gate.
func (r *Registry) BeginTurn(cfg Config, opts TurnOptions) *Turn {
	return &Turn{
		reg:    r,
		cfg:    cfg,
		opts:   opts,
		logger: r.logger,
		calls:  make(map[string]*callState),
	}
}
