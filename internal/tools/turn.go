package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/aide/internal/budget"
	"github.com/nugget/aide/internal/llm"
)

// TurnOptions configure one dispatcher scope.
type TurnOptions struct {
	// Preflight runs after argument validation and before the handler.
	// A non-nil error skips the handler; errors matching
	// budget.ErrBudgetExceeded become budget_exceeded results.
	Preflight func(ctx context.Context, call llm.ToolCall) error
}

// Outcome is the single terminal result for one tool call.
type Outcome struct {
	CallID string
	Name   string
	Result Result
	Err    *ToolError
}

// Message renders the outcome as a tool-result message addressed to
// its call id.
func (o Outcome) Message() llm.Message {
	m := llm.Message{Role: llm.RoleTool, ToolCallID: o.CallID}
	if o.Err != nil {
		m.Content = "Error: " + o.Err.Error()
		return m
	}
	m.Content = o.Result.Content
	m.Attachments = o.Result.Attachments
	return m
}

type callState struct {
	done    chan struct{}
	outcome Outcome
}

// Turn dispatches tool calls for one agent turn. The gate opens at most
// once and never outlives the Turn. Safe for concurrent use.
type Turn struct {
	reg    *Registry
	cfg    Config
	opts   TurnOptions
	logger *slog.Logger

	mu    sync.Mutex
	gate  GateState
	calls map[string]*callState
}

// Gate returns the current gate state.
func (t *Turn) Gate() GateState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gate
}

// Visible returns the names the model may currently call.
func (t *Turn) Visible() []string {
	return VisibleTools(t.reg.All(), t.cfg, t.Gate())
}

// Schemas returns the function definitions for the visible tools.
func (t *Turn) Schemas() []map[string]any {
	var out []map[string]any
	for _, name := range t.Visible() {
		if tool := t.reg.Get(name); tool != nil {
			out = append(out, tool.Schema())
		}
	}
	return out
}

// Execute runs one tool call and returns its outcome. A call id is
// invoked at most once per turn; repeated or concurrent calls with the
// same id receive the first invocation's outcome.
func (t *Turn) Execute(ctx context.Context, call llm.ToolCall) Outcome {
	if call.ID == "" {
		return t.run(ctx, call)
	}

	t.mu.Lock()
	if st, ok := t.calls[call.ID]; ok {
		t.mu.Unlock()
		<-st.done
		return st.outcome
	}
	st := &callState{done: make(chan struct{})}
	t.calls[call.ID] = st
	t.mu.Unlock()

	st.outcome = t.run(ctx, call)
	close(st.done)
	return st.outcome
}

func (t *Turn) run(ctx context.Context, call llm.ToolCall) Outcome {
	out := Outcome{CallID: call.ID, Name: call.Name}
	log := t.logger.With("tool", call.Name, "call_id", call.ID)
	if id := TurnIDFromContext(ctx); id != "" {
		log = log.With("turn_id", id)
	}

	tool := t.reg.Get(call.Name)
	if tool == nil {
		out.Err = &ToolError{Kind: KindUnknownTool, Tool: call.Name, Message: fmt.Sprintf("unknown tool %q", call.Name)}
		log.Warn("model called unknown tool")
		return out
	}
	if !slices.Contains(t.Visible(), tool.Name) {
		out.Err = t.notVisible(tool)
		log.Warn("model called hidden tool", "kind", out.Err.Kind)
		return out
	}

	args, err := parseArguments(call.Arguments)
	if err == nil {
		err = validateArguments(tool, args)
	}
	if err != nil {
		out.Err = &ToolError{Kind: KindInvalidArguments, Tool: tool.Name, Message: err.Error()}
		log.Debug("invalid tool arguments", "error", err)
		return out
	}

	if tool.Name == RevealToolName {
		out.Result = t.reveal()
		log.Info("gated tools revealed")
		return out
	}

	if t.opts.Preflight != nil {
		if err := t.opts.Preflight(ctx, call); err != nil {
			kind := KindUnavailable
			if errors.Is(err, budget.ErrBudgetExceeded) {
				kind = KindBudgetExceeded
			}
			out.Err = &ToolError{Kind: kind, Tool: tool.Name, Message: err.Error(), Err: err}
			log.Info("tool dispatch skipped", "kind", kind, "error", err)
			return out
		}
	}

	start := time.Now()
	res, err := invoke(ctx, tool, args, log)
	log = log.With("elapsed", time.Since(start).Round(time.Millisecond))
	if err != nil {
		out.Err = classify(tool.Name, err)
		log.Warn("tool failed", "kind", out.Err.Kind, "error", err)
		return out
	}
	out.Result = res
	log.Debug("tool completed", "result_len", len(res.Content), "attachments", len(res.Attachments))
	return out
}

func (t *Turn) notVisible(tool *Tool) *ToolError {
	e := &ToolError{Kind: KindUnavailable, Tool: tool.Name}
	switch {
	case !t.cfg.Enabled(tool.Feature):
		e.Message = fmt.Sprintf("feature %q is not configured", tool.Feature)
	case tool.Gated:
		e.Message = fmt.Sprintf("tool is gated; call %s first", RevealToolName)
	default:
		e.Message = "tool is not available"
	}
	return e
}

func (t *Turn) reveal() Result {
	t.mu.Lock()
	already := t.gate.Revealed
	t.gate.Revealed = true
	t.mu.Unlock()

	var names []string
	for _, tool := range t.reg.All() {
		if tool.Gated && t.cfg.Enabled(tool.Feature) {
			names = append(names, tool.Name)
		}
	}
	if len(names) == 0 {
		return Text("No gated tools are configured.")
	}
	if already {
		return Text("Gated tools are already available: " + strings.Join(names, ", "))
	}
	return Text("Now available for this turn: " + strings.Join(names, ", "))
}

func invoke(ctx context.Context, tool *Tool, args map[string]any, log *slog.Logger) (res Result, err error) {
	if tool.Handler == nil {
		return Result{}, fmt.Errorf("tool %s has no handler", tool.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("tool panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Handler(ctx, args)
}

func classify(name string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		c := *te
		if c.Tool == "" {
			c.Tool = name
		}
		return &c
	}
	kind := KindExecutionFailed
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCanceled
	case errors.Is(err, budget.ErrBudgetExceeded):
		kind = KindBudgetExceeded
	}
	return &ToolError{Kind: kind, Tool: name, Message: err.Error(), Err: err}
}

// parseArguments decodes the model's JSON arguments. Empty input and
// null are treated as no arguments.
func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func validateArguments(tool *Tool, args map[string]any) error {
	for _, name := range tool.Required {
		v, ok := args[name]
		if !ok || v == nil {
			return fmt.Errorf("missing required argument %q", name)
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return fmt.Errorf("required argument %q is empty", name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(args)) {
		v := args[name]
		p, ok := tool.Params[name]
		if !ok || v == nil {
			continue
		}
		if !matchesType(p.Type, v) {
			return fmt.Errorf("argument %q must be of type %s", name, p.Type)
		}
		if len(p.Enum) > 0 {
			if s, _ := v.(string); !slices.Contains(p.Enum, s) {
				return fmt.Errorf("argument %q must be one of %s", name, strings.Join(p.Enum, ", "))
			}
		}
	}
	return nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}
