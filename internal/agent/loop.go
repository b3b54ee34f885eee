// Package agent runs conversation turns: it assembles the prompt, calls
// the model, dispatches tool calls and keeps the live window consistent.
package agent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/aide/internal/budget"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/memory"
	"github.com/nugget/aide/internal/prompts"
	"github.com/nugget/aide/internal/tools"
)

// State is a turn's position in the orchestration state machine.
type State int

const (
	StateStart State = iota
	StateAssembling
	StateCalling
	StateDispatching
	StateFinalizing
	StateDone
	StateFailed
)

var stateNames = [...]string{"start", "assembling", "calling", "dispatching", "finalizing", "done", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config tunes the turn loop. Zero fields take defaults.
type Config struct {
	Model     string
	Effort    string
	MaxTokens int

	// MaxRounds caps tool-call rounds per turn. Default: 25.
	MaxRounds int

	// LLMAttempts counts tries per LLM call on transient failures.
	// Default: 3.
	LLMAttempts int

	// MaxParallelTools bounds concurrent tool calls in one round.
	// Default: 4.
	MaxParallelTools int

	// ArchiveTimeout bounds the archival pass after a reply. Default:
	// 5 minutes.
	ArchiveTimeout time.Duration

	Pricing budget.Pricing
}

func (c *Config) applyDefaults() {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 25
	}
	if c.LLMAttempts <= 0 {
		c.LLMAttempts = 3
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = 4
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = 5 * time.Minute
	}
}

// Memory is the live window plus the archival trigger.
type Memory interface {
	Window() *memory.Window
	ArchiveIfNeeded(ctx context.Context) ([]memory.Chunk, error)
}

// Consolidator merges temporary chunks after an archival.
type Consolidator interface {
	Run(ctx context.Context) ([]memory.Chunk, error)
}

// Deps are the collaborators of a Loop. Consolidator and Budget may be
// nil.
type Deps struct {
	LLM          llm.Client
	Assembler    *Assembler
	Memory       Memory
	Consolidator Consolidator
	Tools        *tools.Registry
	ToolConfig   tools.Config
	Budget       *budget.Guard
	Logger       *slog.Logger
}

// Request is one inbound user message.
type Request struct {
	Content     string
	Attachments []llm.Attachment

	// ReplyTo is the id of the message the user is replying to.
	ReplyTo string

	// Effort overrides the configured reasoning effort for this turn.
	Effort string
}

// Response is the outcome of a completed turn. Content is empty when
// the model chose to say nothing.
type Response struct {
	TurnID  string
	Content string

	// RequestID and ReplyID are the window ids of the user message and
	// of the reply. ReplyID is empty when there was no reply.
	RequestID string
	ReplyID   string

	Model        string
	Rounds       int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	Cost         float64
	Archived     int
}

// Loop runs one turn at a time. Callers serialize turns; see Runner.
type Loop struct {
	client       *llm.RetryClient
	assembler    *Assembler
	memory       Memory
	consolidator Consolidator
	tools        *tools.Registry
	toolCfg      tools.Config
	guard        *budget.Guard
	cfg          Config
	logger       *slog.Logger

	now func() time.Time
}

// NewLoop creates a turn loop. The LLM client is wrapped with bounded
// retries.
func NewLoop(cfg Config, deps Deps) *Loop {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:       llm.NewRetryClient(deps.LLM, cfg.LLMAttempts, logger),
		assembler:    deps.Assembler,
		memory:       deps.Memory,
		consolidator: deps.Consolidator,
		tools:        deps.Tools,
		toolCfg:      deps.ToolConfig,
		guard:        deps.Budget,
		cfg:          cfg,
		logger:       logger.With("component", "agent"),
		now:          time.Now,
	}
}

// turn is the mutable state of one Run.
type turn struct {
	id        string
	state     State
	round     int
	toolCalls int
	model     string
	in, out   int
	cost      float64
	budgetOut bool
	callIDs   map[string]bool
	requestID string
	log       *slog.Logger
}

func (t *turn) transition(s State) {
	t.state = s
	t.log.Debug("turn state", "state", s, "round", t.round)
}

// Run executes one turn. A failed turn returns a *TurnError; whatever
// the turn appended before failing stays in the window.
func (l *Loop) Run(ctx context.Context, req Request) (*Response, error) {
	t := &turn{id: memory.NewID(), model: l.cfg.Model, callIDs: make(map[string]bool)}
	t.log = l.logger.With("turn_id", t.id)
	ctx = tools.WithTurnID(ctx, t.id)
	t.transition(StateStart)

	user := memory.NewMessage(llm.RoleUser, req.Content)
	user.Attachments = req.Attachments
	user.ReplyTo = req.ReplyTo
	if err := l.memory.Window().Append(ctx, user); err != nil {
		return nil, l.fail(t, FailStorage, fmt.Errorf("append user message: %w", err))
	}
	t.requestID = user.ID

	dispatcher := l.tools.BeginTurn(l.toolCfg, tools.TurnOptions{
		Preflight: func(context.Context, llm.ToolCall) error { return l.checkBudget(t) },
	})
	effort := cmp.Or(req.Effort, l.cfg.Effort)

	for {
		t.transition(StateAssembling)
		msgs, err := l.assembler.Build(ctx)
		if err != nil {
			return nil, l.fail(t, FailInternal, fmt.Errorf("assemble context: %w", err))
		}

		t.transition(StateCalling)
		creq := &llm.Request{
			Model:     l.cfg.Model,
			Messages:  msgs,
			Effort:    effort,
			MaxTokens: l.cfg.MaxTokens,
		}
		// Schemas stay on the request after the budget runs out: the
		// history already holds tool blocks, which Anthropic rejects
		// without tool definitions.
		creq.Tools = dispatcher.Schemas()
		if t.budgetOut {
			creq.ToolChoice = llm.ToolChoiceNone
			creq.Messages[0].Content += "\n\n" + prompts.BudgetToolNotice
		}

		resp, err := l.client.Chat(ctx, creq)
		if err != nil {
			return nil, l.fail(t, classifyLLMError(ctx, err), fmt.Errorf("llm call: %w", err))
		}
		l.addUsage(t, resp)

		if !resp.HasToolCalls() {
			return l.finalize(ctx, t, resp)
		}
		if t.budgetOut {
			return nil, l.fail(t, FailBudget, ErrToolsAfterBudget)
		}
		if t.round >= l.cfg.MaxRounds {
			return nil, l.fail(t, FailRoundLimit, fmt.Errorf("%w after %d rounds", ErrRoundLimit, t.round))
		}

		t.round++
		t.transition(StateDispatching)
		if kind, err := l.dispatch(ctx, t, dispatcher, resp.Message); err != nil {
			return nil, l.fail(t, kind, err)
		}
	}
}

// dispatch runs one round of tool calls behind a barrier and appends
// the assistant message and every result, in call order, in one write.
func (l *Loop) dispatch(ctx context.Context, t *turn, d *tools.Turn, msg llm.Message) (FailureKind, error) {
	msg.Role = llm.RoleAssistant
	msg.ToolCalls = slices.Clone(msg.ToolCalls)
	for i := range msg.ToolCalls {
		call := &msg.ToolCalls[i]
		if call.ID == "" || t.callIDs[call.ID] {
			call.ID = fmt.Sprintf("call_%s_%d_%d", t.id, t.round, i)
		}
		t.callIDs[call.ID] = true
	}

	outcomes := make([]tools.Outcome, len(msg.ToolCalls))
	var g errgroup.Group
	g.SetLimit(l.cfg.MaxParallelTools)
	for i, call := range msg.ToolCalls {
		g.Go(func() error {
			outcomes[i] = d.Execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	batch := make([]memory.Message, 0, len(outcomes)+1)
	batch = append(batch, memory.FromLLM(msg))
	for _, o := range outcomes {
		batch = append(batch, memory.FromLLM(o.Message()))
		t.toolCalls++
		if o.Err != nil && o.Err.Kind == tools.KindBudgetExceeded {
			t.budgetOut = true
		}
	}

	// Results are kept even when the turn was stopped mid-round, so the
	// next turn knows what already happened.
	if err := l.memory.Window().Append(context.WithoutCancel(ctx), batch...); err != nil {
		return FailStorage, fmt.Errorf("append tool round %d: %w", t.round, err)
	}
	if err := ctx.Err(); err != nil {
		return FailCanceled, err
	}
	if t.budgetOut {
		t.log.Info("budget exhausted, withdrawing tools for the rest of the turn")
	}
	return "", nil
}

func (l *Loop) finalize(ctx context.Context, t *turn, resp *llm.ChatResponse) (*Response, error) {
	t.transition(StateFinalizing)

	content, replyID := resp.Message.Content, ""
	if strings.TrimSpace(content) == "" {
		content = ""
		t.log.Info("model returned an empty reply")
	} else {
		reply := memory.FromLLM(resp.Message)
		reply.Role = llm.RoleAssistant
		reply.ToolCalls = nil
		if err := l.memory.Window().Append(context.WithoutCancel(ctx), reply); err != nil {
			return nil, l.fail(t, FailStorage, fmt.Errorf("append reply: %w", err))
		}
		replyID = reply.ID
	}

	l.chargeSpend(t)
	archived := l.archive(ctx, t)

	t.transition(StateDone)
	t.log.Info("turn completed",
		"rounds", t.round,
		"tool_calls", t.toolCalls,
		"input_tokens", t.in,
		"output_tokens", t.out,
		"cost_usd", t.cost,
		"archived", archived,
	)
	return &Response{
		TurnID:       t.id,
		Content:      content,
		RequestID:    t.requestID,
		ReplyID:      replyID,
		Model:        t.model,
		Rounds:       t.round,
		ToolCalls:    t.toolCalls,
		InputTokens:  t.in,
		OutputTokens: t.out,
		Cost:         t.cost,
		Archived:     archived,
	}, nil
}

func (l *Loop) fail(t *turn, kind FailureKind, err error) *TurnError {
	t.transition(StateFailed)
	l.chargeSpend(t)

	level := slog.LevelWarn
	switch kind {
	case FailCanceled:
		level = slog.LevelInfo
	case FailStorage, FailInternal:
		level = slog.LevelError
	}
	t.log.Log(context.Background(), level, "turn failed",
		"kind", kind,
		"rounds", t.round,
		"cost_usd", t.cost,
		"error", err,
	)
	return &TurnError{TurnID: t.id, Kind: kind, Reply: replyFor(kind), Err: err}
}

// archive runs the archival check, and consolidation when it archived
// something. Failures are logged; the reply already stands.
func (l *Loop) archive(ctx context.Context, t *turn) int {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ArchiveTimeout)
	defer cancel()

	chunks, err := l.memory.ArchiveIfNeeded(ctx)
	if err != nil {
		t.log.Warn("archival failed after reply", "error", err)
	}
	if len(chunks) > 0 && l.consolidator != nil {
		if _, err := l.consolidator.Run(ctx); err != nil {
			t.log.Warn("consolidation failed", "error", err)
		}
	}
	return len(chunks)
}

func (l *Loop) addUsage(t *turn, resp *llm.ChatResponse) {
	model := l.cfg.Model
	if _, priced := l.cfg.Pricing[resp.Model]; priced {
		model = resp.Model
	}
	if resp.Model != "" {
		t.model = resp.Model
	}
	t.in += resp.InputTokens
	t.out += resp.OutputTokens
	t.cost += l.cfg.Pricing.Cost(model, resp.InputTokens, resp.OutputTokens)
}

// chargeSpend records the turn's LLM spend once, at the end of the turn.
func (l *Loop) chargeSpend(t *turn) {
	if l.guard == nil || t.cost <= 0 {
		return
	}
	l.guard.RecordSpend(t.cost, l.now())
}

// checkBudget is the dispatch preflight: the pending turn spend counts
// against every ceiling.
func (l *Loop) checkBudget(t *turn) error {
	if l.guard == nil {
		return nil
	}
	return l.guard.Check(t.cost, l.now())
}

func classifyLLMError(ctx context.Context, err error) FailureKind {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return FailCanceled
	}
	return FailUpstream
}
