package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/aide/internal/budget"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/memory"
	"github.com/nugget/aide/internal/prompts"
	"github.com/nugget/aide/internal/tools"
)

const testModel = "test-model"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type step struct {
	resp *llm.ChatResponse
	err  error
}

// mockLLM replays a script of responses and records every request.
type mockLLM struct {
	mu    sync.Mutex
	steps []step
	reqs  []llm.Request
}

func (m *mockLLM) Chat(_ context.Context, req *llm.Request) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	m.reqs = append(m.reqs, cp)
	if len(m.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s.resp, s.err
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.reqs...)
}

func text(content string) step {
	return step{resp: &llm.ChatResponse{
		Model:        testModel,
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		StopReason:   "end_turn",
		InputTokens:  100,
		OutputTokens: 10,
	}}
}

func toolCalls(calls ...llm.ToolCall) step {
	return step{resp: &llm.ChatResponse{
		Model:        testModel,
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		StopReason:   "tool_use",
		InputTokens:  100,
		OutputTokens: 10,
	}}
}

func lookup(id, query string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "lookup", Arguments: fmt.Sprintf(`{"query":%q}`, query)}
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(_ context.Context, msgs []memory.Message) (memory.Summary, error) {
	return memory.Summary{Text: fmt.Sprintf("%d archived messages", len(msgs)), Topics: []string{"test"}}, nil
}

func (fakeSummarizer) Merge(_ context.Context, parts []memory.Summary) (memory.Summary, error) {
	return memory.Summary{Text: fmt.Sprintf("%d merged summaries", len(parts))}, nil
}

type harness struct {
	loop    *Loop
	llm     *mockLLM
	store   *memory.Store
	guard   *budget.Guard
	lookups *atomic.Int32
}

type harnessOptions struct {
	limits      budget.Limits
	chunkTokens int
	maxRounds   int
	handler     func(ctx context.Context, args map[string]any) (tools.Result, error)
}

// pricing makes 100 input and 10 output tokens cost $0.12.
var testPricing = budget.Pricing{testModel: {InputPerMillion: 1000, OutputPerMillion: 2000}}

func newHarness(t *testing.T, opts harnessOptions, steps ...step) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := memory.NewStore(memory.Config{
		DataDir:     t.TempDir(),
		ChunkTokens: opts.chunkTokens,
	}, fakeSummarizer{}, discardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	guard, err := budget.NewGuard(ctx, opts.limits, budget.Options{Location: time.UTC, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	h := &harness{llm: &mockLLM{steps: steps}, store: store, guard: guard, lookups: new(atomic.Int32)}

	reg := tools.NewRegistry(discardLogger())
	handler := opts.handler
	if handler == nil {
		handler = func(_ context.Context, args map[string]any) (tools.Result, error) {
			return tools.Text("result for " + args["query"].(string)), nil
		}
	}
	reg.Register(&tools.Tool{
		Name:        "lookup",
		Description: "Look something up.",
		Params:      map[string]tools.Param{"query": {Type: "string"}},
		Required:    []string{"query"},
		Handler: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			h.lookups.Add(1)
			return handler(ctx, args)
		},
	})

	asm := NewAssembler(store, store.Window(), AssemblerConfig{Persona: "You are a test."}, nil, discardLogger())
	h.loop = NewLoop(Config{
		Model:     testModel,
		MaxRounds: opts.maxRounds,
		Pricing:   testPricing,
	}, Deps{
		LLM:          h.llm,
		Assembler:    asm,
		Memory:       store,
		Consolidator: memory.NewConsolidator(store, discardLogger()),
		Tools:        reg,
		Budget:       guard,
		Logger:       discardLogger(),
	})
	h.loop.client.SetBackoff(time.Millisecond, time.Millisecond)
	return h
}

func roles(msgs []memory.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return strings.Join(out, ",")
}

func turnError(t *testing.T, err error) *TurnError {
	t.Helper()
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TurnError", err)
	}
	return te
}

func TestRun_PlainReply(t *testing.T) {
	h := newHarness(t, harnessOptions{}, text("4"))

	resp, err := h.loop.Run(context.Background(), Request{Content: "What is 2+2?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "4" {
		t.Errorf("Content = %q, want 4", resp.Content)
	}
	if resp.Rounds != 0 || resp.ToolCalls != 0 {
		t.Errorf("Rounds = %d, ToolCalls = %d, want 0, 0", resp.Rounds, resp.ToolCalls)
	}
	if resp.TurnID == "" {
		t.Error("TurnID is empty")
	}

	msgs := h.store.Window().Messages()
	if got := roles(msgs); got != "user,assistant" {
		t.Fatalf("window roles = %s, want user,assistant", got)
	}
	if msgs[0].Content != "What is 2+2?" || msgs[1].Content != "4" {
		t.Errorf("window = %q, %q", msgs[0].Content, msgs[1].Content)
	}
	if resp.RequestID != msgs[0].ID || resp.ReplyID != msgs[1].ID {
		t.Errorf("RequestID, ReplyID = %q, %q; want %q, %q", resp.RequestID, resp.ReplyID, msgs[0].ID, msgs[1].ID)
	}

	reqs := h.llm.requests()
	if len(reqs) != 1 {
		t.Fatalf("LLM calls = %d, want 1", len(reqs))
	}
	if reqs[0].Messages[0].Role != llm.RoleSystem {
		t.Errorf("first message role = %s, want system", reqs[0].Messages[0].Role)
	}
	if len(reqs[0].Tools) == 0 {
		t.Error("request carried no tools")
	}

	want := testPricing.Cost(testModel, 100, 10)
	if resp.Cost != want {
		t.Errorf("Cost = %v, want %v", resp.Cost, want)
	}
	if got := h.guard.Snapshot(time.Now()).Today; got != want {
		t.Errorf("recorded spend = %v, want %v", got, want)
	}
}

func TestRun_ToolRound(t *testing.T) {
	h := newHarness(t, harnessOptions{},
		toolCalls(lookup("call_1", "weather")),
		text("It is sunny."),
	)

	resp, err := h.loop.Run(context.Background(), Request{Content: "How is the weather?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Rounds != 1 || resp.ToolCalls != 1 {
		t.Errorf("Rounds = %d, ToolCalls = %d, want 1, 1", resp.Rounds, resp.ToolCalls)
	}

	msgs := h.store.Window().Messages()
	if got := roles(msgs); got != "user,assistant,tool,assistant" {
		t.Fatalf("window roles = %s", got)
	}
	if msgs[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("tool call id = %q, want call_1", msgs[1].ToolCalls[0].ID)
	}
	if msgs[2].ToolCallID != "call_1" || msgs[2].Content != "result for weather" {
		t.Errorf("tool result = %+v", msgs[2])
	}

	reqs := h.llm.requests()
	if len(reqs) != 2 {
		t.Fatalf("LLM calls = %d, want 2", len(reqs))
	}
	// The second call sees the tool round verbatim after the system prompt.
	second := reqs[1].Messages
	if len(second) != 4 || second[3].Role != llm.RoleTool {
		t.Errorf("second request roles wrong: %d messages", len(second))
	}

	wantCost := 2 * testPricing.Cost(testModel, 100, 10)
	if got := h.guard.Snapshot(time.Now()).Today; got != wantCost {
		t.Errorf("recorded spend = %v, want %v", got, wantCost)
	}
}

func TestRun_InvalidArgumentsRetried(t *testing.T) {
	h := newHarness(t, harnessOptions{},
		toolCalls(llm.ToolCall{ID: "bad", Name: "lookup", Arguments: `{"query": 7}`}),
		toolCalls(lookup("good", "seven")),
		text("Found it."),
	)

	resp, err := h.loop.Run(context.Background(), Request{Content: "look up seven"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2", resp.Rounds)
	}
	if got := h.lookups.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
	msgs := h.store.Window().Messages()
	if !strings.Contains(msgs[2].Content, string(tools.KindInvalidArguments)) {
		t.Errorf("first result = %q, want invalid_arguments", msgs[2].Content)
	}
}

func TestRun_BudgetExhausted(t *testing.T) {
	h := newHarness(t, harnessOptions{limits: budget.Limits{Daily: 1}},
		toolCalls(lookup("call_1", "anything")),
		text("I can't look that up right now."),
	)
	h.guard.RecordSpend(1, time.Now())

	resp, err := h.loop.Run(context.Background(), Request{Content: "look it up"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "I can't look that up right now." {
		t.Errorf("Content = %q", resp.Content)
	}
	if got := h.lookups.Load(); got != 0 {
		t.Errorf("handler ran %d times past the budget", got)
	}

	msgs := h.store.Window().Messages()
	if !strings.Contains(msgs[2].Content, string(tools.KindBudgetExceeded)) {
		t.Errorf("tool result = %q, want budget_exceeded", msgs[2].Content)
	}

	reqs := h.llm.requests()
	if len(reqs) != 2 {
		t.Fatalf("LLM calls = %d, want 2", len(reqs))
	}
	if len(reqs[1].Tools) == 0 {
		t.Error("second call dropped the tool schemas; the history still holds tool blocks")
	}
	if reqs[1].ToolChoice != llm.ToolChoiceNone {
		t.Errorf("second call ToolChoice = %q, want %q", reqs[1].ToolChoice, llm.ToolChoiceNone)
	}
	if reqs[0].ToolChoice != "" {
		t.Errorf("first call ToolChoice = %q, want empty", reqs[0].ToolChoice)
	}
	if !strings.Contains(reqs[1].Messages[0].Content, prompts.BudgetToolNotice) {
		t.Error("second call system prompt lacks the budget notice")
	}
}

func TestRun_ToolsAfterBudget(t *testing.T) {
	h := newHarness(t, harnessOptions{limits: budget.Limits{Daily: 1}},
		toolCalls(lookup("call_1", "a")),
		toolCalls(lookup("call_2", "b")),
	)
	h.guard.RecordSpend(1, time.Now())

	_, err := h.loop.Run(context.Background(), Request{Content: "look it up"})
	te := turnError(t, err)
	if te.Kind != FailBudget || te.Reply != prompts.BudgetExceededReply {
		t.Errorf("TurnError = %+v", te)
	}
	if !errors.Is(err, ErrToolsAfterBudget) {
		t.Errorf("err = %v, want ErrToolsAfterBudget", err)
	}
}

func TestRun_RoundLimit(t *testing.T) {
	h := newHarness(t, harnessOptions{maxRounds: 2},
		toolCalls(lookup("c1", "a")),
		toolCalls(lookup("c2", "b")),
		toolCalls(lookup("c3", "c")),
	)

	_, err := h.loop.Run(context.Background(), Request{Content: "loop forever"})
	te := turnError(t, err)
	if te.Kind != FailRoundLimit {
		t.Errorf("Kind = %s, want round_limit", te.Kind)
	}
	if !errors.Is(err, ErrRoundLimit) {
		t.Errorf("err = %v, want ErrRoundLimit", err)
	}
	if got := h.lookups.Load(); got != 2 {
		t.Errorf("handler calls = %d, want 2", got)
	}
	// Both completed rounds stay in the window.
	if got := roles(h.store.Window().Messages()); got != "user,assistant,tool,assistant,tool" {
		t.Errorf("window roles = %s", got)
	}
	if got := h.guard.Snapshot(time.Now()).Today; got <= 0 {
		t.Error("spend of a failed turn was not recorded")
	}
}

func TestRun_EmptyReply(t *testing.T) {
	h := newHarness(t, harnessOptions{}, text("  \n"))

	resp, err := h.loop.Run(context.Background(), Request{Content: "ok thanks"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "" || resp.ReplyID != "" {
		t.Errorf("Content, ReplyID = %q, %q; want both empty", resp.Content, resp.ReplyID)
	}
	if got := roles(h.store.Window().Messages()); got != "user" {
		t.Errorf("window roles = %s, want user", got)
	}
}

func TestRun_SynthesizesCallIDs(t *testing.T) {
	h := newHarness(t, harnessOptions{},
		toolCalls(lookup("", "a"), lookup("dup", "b"), lookup("dup", "c")),
		text("done"),
	)

	if _, err := h.loop.Run(context.Background(), Request{Content: "three lookups"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.lookups.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}

	msgs := h.store.Window().Messages()
	calls := msgs[1].ToolCalls
	seen := make(map[string]bool)
	for i, c := range calls {
		if c.ID == "" || seen[c.ID] {
			t.Errorf("call %d id %q is empty or repeated", i, c.ID)
		}
		seen[c.ID] = true
		if msgs[2+i].ToolCallID != c.ID {
			t.Errorf("result %d addressed to %q, want %q", i, msgs[2+i].ToolCallID, c.ID)
		}
	}
}

func TestRun_TransientRetry(t *testing.T) {
	h := newHarness(t, harnessOptions{},
		step{err: &llm.APIError{Provider: "test", StatusCode: 503, Body: "overloaded"}},
		text("hello"),
	)

	resp, err := h.loop.Run(context.Background(), Request{Content: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if got := len(h.llm.requests()); got != 2 {
		t.Errorf("LLM calls = %d, want 2", got)
	}
}

func TestRun_UpstreamFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{},
		step{err: &llm.APIError{Provider: "test", StatusCode: 400, Body: "bad request"}},
	)

	_, err := h.loop.Run(context.Background(), Request{Content: "hi"})
	te := turnError(t, err)
	if te.Kind != FailUpstream || te.Reply != prompts.UpstreamFailureReply {
		t.Errorf("TurnError = %+v", te)
	}
	if UserReply(err) != prompts.UpstreamFailureReply {
		t.Errorf("UserReply = %q", UserReply(err))
	}
	if got := len(h.llm.requests()); got != 1 {
		t.Errorf("LLM calls = %d, want 1", got)
	}
	if got := roles(h.store.Window().Messages()); got != "user" {
		t.Errorf("window roles = %s, want user", got)
	}
}

func TestRun_CancelKeepsCompletedRound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, harnessOptions{
		handler: func(context.Context, map[string]any) (tools.Result, error) {
			cancel()
			return tools.Text("partial"), nil
		},
	},
		toolCalls(lookup("call_1", "slow")),
		text("never sent"),
	)

	_, err := h.loop.Run(ctx, Request{Content: "start something slow"})
	te := turnError(t, err)
	if te.Kind != FailCanceled || te.Reply != prompts.CanceledReply {
		t.Errorf("TurnError = %+v", te)
	}
	if got := roles(h.store.Window().Messages()); got != "user,assistant,tool" {
		t.Errorf("window roles = %s, want user,assistant,tool", got)
	}
	if got := len(h.llm.requests()); got != 1 {
		t.Errorf("LLM calls = %d, want 1", got)
	}
}

func TestRun_ArchivesAfterReply(t *testing.T) {
	h := newHarness(t, harnessOptions{chunkTokens: 50}, text("noted"))

	resp, err := h.loop.Run(context.Background(), Request{Content: strings.Repeat("long story ", 100)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Archived != 1 {
		t.Fatalf("Archived = %d, want 1", resp.Archived)
	}
	if got := roles(h.store.Window().Messages()); got != "assistant" {
		t.Errorf("window roles after archival = %s, want assistant", got)
	}
	chunks, err := h.store.ListSummaries(context.Background())
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(chunks) != 1 || chunks[0].MessageCount != 1 {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateStart, "start"},
		{StateDispatching, "dispatching"},
		{StateFailed, "failed"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}
