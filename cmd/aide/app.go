package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/aide/internal/agent"
	"github.com/nugget/aide/internal/budget"
	"github.com/nugget/aide/internal/config"
	"github.com/nugget/aide/internal/dav"
	"github.com/nugget/aide/internal/email"
	"github.com/nugget/aide/internal/fetch"
	"github.com/nugget/aide/internal/forge"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/memory"
	"github.com/nugget/aide/internal/prompts"
	"github.com/nugget/aide/internal/search"
	"github.com/nugget/aide/internal/summarizer"
	"github.com/nugget/aide/internal/talents"
	"github.com/nugget/aide/internal/tools"
)

// app holds the components shared by every command that talks to the
// model. Commands build one with newApp and release it with close.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	loc    *time.Location

	store        *memory.Store
	consolidator *memory.Consolidator
	summarizer   *summarizer.LLM
	guard        *budget.Guard
	pricing      budget.Pricing
	loop         *agent.Loop

	closers []func() error
}

// newApp opens the data directory and wires the agent. It does not run
// startup recovery; callers decide when that happens.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, loc: loc, pricing: pricingFrom(cfg.Budget.Pricing)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	ledger, err := budget.NewSQLiteLedger(filepath.Join(cfg.DataDir, "budget.db"))
	if err != nil {
		return nil, fmt.Errorf("open budget ledger: %w", err)
	}
	a.closers = append(a.closers, ledger.Close)

	a.guard, err = budget.NewGuard(ctx, budget.Limits{
		PerTurn: cfg.Budget.PerTurnUSD,
		Daily:   cfg.Budget.DailyUSD,
		Monthly: cfg.Budget.MonthlyUSD,
	}, budget.Options{
		Location:      loc,
		RetentionDays: cfg.Budget.RetentionDays,
		Ledger:        ledger,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("budget: %w", err)
	}

	client := createLLMClient(cfg, logger)

	a.summarizer = summarizer.NewLLM(llm.NewRetryClient(client, cfg.Agent.LLMAttempts, logger), summarizer.Config{
		Model: cfg.Models.Summary,
	}, logger)
	a.summarizer.OnUsage = func(u summarizer.Usage) {
		a.guard.RecordSpend(a.pricing.Cost(u.Model, u.InputTokens, u.OutputTokens), time.Now())
	}

	a.store, err = memory.NewStore(memoryConfig(cfg), a.summarizer, logger)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	a.consolidator = memory.NewConsolidator(a.store, logger)

	registry, snippets, err := a.buildTools()
	if err != nil {
		return nil, err
	}
	toolCfg := tools.Config{Features: cfg.Features()}

	persona, err := loadPersona(cfg.PersonaFile)
	if err != nil {
		return nil, err
	}
	all, err := talents.NewLoader(cfg.TalentsDir).LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load talents: %w", err)
	}

	assembler := agent.NewAssembler(a.store, a.store.Window(), agent.AssemblerConfig{
		Persona:  persona,
		Talents:  talents.Filter(all, toolCfg.Enabled),
		Location: loc,
	}, snippets, logger)

	a.loop = agent.NewLoop(agent.Config{
		Model:            cfg.Models.Default,
		Effort:           cfg.Agent.Effort,
		MaxTokens:        cfg.Agent.MaxTokens,
		MaxRounds:        cfg.Agent.MaxRounds,
		LLMAttempts:      cfg.Agent.LLMAttempts,
		MaxParallelTools: cfg.Agent.MaxParallelTools,
		Pricing:          a.pricing,
	}, agent.Deps{
		LLM:          client,
		Assembler:    assembler,
		Memory:       a.store,
		Consolidator: a.consolidator,
		Tools:        registry,
		ToolConfig:   toolCfg,
		Budget:       a.guard,
		Logger:       logger,
	})
	return a, nil
}

// buildTools registers a tool for every configured backend and returns
// the prompt snippets those backends provide.
func (a *app) buildTools() (*tools.Registry, []agent.SnippetProvider, error) {
	cfg, logger := a.cfg, a.logger
	r := tools.NewRegistry(logger)
	r.SetArchiveStore(a.store, a.summarizer)
	r.SetBudget(a.guard)

	var snippets []agent.SnippetProvider

	if cfg.Search.Configured() {
		mgr := search.NewManager(logger)
		if cfg.Search.BraveAPIKey != "" {
			mgr.Register(search.NewBrave(cfg.Search.BraveAPIKey))
		}
		if cfg.Search.SearXNGURL != "" {
			mgr.Register(search.NewSearXNG(cfg.Search.SearXNGURL))
		}
		r.SetSearch(mgr)
	}
	if cfg.Fetch.Enabled {
		r.SetFetcher(fetch.New(filepath.Join(cfg.DataDir, "fetched")))
	}
	if cfg.Email.Configured() {
		mail := email.NewClient(cfg.Email, logger)
		a.closers = append(a.closers, mail.Close)
		r.SetMailbox(mail, cfg.Email.CanSend())
		snippets = append(snippets, agent.InboxSnippet{Mail: mail})
	}
	if cfg.Calendar.Configured() {
		cal := dav.NewCalendar(cfg.Calendar, a.loc, logger)
		r.SetCalendar(cal)
		snippets = append(snippets, agent.CalendarSnippet{Events: cal})
	}
	if cfg.Contacts.Configured() {
		r.SetContacts(dav.NewContacts(cfg.Contacts, logger))
	}
	if cfg.Shell.Enabled {
		r.SetShell(tools.NewShell(tools.ShellConfig{
			WorkingDir:     cfg.Shell.WorkingDir,
			Allowed:        cfg.Shell.Allowed,
			Denied:         cfg.Shell.Denied,
			Timeout:        time.Duration(cfg.Shell.TimeoutSec) * time.Second,
			MaxOutputBytes: cfg.Shell.MaxOutputBytes,
		}))
	}
	if cfg.Forge.Configured() {
		d, err := forge.NewDeployer(cfg.Forge, nil, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("forge: %w", err)
		}
		r.SetDeployer(d)
	}
	return r, snippets, nil
}

// close releases everything newApp opened, newest first.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// recoverMemory reconciles chunks left pending by an earlier run.
func (a *app) recoverMemory(ctx context.Context) (memory.RecoveryReport, error) {
	report, err := a.store.RecoverOnStartup(ctx)
	if err != nil {
		return report, fmt.Errorf("memory recovery: %w", err)
	}
	if !report.Clean() {
		a.logger.Info("memory recovery finished",
			"committed", report.Committed,
			"placeholder", report.Placeholder,
			"discarded", report.Discarded,
			"dropped", report.Dropped,
			"unavailable", report.Unavailable,
			"orphans_removed", report.OrphansRemoved,
		)
	}
	return report, nil
}

// loadPersona reads the persona file, or returns the built-in prompt
// when none is configured.
func loadPersona(path string) (string, error) {
	if path == "" {
		return prompts.BaseSystemPrompt(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("persona file %s does not exist", path)
	}
	if err != nil {
		return "", fmt.Errorf("read persona file: %w", err)
	}
	return string(data), nil
}

func memoryConfig(cfg *config.Config) memory.Config {
	return memory.Config{
		DataDir:          cfg.DataDir,
		ChunkTokens:      cfg.Memory.ChunkTokens,
		Multiplier:       cfg.Memory.ArchiveMultiplier,
		GroupSize:        cfg.Memory.ConsolidationGroup,
		RecoveryAttempts: cfg.Memory.RecoveryAttempts,
		RecoveryPolicy:   memory.RecoveryPolicy(cfg.Memory.RecoveryPolicy),
	}
}

func pricingFrom(prices map[string]config.PriceConfig) budget.Pricing {
	p := make(budget.Pricing, len(prices))
	for model, price := range prices {
		p[model] = budget.Price{InputPerMillion: price.Input, OutputPerMillion: price.Output}
	}
	return p
}

// createLLMClient builds a multi-provider client. Models listed in the
// config are routed to their provider. Unlisted models go to Anthropic
// when a key is configured and to Ollama otherwise.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)

	var fallback llm.Client = ollama
	var anthropic *llm.AnthropicClient
	if cfg.Anthropic.APIKey != "" {
		anthropic = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		fallback = anthropic
	}

	multi := llm.NewMultiClient(fallback)
	multi.AddProvider("ollama", ollama)
	if anthropic != nil {
		multi.AddProvider("anthropic", anthropic)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "anthropic", anthropic != nil)
	return multi
}
