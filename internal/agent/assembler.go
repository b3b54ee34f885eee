package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/memory"
	"github.com/nugget/aide/internal/talents"
)

// Catalog lists the archived chunk summaries.
type Catalog interface {
	ListSummaries(ctx context.Context) ([]memory.Chunk, error)
}

// WindowReader returns the live window, oldest first.
type WindowReader interface {
	Messages() []memory.Message
}

// SnippetProvider contributes a short block of current context, such
// as the unread mail count or today's calendar.
type SnippetProvider interface {
	Name() string
	Snippet(ctx context.Context) (string, error)
}

// AssemblerConfig configures the system prompt.
type AssemblerConfig struct {
	Persona  string
	Talents  []talents.Talent
	Location *time.Location

	// SnippetTimeout bounds each snippet provider. Default: 5 seconds.
	SnippetTimeout time.Duration
}

// Assembler builds the prompt for each LLM call of a turn: the system
// message followed by the live window verbatim. It never reads chunk
// content.
type Assembler struct {
	catalog  Catalog
	window   WindowReader
	snippets []SnippetProvider
	cfg      AssemblerConfig
	logger   *slog.Logger

	now func() time.Time
}

// NewAssembler creates an assembler. Talents should already be
// filtered to the enabled features.
func NewAssembler(catalog Catalog, window WindowReader, cfg AssemblerConfig, snippets []SnippetProvider, logger *slog.Logger) *Assembler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.SnippetTimeout <= 0 {
		cfg.SnippetTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		catalog:  catalog,
		window:   window,
		snippets: snippets,
		cfg:      cfg,
		logger:   logger.With("component", "assembler"),
		now:      time.Now,
	}
}

// Build returns [system, window...].
func (a *Assembler) Build(ctx context.Context) ([]llm.Message, error) {
	system := a.SystemPrompt(ctx)
	window := a.window.Messages()
	msgs := make([]llm.Message, 0, len(window)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range window {
		msgs = append(msgs, m.LLM())
	}
	return msgs, nil
}

// SystemPrompt renders persona, talents, current time, chunk catalog
// and snippets, in that order.
func (a *Assembler) SystemPrompt(ctx context.Context) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(a.cfg.Persona))

	for _, t := range a.cfg.Talents {
		sb.WriteString("\n\n")
		sb.WriteString(t.Content)
	}

	now := a.now().In(a.cfg.Location)
	fmt.Fprintf(&sb, "\n\n## Current Time\n%s (%s)", now.Format("Monday, January 2, 2006 15:04"), now.Format("MST"))

	sb.WriteString("\n\n## Archived Conversation\n")
	sb.WriteString(a.catalogSection(ctx))

	if snippets := a.gatherSnippets(ctx); len(snippets) > 0 {
		sb.WriteString("\n\n## Right Now\n")
		sb.WriteString(strings.Join(snippets, "\n\n"))
	}
	return sb.String()
}

func (a *Assembler) catalogSection(ctx context.Context) string {
	chunks, err := a.catalog.ListSummaries(ctx)
	if err != nil {
		a.logger.Warn("chunk catalog unavailable", "error", err)
		return "The archive index could not be read this turn."
	}
	if len(chunks) == 0 {
		return "Nothing archived yet."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d chunk(s), oldest first. Read one with conversation_archive.\n", len(chunks))
	for _, c := range chunks {
		fmt.Fprintf(&sb, "\n- [%s] %s, %s to %s, %d messages",
			c.ID, c.Kind,
			c.Start.In(a.cfg.Location).Format("2006-01-02 15:04"),
			c.End.In(a.cfg.Location).Format("2006-01-02 15:04"),
			c.MessageCount)
		if c.Unavailable {
			sb.WriteString(" (unavailable)")
		}
		fmt.Fprintf(&sb, ": %s", strings.Join(strings.Fields(c.Summary), " "))
		if len(c.Topics) > 0 {
			fmt.Fprintf(&sb, " [topics: %s]", strings.Join(c.Topics, ", "))
		}
	}
	return sb.String()
}

// gatherSnippets runs every provider concurrently under its own
// timeout. Failing and empty snippets are skipped; order follows the
// provider list.
func (a *Assembler) gatherSnippets(ctx context.Context) []string {
	if len(a.snippets) == 0 {
		return nil
	}
	results := make([]string, len(a.snippets))
	var wg sync.WaitGroup
	for i, p := range a.snippets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, a.cfg.SnippetTimeout)
			defer cancel()
			text, err := p.Snippet(pctx)
			if err != nil {
				a.logger.Warn("snippet provider failed", "provider", p.Name(), "error", err)
				return
			}
			results[i] = strings.TrimSpace(text)
		}()
	}
	wg.Wait()

	var out []string
	for _, r := range results {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
