package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/aide/internal/agent"
	"github.com/nugget/aide/internal/config"
	"github.com/nugget/aide/internal/memory"
)

// openApp loads the config and builds the app with logs on w.
func openApp(ctx context.Context, w io.Writer, configPath string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.NewLogger(w)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "path", cfgPath)
	return newApp(ctx, cfg, logger)
}

// runAsk runs a single turn and prints the reply. Logs go to stderr so
// stdout carries only the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, message string) error {
	a, err := openApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.recoverMemory(ctx); err != nil {
		return err
	}

	resp, err := a.loop.Run(ctx, agent.Request{Content: message})
	if err != nil {
		if reply := agent.UserReply(err); reply != "" {
			fmt.Fprintln(stdout, reply)
		}
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		return writeJSON(stdout, resp)
	}
	if resp.Content == "" {
		fmt.Fprintln(stdout, "(no reply)")
		return nil
	}
	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// runRecover reconciles pending chunks and reports what it did.
func runRecover(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	a, err := openApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.recoverMemory(ctx)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, report)
	}
	if report.Clean() {
		fmt.Fprintln(stdout, "Nothing to recover.")
		return nil
	}
	fmt.Fprintf(stdout, "Committed:       %d\n", report.Committed)
	fmt.Fprintf(stdout, "Placeholder:     %d\n", report.Placeholder)
	fmt.Fprintf(stdout, "Discarded:       %d\n", report.Discarded)
	fmt.Fprintf(stdout, "Dropped:         %d\n", report.Dropped)
	fmt.Fprintf(stdout, "Unavailable:     %d\n", report.Unavailable)
	fmt.Fprintf(stdout, "Orphans removed: %d\n", report.OrphansRemoved)
	return nil
}

// runChunks lists the archive catalog, or prints one chunk in full.
// It opens only the memory store and never calls a model.
func runChunks(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, id string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if id == "" {
		chunks, err := store.ListSummaries(ctx)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return writeJSON(stdout, chunkViews(chunks))
		}
		printChunks(stdout, chunks)
		return nil
	}

	msgs, err := store.ReadChunkContent(ctx, id)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		return fmt.Errorf("no chunk with id %s", id)
	case err != nil:
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, msgs)
	}
	for _, m := range msgs {
		fmt.Fprintf(stdout, "[%s] %s: %s\n", m.Timestamp.Local().Format(time.DateTime), m.Role, m.Content)
	}
	return nil
}

// openStore opens the memory store for commands that only read the
// archive. Any attempt to summarize fails.
func openStore(cfg *config.Config, logger *slog.Logger) (*memory.Store, error) {
	store, err := memory.NewStore(memoryConfig(cfg), readOnly{}, logger)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	return store, nil
}

var errReadOnly = errors.New("archive opened read-only")

type readOnly struct{}

func (readOnly) Summarize(context.Context, []memory.Message) (memory.Summary, error) {
	return memory.Summary{}, errReadOnly
}

func (readOnly) Merge(context.Context, []memory.Summary) (memory.Summary, error) {
	return memory.Summary{}, errReadOnly
}

type chunkView struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	MessageCount int       `json:"message_count"`
	TokenCount   int       `json:"token_count"`
	Summary      string    `json:"summary"`
	Topics       []string  `json:"topics,omitempty"`
	Unavailable  bool      `json:"unavailable,omitempty"`
}

func chunkViews(chunks []memory.Chunk) []chunkView {
	views := make([]chunkView, 0, len(chunks))
	for _, c := range chunks {
		views = append(views, chunkView{
			ID:           c.ID,
			Kind:         string(c.Kind),
			Start:        c.Start,
			End:          c.End,
			MessageCount: c.MessageCount,
			TokenCount:   c.TokenCount,
			Summary:      c.Summary,
			Topics:       c.Topics,
			Unavailable:  c.Unavailable,
		})
	}
	return views
}

func printChunks(w io.Writer, chunks []memory.Chunk) {
	if len(chunks) == 0 {
		fmt.Fprintln(w, "No archived chunks.")
		return
	}
	for _, c := range chunks {
		fmt.Fprintf(w, "%s  %-12s %s to %s  %d messages\n",
			c.ID, c.Kind, c.Start.Local().Format(time.DateTime), c.End.Local().Format(time.DateTime), c.MessageCount)
		if c.Unavailable {
			fmt.Fprintln(w, "    (content unavailable)")
		}
		if c.Summary != "" {
			fmt.Fprintf(w, "    %s\n", strings.ReplaceAll(c.Summary, "\n", "\n    "))
		}
	}
}
