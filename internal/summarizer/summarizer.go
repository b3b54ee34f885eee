// Package summarizer produces chunk summaries with an LLM and runs the
// periodic memory maintenance job.
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/memory"
	"github.com/nugget/aide/internal/prompts"
)

// Config controls the LLM summarizer.
type Config struct {
	// Model used for every summarizer call.
	Model string

	// Timeout per LLM call. Default: 90 seconds.
	Timeout time.Duration

	// MaxTranscriptBytes caps the transcript sent for one chunk.
	// Default: 32 KiB.
	MaxTranscriptBytes int

	// MaxTokens caps the response. Default: 1024.
	MaxTokens int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	if c.MaxTranscriptBytes <= 0 {
		c.MaxTranscriptBytes = 32 << 10
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
}

// maxToolContent caps a single tool result inside a transcript.
const maxToolContent = 1500

// Usage is the token count of one summarizer call.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
}

// LLM implements memory.Summarizer and memory.Selector with one LLM
// call per operation.
type LLM struct {
	client llm.Client
	cfg    Config
	logger *slog.Logger

	// OnUsage, if set, is called after every successful LLM call so the
	// cost can be charged to the budget.
	OnUsage func(Usage)
}

var (
	_ memory.Summarizer = (*LLM)(nil)
	_ memory.Selector   = (*LLM)(nil)
)

// ErrEmptySummary is returned when the model produced nothing usable.
var ErrEmptySummary = errors.New("summarizer: empty summary")

// NewLLM creates an LLM summarizer.
func NewLLM(client llm.Client, cfg Config, logger *slog.Logger) *LLM {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "summarizer"),
	}
}

// Summarize implements memory.Summarizer.
func (s *LLM) Summarize(ctx context.Context, msgs []memory.Message) (memory.Summary, error) {
	if len(msgs) == 0 {
		return memory.Summary{}, ErrEmptySummary
	}
	content, err := s.complete(ctx, prompts.SummarizePrompt(s.transcript(msgs)))
	if err != nil {
		return memory.Summary{}, fmt.Errorf("summarize chunk: %w", err)
	}
	return s.parseSummary(content)
}

// Merge implements memory.Summarizer by re-summarizing the parts'
// summaries in order.
func (s *LLM) Merge(ctx context.Context, parts []memory.Summary) (memory.Summary, error) {
	if len(parts) == 0 {
		return memory.Summary{}, ErrEmptySummary
	}
	texts := make([]string, len(parts))
	for i, p := range parts {
		texts[i] = p.Text
	}
	content, err := s.complete(ctx, prompts.MergePrompt(texts))
	if err != nil {
		return memory.Summary{}, fmt.Errorf("merge summaries: %w", err)
	}
	sum, err := s.parseSummary(content)
	if err != nil {
		return memory.Summary{}, err
	}
	if len(sum.Topics) == 0 {
		sum.Topics = unionTopics(parts)
	}
	return sum, nil
}

// SelectChunks implements memory.Selector. Ids the model invents are
// dropped.
func (s *LLM) SelectChunks(ctx context.Context, query string, chunks []memory.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	catalog := make([]string, len(chunks))
	known := make(map[string]bool, len(chunks))
	for i, c := range chunks {
		catalog[i] = fmt.Sprintf("%s | %s | %s", c.ID, strings.Join(c.Topics, ", "), oneLine(c.Summary))
		known[c.ID] = true
	}
	content, err := s.complete(ctx, prompts.SelectPrompt(query, catalog))
	if err != nil {
		return nil, fmt.Errorf("select chunks: %w", err)
	}

	var result struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &result); err != nil {
		return nil, fmt.Errorf("parse selection: %w", err)
	}
	var ids []string
	for _, id := range result.IDs {
		id = strings.TrimSpace(id)
		if !known[id] {
			s.logger.Debug("selector returned unknown chunk id", "id", id)
			continue
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *LLM) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := s.client.Chat(ctx, &llm.Request{
		Model:     s.cfg.Model,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: s.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if s.OnUsage != nil {
		model := resp.Model
		if model == "" {
			model = s.cfg.Model
		}
		s.OnUsage(Usage{Model: model, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens})
	}
	return resp.Message.Content, nil
}

// parseSummary reads the JSON reply. Anything that is not JSON but has
// text is used as the summary itself.
func (s *LLM) parseSummary(content string) (memory.Summary, error) {
	content = stripFences(content)
	var result struct {
		Summary string   `json:"summary"`
		Topics  []string `json:"topics"`
	}
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		if content == "" {
			return memory.Summary{}, ErrEmptySummary
		}
		s.logger.Warn("summary JSON parse failed, using raw text", "error", err)
		return memory.Summary{Text: content}, nil
	}
	text := strings.TrimSpace(result.Summary)
	if text == "" {
		return memory.Summary{}, ErrEmptySummary
	}
	return memory.Summary{Text: text, Topics: normalizeTopics(result.Topics)}, nil
}

// transcript renders messages for the summarizer, stopping once the
// configured size is reached.
func (s *LLM) transcript(msgs []memory.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		content := m.Content
		if m.Role == llm.RoleTool && len(content) > maxToolContent {
			cut := maxToolContent
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + " ..."
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.Role, content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "  -> %s(%s)\n", tc.Name, tc.Arguments)
		}
		for _, a := range m.Attachments {
			fmt.Fprintf(&b, "  (attached %s)\n", a.MediaType)
		}
		if b.Len() > s.cfg.MaxTranscriptBytes {
			b.WriteString("\n... (truncated)\n")
			break
		}
	}
	return b.String()
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if rest, ok := strings.CutPrefix(content, "```"); ok {
		// Drop the info string, e.g. "json".
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			rest = rest[i+1:]
		}
		content = strings.TrimSuffix(strings.TrimSpace(rest), "```")
	}
	return strings.TrimSpace(content)
}

func normalizeTopics(topics []string) []string {
	var out []string
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func unionTopics(parts []memory.Summary) []string {
	var all []string
	for _, p := range parts {
		all = append(all, p.Topics...)
	}
	return normalizeTopics(all)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
