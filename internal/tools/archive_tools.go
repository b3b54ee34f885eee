package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/aide/internal/memory"
)

// ArchiveStore is the read side of the chunk store.
type ArchiveStore interface {
	ListSummaries(ctx context.Context) ([]memory.Chunk, error)
	ReadChunkContent(ctx context.Context, id string) ([]memory.Message, error)
	Search(ctx context.Context, query string, sel memory.Selector) ([]memory.Chunk, error)
}

// SetArchiveStore adds the conversation archive tools. A nil selector
// leaves archive_search out.
func (r *Registry) SetArchiveStore(store ArchiveStore, sel memory.Selector) {
	r.Register(&Tool{
		Name: "conversation_archive",
		Description: "Read your archived conversation history. Call with no arguments to list every archived " +
			"chunk with its id and summary, oldest first. Call with chunk_id to read that chunk's full messages.",
		Params: map[string]Param{
			"chunk_id": {Type: "string", Description: "Optional: the id of the chunk to read in full"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			id := stringArg(args, "chunk_id")
			if id == "" {
				chunks, err := store.ListSummaries(ctx)
				if err != nil {
					return Result{}, fmt.Errorf("list summaries: %w", err)
				}
				return Text(formatChunkList(chunks)), nil
			}
			msgs, err := store.ReadChunkContent(ctx, id)
			switch {
			case errors.Is(err, memory.ErrNotFound):
				return Result{}, InvalidArgs("no archived chunk with id %q", id)
			case errors.Is(err, memory.ErrCorrupt):
				return Text(fmt.Sprintf("Chunk %s is unavailable: its stored content could not be read.", id)), nil
			case err != nil:
				return Result{}, fmt.Errorf("read chunk %s: %w", id, err)
			}
			return Text(formatTranscript(id, msgs)), nil
		},
	})

	if sel == nil {
		return
	}
	r.Register(&Tool{
		Name: "archive_search",
		Description: "Find archived conversation chunks relevant to a question. Returns candidate chunk ids " +
			"with their summaries; read the ones you need with conversation_archive.",
		Params: map[string]Param{
			"query": {Type: "string", Description: "What you are looking for in past conversations"},
		},
		Required: []string{"query"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			query := stringArg(args, "query")
			chunks, err := store.Search(ctx, query, sel)
			if err != nil {
				return Result{}, fmt.Errorf("archive search: %w", err)
			}
			if len(chunks) == 0 {
				return Text(fmt.Sprintf("No archived chunks look relevant to %q.", query)), nil
			}
			return Text(formatChunkList(chunks)), nil
		},
	})
}

func formatChunkList(chunks []memory.Chunk) string {
	if len(chunks) == 0 {
		return "The archive is empty."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d archived chunk(s):\n", len(chunks))
	for _, c := range chunks {
		fmt.Fprintf(&sb, "\n- id: %s (%s, %d messages, %s to %s)\n",
			c.ID, c.Kind, c.MessageCount,
			c.Start.Local().Format(time.DateTime), c.End.Local().Format(time.DateTime))
		if c.Unavailable {
			sb.WriteString("  content unavailable\n")
		}
		fmt.Fprintf(&sb, "  summary: %s\n", c.Summary)
		if len(c.Topics) > 0 {
			fmt.Fprintf(&sb, "  topics: %s\n", strings.Join(c.Topics, ", "))
		}
	}
	return sb.String()
}

func formatTranscript(id string, msgs []memory.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Chunk %s, %d messages:\n", id, len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(&sb, "\n[%s] %s", m.Timestamp.Local().Format(time.DateTime), m.Role)
		if m.ToolCallID != "" {
			fmt.Fprintf(&sb, " (result for %s)", m.ToolCallID)
		}
		sb.WriteString(":\n")
		if m.Content != "" {
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&sb, "-> %s(%s) [%s]\n", tc.Name, tc.Arguments, tc.ID)
		}
		for _, a := range m.Attachments {
			fmt.Fprintf(&sb, "(attachment: %s %s)\n", a.MediaType, a.Path)
		}
	}
	return sb.String()
}
