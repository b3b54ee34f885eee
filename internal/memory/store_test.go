package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/opaque"
)

type fakeSummarizer struct {
	mu       sync.Mutex
	failures int // Summarize calls left to fail; negative fails forever
	calls    int
	mergeErr error
	merged   [][]Summary
}

func (f *fakeSummarizer) Summarize(_ context.Context, msgs []Message) (Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return Summary{}, errors.New("summarizer unavailable")
	}
	return Summary{
		Text:   fmt.Sprintf("%d messages starting %s", len(msgs), msgs[0].ID),
		Topics: []string{"testing"},
	}, nil
}

func (f *fakeSummarizer) Merge(_ context.Context, parts []Summary) (Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return Summary{}, f.mergeErr
	}
	f.merged = append(f.merged, parts)
	texts := make([]string, len(parts))
	for i, p := range parts {
		texts[i] = p.Text
	}
	return Summary{Text: "merged: " + strings.Join(texts, " | ")}, nil
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(dir string) Config {
	return Config{
		DataDir:          dir,
		ChunkTokens:      60,
		RecoveryAttempts: 2,
		RecoveryBackoff:  time.Millisecond,
	}
}

func newTestStore(t *testing.T, cfg Config, summ Summarizer) *Store {
	t.Helper()
	s, err := NewStore(cfg, summ, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testMessage produces a repeating pattern of user text, assistant
// tool calls with reasoning, tool results and assistant replies.
func testMessage(i int) Message {
	text := fmt.Sprintf("message %03d: %s", i, strings.Repeat("lorem ", 5))
	switch i % 6 {
	case 2:
		m := NewMessage(llm.RoleAssistant, "")
		m.ToolCalls = []llm.ToolCall{{ID: fmt.Sprintf("call_%d", i), Name: "lookup", Arguments: `{"key":"<x> & y"}`}}
		m.Reasoning = opaque.MustParse(`[{"type":"thinking","thinking":"a<b && c>d","signature":"sig"}]`)
		return m
	case 3:
		m := NewMessage(llm.RoleTool, "result "+text)
		m.ToolCallID = fmt.Sprintf("call_%d", i-1)
		return m
	case 4:
		return NewMessage(llm.RoleAssistant, text)
	case 5:
		m := NewMessage(llm.RoleUser, text)
		m.ReplyTo = "earlier"
		return m
	default:
		return NewMessage(llm.RoleUser, text)
	}
}

func appendN(t *testing.T, s *Store, from, n int) []Message {
	t.Helper()
	var out []Message
	for i := from; i < from+n; i++ {
		m := testMessage(i)
		if err := s.Window().Append(context.Background(), m); err != nil {
			t.Fatalf("Append: %v", err)
		}
		out = append(out, m)
	}
	return out
}

// assertHistory checks that chunk contents followed by the live window
// reproduce want exactly.
func assertHistory(t *testing.T, s *Store, want []Message) {
	t.Helper()
	ctx := context.Background()
	chunks, err := s.ListSummaries(ctx)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	var got []Message
	for _, c := range chunks {
		msgs, err := s.ReadChunkContent(ctx, c.ID)
		if err != nil {
			t.Fatalf("ReadChunkContent(%s): %v", c.ID, err)
		}
		got = append(got, msgs...)
	}
	got = append(got, s.Window().Messages()...)

	if len(got) != len(want) {
		t.Fatalf("history has %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		a, _ := encodeMessage(got[i])
		b, _ := encodeMessage(want[i])
		if !bytes.Equal(a, b) {
			t.Fatalf("message %d differs:\n got %s\nwant %s", i, a, b)
		}
	}
}

func TestArchiveIfNeeded_BelowTrigger(t *testing.T) {
	summ := &fakeSummarizer{}
	s := newTestStore(t, testConfig(t.TempDir()), summ)
	appendN(t, s, 0, 2)

	chunks, err := s.ArchiveIfNeeded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 || summ.callCount() != 0 {
		t.Errorf("archived %d chunks with %d summarizer calls below trigger", len(chunks), summ.callCount())
	}
}

func TestArchiveIfNeeded_NoLossNoDuplication(t *testing.T) {
	ctx := context.Background()
	summ := &fakeSummarizer{}
	s := newTestStore(t, testConfig(t.TempDir()), summ)
	cons := NewConsolidator(s, nil)
	trigger := s.Config().TriggerTokens()

	var history []Message
	archivedTotal := 0
	for i := range 150 {
		history = append(history, appendN(t, s, i, 1)...)

		// An occasional summarizer outage leaves a pending chunk that
		// the next pass must pick up without restaging.
		if i == 40 || i == 41 || i == 97 {
			summ.mu.Lock()
			summ.failures = 1
			summ.mu.Unlock()
		}
		chunks, err := s.ArchiveIfNeeded(ctx)
		archivedTotal += len(chunks)
		if err != nil {
			continue
		}
		if len(chunks) > 0 && s.Window().Tokens() >= trigger {
			t.Fatalf("window at %d tokens after archival, trigger %d", s.Window().Tokens(), trigger)
		}
		if i%20 == 0 {
			if _, err := cons.Run(ctx); err != nil {
				t.Fatalf("consolidate: %v", err)
			}
		}
	}

	if archivedTotal < 5 {
		t.Fatalf("only %d chunks archived; test is not exercising archival", archivedTotal)
	}
	if live := s.Window().Messages(); len(live) > 0 && live[0].Role == llm.RoleTool {
		t.Errorf("window starts with a tool result %s", live[0].ID)
	}
	assertHistory(t, s, history)
}

func TestReadChunkContent_ByteExact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testConfig(t.TempDir()), &fakeSummarizer{})
	appendN(t, s, 0, 12)
	before := s.Window().Messages()

	chunks, err := s.ArchiveIfNeeded(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("archived %d chunks, want 1", len(chunks))
	}
	got, err := s.ReadChunkContent(ctx, chunks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != chunks[0].MessageCount {
		t.Fatalf("read %d messages, chunk says %d", len(got), chunks[0].MessageCount)
	}
	for i, m := range got {
		a, _ := encodeMessage(m)
		b, _ := encodeMessage(before[i])
		if !bytes.Equal(a, b) {
			t.Errorf("message %d:\n got %s\nwant %s", i, a, b)
		}
	}
	if !chunks[0].Start.Equal(before[0].Timestamp) || !chunks[0].End.Equal(before[len(got)-1].Timestamp) {
		t.Errorf("time range %v..%v does not match archived messages", chunks[0].Start, chunks[0].End)
	}
	if chunks[0].Kind != KindTemporary || chunks[0].Summary == "" {
		t.Errorf("chunk = %+v", chunks[0])
	}
}

func TestReadChunkContent_InvalidUTF8(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	s, err := NewStore(cfg, &fakeSummarizer{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		m := NewMessage(llm.RoleUser, fmt.Sprintf("out\xffput %d %s", i, strings.Repeat("x", 40)))
		if err := s.Window().Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	before := s.Window().Messages()
	if !strings.HasPrefix(before[0].Content, "out\uFFFDput") {
		t.Errorf("live content = %q, want invalid bytes replaced", before[0].Content)
	}

	chunks, err := s.ArchiveIfNeeded(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Fatal("nothing archived")
	}
	got, err := s.ReadChunkContent(ctx, chunks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	for i, m := range got {
		if m.Content != before[i].Content {
			t.Errorf("message %d content:\n got %q\nwant %q", i, m.Content, before[i].Content)
		}
	}

	live := s.Window().Messages()
	if len(live) == 0 {
		t.Fatal("archival emptied the window")
	}
	s.Close()
	s2 := newTestStore(t, cfg, &fakeSummarizer{})
	reopened := s2.Window().Messages()
	if len(reopened) != len(live) {
		t.Fatalf("reopened window has %d messages, want %d", len(reopened), len(live))
	}
	for i := range live {
		if reopened[i].Content != live[i].Content {
			t.Errorf("message %d changed across reopen:\n got %q\nwant %q", i, reopened[i].Content, live[i].Content)
		}
	}
}

func TestReadChunkContent_NotFound(t *testing.T) {
	ctx := context.Background()
	summ := &fakeSummarizer{failures: -1}
	s := newTestStore(t, testConfig(t.TempDir()), summ)
	appendN(t, s, 0, 12)

	if _, err := s.ArchiveIfNeeded(ctx); err == nil {
		t.Fatal("expected summarization error")
	}
	pending, err := s.loadPending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d, %v", len(pending), err)
	}

	for _, id := range []string{"no-such-chunk", pending[0].ID} {
		if _, err := s.ReadChunkContent(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("ReadChunkContent(%s) = %v, want ErrNotFound", id, err)
		}
	}
	if s.Window().Len() != 12 {
		t.Errorf("window has %d messages; pending archival must not truncate", s.Window().Len())
	}
}

func TestReadChunkContent_CorruptMarksUnavailable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testConfig(t.TempDir()), &fakeSummarizer{})
	appendN(t, s, 0, 12)
	chunks, err := s.ArchiveIfNeeded(ctx)
	if err != nil || len(chunks) != 1 {
		t.Fatalf("archive: %d chunks, %v", len(chunks), err)
	}

	path := filepath.Join(s.dir, chunks[0].file)
	if err := os.WriteFile(path, []byte("not zstd at all"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadChunkContent(ctx, chunks[0].ID); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	c, err := s.Chunk(ctx, chunks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Unavailable {
		t.Error("corrupt chunk should be flagged unavailable")
	}
}

func TestSelectPrefix(t *testing.T) {
	mk := func(role string, size int) Message {
		return Message{Role: role, Content: strings.Repeat("x", size)}
	}
	// Each 36-byte message is 13 tokens.
	tests := []struct {
		name  string
		msgs  []Message
		limit int
		want  int
	}{
		{"fits", []Message{mk("user", 36), mk("assistant", 36)}, 100, 0},
		{"keeps newest", []Message{mk("user", 36), mk("assistant", 36), mk("user", 36)}, 26, 1},
		{"skips tool results", []Message{mk("user", 36), mk("assistant", 36), mk("tool", 36), mk("tool", 36), mk("assistant", 36)}, 40, 4},
		{"oversized tail", []Message{mk("user", 36), mk("user", 400)}, 26, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectPrefix(tt.msgs, tt.limit); got != tt.want {
				t.Errorf("selectPrefix = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWindow_PersistsAcrossReopen(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s, err := NewStore(cfg, &fakeSummarizer{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := appendN(t, s, 0, 3)
	tokens := s.Window().Tokens()
	s.Close()

	s2 := newTestStore(t, cfg, &fakeSummarizer{})
	got := s2.Window().Messages()
	if len(got) != len(want) {
		t.Fatalf("reopened window has %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("message %d id = %s, want %s", i, got[i].ID, want[i].ID)
		}
	}
	if s2.Window().Tokens() != tokens {
		t.Errorf("tokens = %d, want %d", s2.Window().Tokens(), tokens)
	}
	if _, ok := s2.Window().Find(want[1].ID); !ok {
		t.Error("Find should locate a live message")
	}
}

func TestWindow_AppendFillsIdentity(t *testing.T) {
	s := newTestStore(t, testConfig(t.TempDir()), &fakeSummarizer{})
	if err := s.Window().Append(context.Background(), Message{Role: llm.RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	m := s.Window().Messages()[0]
	if m.ID == "" || m.Timestamp.IsZero() {
		t.Errorf("appended message lacks identity: %+v", m)
	}
}

type fakeSelector struct {
	seen []Chunk
	ids  []string
}

func (f *fakeSelector) SelectChunks(_ context.Context, _ string, chunks []Chunk) ([]string, error) {
	f.seen = chunks
	return f.ids, nil
}

func TestSearch_SkimThenFetch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testConfig(t.TempDir()), &fakeSummarizer{})
	var ids []string
	for i := 0; len(ids) < 3; i += 12 {
		appendN(t, s, i, 12)
		chunks, err := s.ArchiveIfNeeded(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range chunks {
			ids = append(ids, c.ID)
		}
	}

	sel := &fakeSelector{ids: []string{ids[2], "bogus", ids[0], ids[2]}}
	got, err := s.Search(ctx, "what did we say", sel)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.seen) != len(ids) {
		t.Errorf("selector saw %d chunks, want %d", len(sel.seen), len(ids))
	}
	if len(got) != 2 || got[0].ID != ids[2] || got[1].ID != ids[0] {
		t.Errorf("Search returned %v", chunkIDs(got))
	}
}

func chunkIDs(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testConfig(t.TempDir()), &fakeSummarizer{})
	appendN(t, s, 0, 12)
	if _, err := s.ArchiveIfNeeded(ctx); err != nil {
		t.Fatal(err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Temporary != 1 || st.Consolidated != 0 || st.Pending != 0 {
		t.Errorf("stats = %+v", st)
	}
	if st.WindowMessages != s.Window().Len() {
		t.Errorf("window messages = %d, want %d", st.WindowMessages, s.Window().Len())
	}
}
