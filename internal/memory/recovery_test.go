package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// crashMidArchive leaves the store exactly as a crash between the raw
// file write and the index commit would: a durable raw file, a pending
// row, and an untouched live window.
func crashMidArchive(t *testing.T, cfg Config) ([]Message, pendingChunk) {
	t.Helper()
	ctx := context.Background()
	s, err := NewStore(cfg, &fakeSummarizer{failures: -1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	history := appendN(t, s, 0, 12)
	if _, err := s.ArchiveIfNeeded(ctx); err == nil {
		t.Fatal("expected archival to stop at the pending stage")
	}
	pending, err := s.loadPending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d, %v", len(pending), err)
	}
	return history, pending[0]
}

// assertIndexConsistent checks that every index entry has readable
// content and every file on disk is referenced.
func assertIndexConsistent(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	chunks, err := s.ListSummaries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	files := map[string]bool{}
	for _, c := range chunks {
		if c.Summary == "" {
			t.Errorf("chunk %s has no summary", c.ID)
		}
		if _, err := s.ReadChunkContent(ctx, c.ID); err != nil {
			t.Errorf("chunk %s unreadable: %v", c.ID, err)
		}
		files[c.file] = true
	}
	pending, err := s.loadPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range pending {
		files[p.file] = true
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !files[e.Name()] {
			t.Errorf("orphan file %s", e.Name())
		}
	}
}

func TestRecoverOnStartup_CommitsPending(t *testing.T) {
	cfg := testConfig(t.TempDir())
	history, p := crashMidArchive(t, cfg)

	s := newTestStore(t, cfg, &fakeSummarizer{})
	report, err := s.RecoverOnStartup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Committed != 1 {
		t.Errorf("report = %+v", report)
	}

	c, err := s.Chunk(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("pending chunk not committed: %v", err)
	}
	if c.Summary == PlaceholderSummary {
		t.Error("a successful retry should carry a real summary")
	}
	if s.Window().Len() != len(history)-p.MessageCount {
		t.Errorf("window has %d messages, want %d", s.Window().Len(), len(history)-p.MessageCount)
	}
	assertIndexConsistent(t, s)
	assertHistory(t, s, history)
}

func TestRecoverOnStartup_Placeholder(t *testing.T) {
	cfg := testConfig(t.TempDir())
	history, p := crashMidArchive(t, cfg)

	summ := &fakeSummarizer{failures: -1}
	s := newTestStore(t, cfg, summ)
	report, err := s.RecoverOnStartup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Placeholder != 1 {
		t.Errorf("report = %+v", report)
	}
	if summ.callCount() != cfg.RecoveryAttempts {
		t.Errorf("summarizer called %d times, want %d", summ.callCount(), cfg.RecoveryAttempts)
	}

	c, err := s.Chunk(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Summary != PlaceholderSummary {
		t.Errorf("summary = %q, want placeholder", c.Summary)
	}
	assertIndexConsistent(t, s)
	assertHistory(t, s, history)
}

func TestRecoverOnStartup_DiscardPolicy(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.RecoveryPolicy = RecoverDiscard
	history, _ := crashMidArchive(t, cfg)

	s := newTestStore(t, cfg, &fakeSummarizer{failures: -1})
	report, err := s.RecoverOnStartup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Discarded != 1 {
		t.Errorf("report = %+v", report)
	}
	chunks, _ := s.ListSummaries(context.Background())
	if len(chunks) != 0 {
		t.Errorf("discard committed %d chunks", len(chunks))
	}
	if s.Window().Len() != len(history) {
		t.Errorf("window lost messages: %d, want %d", s.Window().Len(), len(history))
	}
	assertIndexConsistent(t, s)
	assertHistory(t, s, history)
}

func TestRecoverOnStartup_CorruptPendingDropped(t *testing.T) {
	cfg := testConfig(t.TempDir())
	history, p := crashMidArchive(t, cfg)
	if err := os.WriteFile(filepath.Join(cfg.DataDir, "chunks", p.file), []byte("torn write"), 0o600); err != nil {
		t.Fatal(err)
	}

	summ := &fakeSummarizer{}
	s := newTestStore(t, cfg, summ)
	report, err := s.RecoverOnStartup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Dropped != 1 || report.Committed != 0 {
		t.Errorf("report = %+v", report)
	}
	if summ.callCount() != 0 {
		t.Error("corrupt content must never reach the summarizer")
	}
	if _, err := s.Chunk(context.Background(), p.ID); err == nil {
		t.Error("corrupt pending chunk was promoted")
	}
	assertIndexConsistent(t, s)
	assertHistory(t, s, history)
}

func TestRecoverOnStartup_MissingPendingFile(t *testing.T) {
	cfg := testConfig(t.TempDir())
	history, p := crashMidArchive(t, cfg)
	if err := os.Remove(filepath.Join(cfg.DataDir, "chunks", p.file)); err != nil {
		t.Fatal(err)
	}

	s := newTestStore(t, cfg, &fakeSummarizer{})
	report, err := s.RecoverOnStartup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Dropped != 1 {
		t.Errorf("report = %+v", report)
	}
	assertIndexConsistent(t, s)
	assertHistory(t, s, history)
}

func TestRecoverOnStartup_SweepsAndFlags(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	s := newTestStore(t, cfg, &fakeSummarizer{})
	appendN(t, s, 0, 12)
	chunks, err := s.ArchiveIfNeeded(ctx)
	if err != nil || len(chunks) != 1 {
		t.Fatalf("archive: %d, %v", len(chunks), err)
	}

	for _, name := range []string{"0192-orphan" + rawExt, tempPrefix + "123.tmp"} {
		if err := os.WriteFile(filepath.Join(s.dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Remove(filepath.Join(s.dir, chunks[0].file)); err != nil {
		t.Fatal(err)
	}

	report, err := s.RecoverOnStartup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.OrphansRemoved != 2 || report.Unavailable != 1 {
		t.Errorf("report = %+v", report)
	}
	c, _ := s.Chunk(ctx, chunks[0].ID)
	if !c.Unavailable {
		t.Error("chunk with missing content should be flagged")
	}

	again, err := s.RecoverOnStartup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Clean() {
		t.Errorf("second recovery should be clean, got %+v", again)
	}
}

func TestRetryPending(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	summ := &fakeSummarizer{failures: 1}
	s := newTestStore(t, cfg, summ)
	history := appendN(t, s, 0, 12)
	if _, err := s.ArchiveIfNeeded(ctx); err == nil {
		t.Fatal("expected first archival to fail")
	}

	n, err := s.RetryPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("committed %d, want 1", n)
	}
	assertIndexConsistent(t, s)
	assertHistory(t, s, history)
}
