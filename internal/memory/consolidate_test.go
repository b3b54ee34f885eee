package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fillTemporaries archives until the store holds n temporary chunks and
// returns the full appended history.
func fillTemporaries(t *testing.T, s *Store, n int) []Message {
	t.Helper()
	ctx := context.Background()
	var history []Message
	for i := 0; ; i += 12 {
		history = append(history, appendN(t, s, i, 12)...)
		if _, err := s.ArchiveIfNeeded(ctx); err != nil {
			t.Fatalf("ArchiveIfNeeded: %v", err)
		}
		st, err := s.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Temporary >= n {
			return history
		}
	}
}

func TestConsolidator_MergesOldestFour(t *testing.T) {
	ctx := context.Background()
	summ := &fakeSummarizer{}
	s := newTestStore(t, testConfig(t.TempDir()), summ)
	history := fillTemporaries(t, s, 4)

	before, err := s.ListSummaries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var wantMsgs []Message
	for _, c := range before {
		msgs, err := s.ReadChunkContent(ctx, c.ID)
		if err != nil {
			t.Fatal(err)
		}
		wantMsgs = append(wantMsgs, msgs...)
	}

	merged, err := NewConsolidator(s, nil).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if merged == nil {
		t.Fatal("expected a consolidated chunk")
	}

	if merged.Kind != KindConsolidated {
		t.Errorf("kind = %s", merged.Kind)
	}
	if !merged.Start.Equal(before[0].Start) || !merged.End.Equal(before[3].End) {
		t.Errorf("range %v..%v, want %v..%v", merged.Start, merged.End, before[0].Start, before[3].End)
	}
	if merged.MessageCount != len(wantMsgs) {
		t.Errorf("message count = %d, want %d", merged.MessageCount, len(wantMsgs))
	}

	after, err := s.ListSummaries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].ID != merged.ID {
		t.Fatalf("index after consolidation = %v", chunkIDs(after))
	}
	for _, c := range before {
		if _, err := s.ReadChunkContent(ctx, c.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("source %s still readable: %v", c.ID, err)
		}
		if _, err := os.Stat(filepath.Join(s.dir, c.file)); !os.IsNotExist(err) {
			t.Errorf("source file %s not removed", c.file)
		}
	}

	got, err := s.ReadChunkContent(ctx, merged.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(wantMsgs) {
		t.Fatalf("merged content has %d messages, want %d", len(got), len(wantMsgs))
	}
	for i := range got {
		if got[i].ID != wantMsgs[i].ID {
			t.Fatalf("message %d = %s, want %s", i, got[i].ID, wantMsgs[i].ID)
		}
	}

	if len(summ.merged) != 1 || len(summ.merged[0]) != 4 {
		t.Fatalf("Merge calls = %v", summ.merged)
	}
	for i, part := range summ.merged[0] {
		if part.Text != before[i].Summary {
			t.Errorf("merge input %d = %q, want %q", i, part.Text, before[i].Summary)
		}
	}
	if !strings.HasPrefix(merged.Summary, "merged: ") {
		t.Errorf("summary = %q", merged.Summary)
	}

	assertHistory(t, s, history)
}

func TestConsolidator_NotEnoughChunks(t *testing.T) {
	s := newTestStore(t, testConfig(t.TempDir()), &fakeSummarizer{})
	fillTemporaries(t, s, 3)

	merged, err := NewConsolidator(s, nil).RunOnce(context.Background())
	if err != nil || merged != nil {
		t.Errorf("RunOnce = %v, %v; want nothing to do", merged, err)
	}
}

func TestConsolidator_FailureLeavesOriginals(t *testing.T) {
	ctx := context.Background()
	summ := &fakeSummarizer{}
	s := newTestStore(t, testConfig(t.TempDir()), summ)
	history := fillTemporaries(t, s, 4)
	before, _ := s.ListSummaries(ctx)

	summ.mergeErr = errors.New("model overloaded")
	if _, err := NewConsolidator(s, nil).Run(ctx); err == nil {
		t.Fatal("expected merge failure")
	}

	after, err := s.ListSummaries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("index changed: %d chunks, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i].ID != before[i].ID || after[i].Kind != KindTemporary {
			t.Errorf("chunk %d = %s/%s", i, after[i].ID, after[i].Kind)
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(before) {
		t.Errorf("chunk dir has %d files, want %d", len(entries), len(before))
	}
	assertHistory(t, s, history)
}

func TestConsolidator_RunDrainsGroups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testConfig(t.TempDir()), &fakeSummarizer{})
	history := fillTemporaries(t, s, 9)

	created, err := NewConsolidator(s, nil).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d consolidated chunks, want 2", len(created))
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Consolidated != 2 || st.Temporary != 1 {
		t.Errorf("stats = %+v", st)
	}
	assertHistory(t, s, history)
}
