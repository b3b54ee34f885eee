package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

type outcome int

const (
	outcomeCommitted outcome = iota
	outcomePlaceholder
	outcomeDiscarded
	outcomeDropped
)

// RecoveryReport counts what RecoverOnStartup did.
type RecoveryReport struct {
	Committed      int `json:"committed"`
	Placeholder    int `json:"placeholder"`
	Discarded      int `json:"discarded"`
	Dropped        int `json:"dropped"`
	Unavailable    int `json:"unavailable"`
	OrphansRemoved int `json:"orphans_removed"`
}

// Clean reports whether recovery found nothing to do.
func (r RecoveryReport) Clean() bool {
	return r == RecoveryReport{}
}

// RecoverOnStartup reconciles the state an interrupted archival or
// consolidation can leave behind. Pending chunks are summarized again;
// after the configured attempts they are committed with
// PlaceholderSummary or discarded, per policy. Pending chunks whose
// content is unreadable are dropped. Their messages are still in the
// live window, so nothing is lost. Committed chunks whose raw file has
// gone missing are flagged unavailable, and files no index row refers
// to are removed.
func (s *Store) RecoverOnStartup(ctx context.Context) (RecoveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report RecoveryReport
	pending, err := s.loadPending(ctx)
	if err != nil {
		return report, err
	}
	for _, p := range pending {
		res, _, err := s.reconcile(ctx, p, s.cfg.RecoveryAttempts, true)
		if err != nil {
			return report, err
		}
		switch res {
		case outcomeCommitted:
			report.Committed++
		case outcomePlaceholder:
			report.Placeholder++
		case outcomeDiscarded:
			report.Discarded++
		case outcomeDropped:
			report.Dropped++
		}
	}

	chunks, err := s.queryChunks(ctx, `WHERE unavailable = 0`)
	if err != nil {
		return report, err
	}
	for _, c := range chunks {
		if _, err := os.Stat(filepath.Join(s.dir, c.file)); errors.Is(err, fs.ErrNotExist) {
			s.markUnavailable(ctx, c.ID, fmt.Errorf("%w: %s is missing", ErrCorrupt, c.file))
			report.Unavailable++
		}
	}

	removed, err := s.sweep(ctx)
	if err != nil {
		return report, err
	}
	report.OrphansRemoved = removed

	if !report.Clean() {
		s.logger.Info("memory recovery complete",
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

// RetryPending makes one more summarization attempt for each pending
// chunk. Failures stay pending. It returns how many were committed.
func (s *Store) RetryPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.loadPending(ctx)
	if err != nil {
		return 0, err
	}
	committed := 0
	for _, p := range pending {
		res, _, err := s.reconcile(ctx, p, 1, false)
		if err != nil {
			if ctx.Err() != nil {
				return committed, ctx.Err()
			}
			s.logger.Warn("pending chunk still unsummarized", "chunk_id", p.ID, "attempts", p.Attempts+1, "error", err)
			continue
		}
		if res == outcomeCommitted {
			committed++
		}
	}
	return committed, nil
}

// reconcile settles one pending chunk. With fallback set, a chunk that
// cannot be summarized within attempts is resolved by policy instead
// of returning an error.
func (s *Store) reconcile(ctx context.Context, p pendingChunk, attempts int, fallback bool) (outcome, *Chunk, error) {
	msgs, err := readRawFile(s.dir, p.file, p.checksum)
	if err == nil && !sameIDs(msgs, p.MessageIDs) {
		err = fmt.Errorf("%w: %s does not match its pending record", ErrCorrupt, p.file)
	}
	if errors.Is(err, ErrCorrupt) {
		s.logger.Error("dropping unreadable pending chunk", "chunk_id", p.ID, "error", err)
		if err := s.dropPending(ctx, p); err != nil {
			return 0, nil, err
		}
		return outcomeDropped, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	sum, err := s.summarize(ctx, p, msgs, attempts)
	if err == nil {
		return s.commitPending(ctx, p, sum, outcomeCommitted)
	}
	if ctx.Err() != nil {
		return 0, nil, ctx.Err()
	}
	if !fallback {
		return 0, nil, fmt.Errorf("summarize pending chunk %s: %w", p.ID, err)
	}

	if s.cfg.RecoveryPolicy == RecoverDiscard {
		s.logger.Warn("discarding pending chunk after failed summarization",
			"chunk_id", p.ID, "attempts", attempts, "error", err)
		if err := s.dropPending(ctx, p); err != nil {
			return 0, nil, err
		}
		return outcomeDiscarded, nil, nil
	}
	s.logger.Warn("committing pending chunk with placeholder summary",
		"chunk_id", p.ID, "attempts", attempts, "error", err)
	return s.commitPending(ctx, p, Summary{Text: PlaceholderSummary}, outcomePlaceholder)
}

func (s *Store) commitPending(ctx context.Context, p pendingChunk, sum Summary, res outcome) (outcome, *Chunk, error) {
	c, err := s.commit(ctx, p, sum, KindTemporary)
	if errors.Is(err, errNotLive) {
		// The messages were archived some other way; committing again
		// would duplicate them.
		s.logger.Error("dropping stale pending chunk", "chunk_id", p.ID, "error", err)
		if err := s.dropPending(ctx, p); err != nil {
			return 0, nil, err
		}
		return outcomeDropped, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	s.logger.Info("committed pending chunk", "chunk_id", c.ID, "messages", c.MessageCount)
	return res, &c, nil
}

func sameIDs(msgs []Message, ids []string) bool {
	if len(msgs) != len(ids) {
		return false
	}
	for i, m := range msgs {
		if m.ID != ids[i] {
			return false
		}
	}
	return true
}

// sweep removes raw and temp files that neither a chunk nor a pending
// row refers to.
func (s *Store) sweep(ctx context.Context) (int, error) {
	var referenced []string
	for _, q := range []string{`SELECT file FROM chunks`, `SELECT file FROM pending_chunks`} {
		rows, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return 0, fmt.Errorf("list chunk files: %w", err)
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return 0, err
			}
			referenced = append(referenced, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read chunk dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || slices.Contains(referenced, name) {
			continue
		}
		if !isTempFile(name) && !strings.HasSuffix(name, rawExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("failed to remove orphan chunk file", "file", name, "error", err)
			continue
		}
		s.logger.Debug("removed orphan chunk file", "file", name)
		removed++
	}
	return removed, nil
}
