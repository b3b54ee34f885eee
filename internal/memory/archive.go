package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/aide/internal/llm"
)

var (
	errEmptySummary = errors.New("summarizer returned an empty summary")
	errNotLive      = errors.New("archived message is no longer in the live window")
)

// pendingChunk is raw content that is on disk but not yet summarized.
type pendingChunk struct {
	ID           string
	MessageIDs   []string
	Start        time.Time
	End          time.Time
	MessageCount int
	TokenCount   int
	Attempts     int

	file     string
	checksum string
}

// ArchiveIfNeeded moves the oldest part of the live window into a new
// temporary chunk once the window reaches the trigger size. Pending
// chunks left by an earlier failure are reconciled first so the same
// messages are never staged twice. It returns the chunks committed by
// this call.
func (s *Store) ArchiveIfNeeded(ctx context.Context) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var archived []Chunk
	pending, err := s.loadPending(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		_, c, err := s.reconcile(ctx, p, 1, false)
		if err != nil {
			return archived, err
		}
		if c != nil {
			archived = append(archived, *c)
		}
	}

	if s.window.Tokens() < s.cfg.TriggerTokens() {
		return archived, nil
	}

	msgs := s.window.Messages()
	n := selectPrefix(msgs, s.cfg.ChunkTokens)
	if n == 0 {
		return archived, nil
	}
	prefix := msgs[:n]

	p, err := s.stage(ctx, prefix)
	if err != nil {
		return archived, err
	}
	sum, err := s.summarize(ctx, p, prefix, 1)
	if err != nil {
		s.logger.Warn("chunk summarization failed, left pending", "chunk_id", p.ID, "error", err)
		return archived, fmt.Errorf("summarize chunk %s: %w", p.ID, err)
	}
	c, err := s.commit(ctx, p, sum, KindTemporary)
	if err != nil {
		return archived, err
	}

	s.logger.Info("archived conversation chunk",
		"chunk_id", c.ID,
		"messages", c.MessageCount,
		"tokens", c.TokenCount,
		"window_tokens", s.window.Tokens(),
	)
	return append(archived, c), nil
}

// selectPrefix returns how many of the oldest messages to archive so
// that what remains fits in limit tokens. The cut never leaves the
// window starting with a tool result whose call was archived.
func selectPrefix(msgs []Message, limit int) int {
	kept, keptTokens := 0, 0
	for i := len(msgs) - 1; i >= 0; i-- {
		t := EstimateTokens(msgs[i])
		if keptTokens+t > limit {
			break
		}
		keptTokens += t
		kept++
	}
	n := len(msgs) - kept
	if n == 0 {
		return 0
	}
	for n < len(msgs) && msgs[n].Role == llm.RoleTool {
		n++
	}
	return n
}

// stage writes msgs to a new raw file and records it as pending. The
// file is durable before the pending row exists.
func (s *Store) stage(ctx context.Context, msgs []Message) (pendingChunk, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return pendingChunk{}, fmt.Errorf("chunk id: %w", err)
	}
	p := pendingChunk{
		ID:           id.String(),
		Start:        msgs[0].Timestamp,
		End:          msgs[len(msgs)-1].Timestamp,
		MessageCount: len(msgs),
		file:         rawName(id.String()),
	}
	for _, m := range msgs {
		p.MessageIDs = append(p.MessageIDs, m.ID)
		p.TokenCount += EstimateTokens(m)
	}

	p.checksum, err = writeRawFile(s.dir, p.file, msgs)
	if err != nil {
		return pendingChunk{}, fmt.Errorf("write chunk %s: %w", p.ID, err)
	}

	ids, _ := json.Marshal(p.MessageIDs)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_chunks (id, file, checksum, message_ids, start_ns, end_ns,
			message_count, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.file, p.checksum, string(ids), p.Start.UnixNano(), p.End.UnixNano(),
		p.MessageCount, p.TokenCount, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.removeFile(p.file)
		return pendingChunk{}, fmt.Errorf("record pending chunk %s: %w", p.ID, err)
	}
	return p, nil
}

// summarize calls the summarizer up to attempts times, recording each
// failure on the pending row.
func (s *Store) summarize(ctx context.Context, p pendingChunk, msgs []Message, attempts int) (Summary, error) {
	var lastErr error
	for i := range attempts {
		if i > 0 {
			delay := s.cfg.RecoveryBackoff << (i - 1)
			select {
			case <-ctx.Done():
				return Summary{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		sum, err := s.summarizer.Summarize(ctx, msgs)
		if err == nil && strings.TrimSpace(sum.Text) == "" {
			err = errEmptySummary
		}
		if err == nil {
			return sum, nil
		}
		lastErr = err
		if _, uerr := s.db.ExecContext(ctx,
			`UPDATE pending_chunks SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
			err.Error(), p.ID); uerr != nil {
			s.logger.Warn("failed to record summarization attempt", "chunk_id", p.ID, "error", uerr)
		}
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
	}
	return Summary{}, lastErr
}

// commit promotes p to a chunk and removes its messages from the live
// window in one transaction.
func (s *Store) commit(ctx context.Context, p pendingChunk, sum Summary, kind ChunkKind) (Chunk, error) {
	topics, _ := json.Marshal(nonNil(sum.Topics))
	c := Chunk{
		ID:           p.ID,
		Kind:         kind,
		Start:        p.Start.UTC(),
		End:          p.End.UTC(),
		MessageCount: p.MessageCount,
		TokenCount:   p.TokenCount,
		Summary:      strings.TrimSpace(sum.Text),
		Topics:       sum.Topics,
		CreatedAt:    time.Now().UTC(),
		file:         p.file,
		checksum:     p.checksum,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Chunk{}, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	if err := insertChunk(ctx, tx, c, string(topics)); err != nil {
		return Chunk{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_chunks WHERE id = ?`, p.ID); err != nil {
		return Chunk{}, fmt.Errorf("delete pending %s: %w", p.ID, err)
	}
	for _, id := range p.MessageIDs {
		res, err := tx.ExecContext(ctx, `DELETE FROM live_messages WHERE id = ?`, id)
		if err != nil {
			return Chunk{}, fmt.Errorf("truncate window: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return Chunk{}, fmt.Errorf("%w: %s", errNotLive, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return Chunk{}, fmt.Errorf("commit chunk %s: %w", p.ID, err)
	}

	if err := s.window.dropPrefix(ctx, p.MessageIDs); err != nil {
		return c, fmt.Errorf("reload window: %w", err)
	}
	return c, nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, c Chunk, topics string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (id, kind, start_ns, end_ns, message_count, token_count,
			summary, topics, file, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Kind), c.Start.UnixNano(), c.End.UnixNano(), c.MessageCount, c.TokenCount,
		c.Summary, topics, c.file, c.checksum, c.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert chunk %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) loadPending(ctx context.Context) ([]pendingChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file, checksum, message_ids, start_ns, end_ns, message_count, token_count, attempts
		FROM pending_chunks ORDER BY start_ns, id`)
	if err != nil {
		return nil, fmt.Errorf("query pending chunks: %w", err)
	}
	defer rows.Close()

	var out []pendingChunk
	for rows.Next() {
		var (
			p              pendingChunk
			ids            string
			startNs, endNs int64
		)
		if err := rows.Scan(&p.ID, &p.file, &p.checksum, &ids, &startNs, &endNs,
			&p.MessageCount, &p.TokenCount, &p.Attempts); err != nil {
			return nil, fmt.Errorf("scan pending chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &p.MessageIDs); err != nil {
			return nil, fmt.Errorf("decode pending chunk %s: %w", p.ID, err)
		}
		p.Start = time.Unix(0, startNs).UTC()
		p.End = time.Unix(0, endNs).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// dropPending forgets a pending chunk and its raw file. Its messages
// are still in the live window.
func (s *Store) dropPending(ctx context.Context, p pendingChunk) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_chunks WHERE id = ?`, p.ID); err != nil {
		return fmt.Errorf("delete pending %s: %w", p.ID, err)
	}
	s.removeFile(p.file)
	return nil
}

func (s *Store) removeFile(name string) {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove chunk file", "file", name, "error", err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
