package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Consolidator merges the oldest temporary chunks into consolidated
// ones, a fixed-size group at a time.
type Consolidator struct {
	store  *Store
	group  int
	logger *slog.Logger
}

// NewConsolidator returns a consolidator using the store's group size.
func NewConsolidator(store *Store, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		store:  store,
		group:  store.cfg.GroupSize,
		logger: logger.With("component", "consolidator"),
	}
}

// Run consolidates until fewer than a full group of temporary chunks
// remain and returns the chunks it created.
func (c *Consolidator) Run(ctx context.Context) ([]Chunk, error) {
	var created []Chunk
	for {
		chunk, err := c.RunOnce(ctx)
		if err != nil {
			return created, err
		}
		if chunk == nil {
			return created, nil
		}
		created = append(created, *chunk)
	}
}

// RunOnce merges the oldest group of available temporary chunks into
// one consolidated chunk. It returns nil when there are not enough
// temporary chunks. On any failure the source chunks are left intact.
func (c *Consolidator) RunOnce(ctx context.Context) (*Chunk, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	sources, err := s.queryChunks(ctx,
		`WHERE kind = ? AND unavailable = 0 ORDER BY start_ns, end_ns, id LIMIT ?`,
		string(KindTemporary), c.group)
	if err != nil {
		return nil, err
	}
	if len(sources) < c.group {
		return nil, nil
	}

	var (
		msgs  []Message
		parts []Summary
	)
	for _, src := range sources {
		content, err := readRawFile(s.dir, src.file, src.checksum)
		if errors.Is(err, ErrCorrupt) {
			s.markUnavailable(ctx, src.ID, err)
		}
		if err != nil {
			return nil, fmt.Errorf("read chunk %s: %w", src.ID, err)
		}
		msgs = append(msgs, content...)
		parts = append(parts, Summary{Text: src.Summary, Topics: src.Topics})
	}

	sum, err := s.summarizer.Merge(ctx, parts)
	if err == nil && strings.TrimSpace(sum.Text) == "" {
		err = errEmptySummary
	}
	if err != nil {
		return nil, fmt.Errorf("merge summaries: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("chunk id: %w", err)
	}
	merged := Chunk{
		ID:        id.String(),
		Kind:      KindConsolidated,
		Start:     sources[0].Start,
		End:       sources[len(sources)-1].End,
		Summary:   strings.TrimSpace(sum.Text),
		Topics:    sum.Topics,
		CreatedAt: time.Now().UTC(),
		file:      rawName(id.String()),
	}
	for _, src := range sources {
		merged.MessageCount += src.MessageCount
		merged.TokenCount += src.TokenCount
	}

	merged.checksum, err = writeRawFile(s.dir, merged.file, msgs)
	if err != nil {
		return nil, fmt.Errorf("write chunk %s: %w", merged.ID, err)
	}

	if err := c.swap(ctx, merged, sources); err != nil {
		s.removeFile(merged.file)
		return nil, err
	}

	for _, src := range sources {
		s.removeFile(src.file)
	}

	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.ID
	}
	c.logger.Info("consolidated chunks",
		"chunk_id", merged.ID,
		"sources", ids,
		"messages", merged.MessageCount,
		"tokens", merged.TokenCount,
	)
	return &merged, nil
}

// swap inserts merged and deletes sources in one transaction.
func (c *Consolidator) swap(ctx context.Context, merged Chunk, sources []Chunk) error {
	topics, _ := json.Marshal(nonNil(merged.Topics))

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin consolidation: %w", err)
	}
	defer tx.Rollback()

	if err := insertChunk(ctx, tx, merged, string(topics)); err != nil {
		return err
	}
	for _, src := range sources {
		res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ? AND kind = ?`, src.ID, string(KindTemporary))
		if err != nil {
			return fmt.Errorf("delete chunk %s: %w", src.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("delete chunk %s: %w", src.ID, ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consolidation: %w", err)
	}
	return nil
}
