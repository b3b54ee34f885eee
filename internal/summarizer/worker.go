package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nugget/aide/internal/memory"
)

// DefaultSchedule runs maintenance every half hour.
const DefaultSchedule = "*/30 * * * *"

// Queue runs a job in the agent's turn queue so maintenance never
// overlaps a turn.
type Queue interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// PendingRetrier finishes chunks whose summarization failed earlier.
type PendingRetrier interface {
	RetryPending(ctx context.Context) (int, error)
}

// Merger consolidates temporary chunks.
type Merger interface {
	Run(ctx context.Context) ([]memory.Chunk, error)
}

// WorkerConfig controls the maintenance worker.
type WorkerConfig struct {
	// Schedule is a five-field cron expression. Default: DefaultSchedule.
	Schedule string

	// Timeout bounds one maintenance job. Default: 10 minutes.
	Timeout time.Duration
}

// Worker runs memory maintenance on a cron schedule.
type Worker struct {
	pending PendingRetrier
	merger  Merger
	queue   Queue
	cfg     WorkerConfig
	logger  *slog.Logger

	now func() time.Time
}

// NewWorker creates a maintenance worker. It fails on an invalid cron
// expression.
func NewWorker(pending PendingRetrier, merger Merger, queue Queue, cfg WorkerConfig, logger *slog.Logger) (*Worker, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid maintenance schedule %q", cfg.Schedule)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		pending: pending,
		merger:  merger,
		queue:   queue,
		cfg:     cfg,
		logger:  logger.With("component", "maintenance"),
		now:     time.Now,
	}, nil
}

// Run blocks until ctx is done, submitting one maintenance job at each
// scheduled time.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("maintenance worker started", "schedule", w.cfg.Schedule)
	for {
		next, err := gronx.NextTickAfter(w.cfg.Schedule, w.now(), false)
		if err != nil {
			return fmt.Errorf("next maintenance tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("maintenance worker stopped")
			return nil
		case <-timer.C:
		}
		if err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("maintenance failed", "error", err)
		}
	}
}

// RunOnce submits one maintenance job and waits for it.
func (w *Worker) RunOnce(ctx context.Context) error {
	return w.queue.Do(ctx, w.maintain)
}

func (w *Worker) maintain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var errs []error
	committed, err := w.pending.RetryPending(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("retry pending: %w", err))
	}
	merged, err := w.merger.Run(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("consolidate: %w", err))
	}

	if committed > 0 || len(merged) > 0 {
		w.logger.Info("maintenance completed",
			"pending_committed", committed,
			"chunks_merged", len(merged),
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	} else {
		w.logger.Debug("maintenance found nothing to do")
	}
	return errors.Join(errs...)
}
