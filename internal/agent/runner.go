package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var (
	// ErrQueueFull is returned when the turn queue has no room.
	ErrQueueFull = errors.New("turn queue is full")

	// ErrStopped is returned for work submitted after the runner exited,
	// and for queued work it never reached.
	ErrStopped = errors.New("runner stopped")
)

// Turner runs one turn.
type Turner interface {
	Run(ctx context.Context, req Request) (*Response, error)
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Runner serializes turns and background maintenance on one goroutine
// so only one of them touches the window at a time. Channels enqueue
// user messages; Stop cancels whatever is running now.
type Runner struct {
	turner Turner
	queue  chan *job
	logger *slog.Logger

	// mu guards cancel, and orders the close of stopped against sends
	// to queue so the final drain sees every accepted job.
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewRunner creates a Runner with room for size waiting jobs.
func NewRunner(turner Turner, size int, logger *slog.Logger) *Runner {
	if size <= 0 {
		size = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		turner:  turner,
		queue:   make(chan *job, size),
		logger:  logger.With("component", "runner"),
		stopped: make(chan struct{}),
	}
}

// Run processes jobs until ctx is done. Jobs still queued then fail
// with ErrStopped.
func (r *Runner) Run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		close(r.stopped)
		r.mu.Unlock()
		for {
			select {
			case j := <-r.queue:
				j.done <- ErrStopped
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.queue:
			r.run(ctx, j)
		}
	}
}

func (r *Runner) run(ctx context.Context, j *job) {
	jctx, cancel := context.WithCancel(ctx)
	// The submitter's cancellation also stops the job.
	stop := context.AfterFunc(j.ctx, cancel)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	defer func() {
		stop()
		cancel()
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
	}()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("job panicked", "panic", p, "stack", string(debug.Stack()))
				err = fmt.Errorf("job panicked: %v", p)
			}
		}()
		err = j.fn(jctx)
	}()
	j.done <- err
}

func (r *Runner) enqueue(ctx context.Context, fn func(ctx context.Context) error) (*job, error) {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stopped:
		return nil, ErrStopped
	default:
	}
	select {
	case r.queue <- j:
		return j, nil
	default:
		return nil, ErrQueueFull
	}
}

// Enqueue queues a turn without waiting for it. done is called from
// another goroutine with the outcome.
func (r *Runner) Enqueue(ctx context.Context, req Request, done func(*Response, error)) error {
	var resp *Response
	j, err := r.enqueue(ctx, func(ctx context.Context) error {
		var err error
		resp, err = r.turner.Run(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	go func() {
		err := <-j.done
		if done != nil {
			done(resp, err)
		}
	}()
	return nil
}

// Submit queues a turn and waits for its outcome.
func (r *Runner) Submit(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := r.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = r.turner.Run(ctx, req)
		return err
	})
	return resp, err
}

// Do queues fn between turns and waits for it. Cancelling ctx while fn
// waits in the queue abandons the wait; fn then sees a done context.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	j, err := r.enqueue(ctx, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the job that is running now. It reports whether there
// was one.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// Pending returns the number of queued jobs.
func (r *Runner) Pending() int { return len(r.queue) }
