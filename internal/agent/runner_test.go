package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTurner records turn order and can block until released.
type fakeTurner struct {
	mu      sync.Mutex
	order   []string
	started chan string
	release chan struct{}
}

func (f *fakeTurner) Run(ctx context.Context, req Request) (*Response, error) {
	if f.started != nil {
		f.started <- req.Content
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.order = append(f.order, req.Content)
	f.mu.Unlock()
	return &Response{Content: "re: " + req.Content}, nil
}

func startRunner(t *testing.T, turner Turner, size int) *Runner {
	t.Helper()
	r := NewRunner(turner, size, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestRunner_Submit(t *testing.T) {
	r := startRunner(t, &fakeTurner{}, 4)
	resp, err := r.Submit(context.Background(), Request{Content: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Content != "re: hi" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestRunner_FIFO(t *testing.T) {
	ft := &fakeTurner{}
	r := startRunner(t, ft, 8)

	var wg sync.WaitGroup
	for _, c := range []string{"one", "two", "three"} {
		wg.Add(1)
		if err := r.Enqueue(context.Background(), Request{Content: c}, func(*Response, error) { wg.Done() }); err != nil {
			t.Fatalf("Enqueue(%s): %v", c, err)
		}
	}
	wg.Wait()

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.order) != 3 || ft.order[0] != "one" || ft.order[1] != "two" || ft.order[2] != "three" {
		t.Errorf("order = %v", ft.order)
	}
}

func TestRunner_StopCancelsCurrent(t *testing.T) {
	ft := &fakeTurner{started: make(chan string, 1), release: make(chan struct{})}
	r := startRunner(t, ft, 4)

	if r.Stop() {
		t.Error("Stop reported a running job while idle")
	}

	errc := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(), Request{Content: "long"})
		errc <- err
	}()
	<-ft.started

	if !r.Stop() {
		t.Fatal("Stop found nothing to cancel")
	}
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}

	// The runner keeps serving after a stop.
	close(ft.release)
	if _, err := r.Submit(context.Background(), Request{Content: "next"}); err != nil {
		t.Errorf("Submit after Stop: %v", err)
	}
}

func TestRunner_QueueFull(t *testing.T) {
	ft := &fakeTurner{started: make(chan string, 1), release: make(chan struct{})}
	r := startRunner(t, ft, 1)
	defer close(ft.release)

	if err := r.Enqueue(context.Background(), Request{Content: "running"}, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-ft.started
	if err := r.Enqueue(context.Background(), Request{Content: "queued"}, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := r.Pending(); got != 1 {
		t.Errorf("Pending = %d, want 1", got)
	}
	if err := r.Enqueue(context.Background(), Request{Content: "overflow"}, nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestRunner_DoAndPanic(t *testing.T) {
	r := startRunner(t, &fakeTurner{}, 4)

	ran := false
	if err := r.Do(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Errorf("Do: ran=%v err=%v", ran, err)
	}

	err := r.Do(context.Background(), func(context.Context) error { panic("boom") })
	if err == nil {
		t.Fatal("expected error from panicking job")
	}
	if _, err := r.Submit(context.Background(), Request{Content: "after"}); err != nil {
		t.Errorf("runner died after panic: %v", err)
	}
}

func TestRunner_Stopped(t *testing.T) {
	r := NewRunner(&fakeTurner{}, 4, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	if err := r.Do(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestRunner_ShutdownSettlesEveryJob(t *testing.T) {
	for range 50 {
		r := NewRunner(&fakeTurner{}, 64, discardLogger())
		ctx, cancel := context.WithCancel(context.Background())
		ran := make(chan struct{})
		go func() {
			r.Run(ctx)
			close(ran)
		}()

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					err := r.Do(context.Background(), func(context.Context) error { return nil })
					if errors.Is(err, ErrStopped) {
						return
					}
				}
			}()
		}
		cancel()
		<-ran

		settled := make(chan struct{})
		go func() {
			wg.Wait()
			close(settled)
		}()
		select {
		case <-settled:
		case <-time.After(5 * time.Second):
			t.Fatal("Do blocked on a job the stopped runner never settled")
		}
		if n := r.Pending(); n != 0 {
			t.Errorf("%d jobs left in the queue after shutdown", n)
		}
	}
}
