package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"simkit/internal/eventbus"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, nopLogger(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueueDisabled(t *testing.T) {
	s := New(Config{}, nopLogger(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestEnqueueValidates(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	if err := s.Enqueue(Task{Name: "x"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("nil Run: err = %v", err)
	}
	if err := s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrInvalidTask) {
		t.Fatal("expected error for empty name")
	}
}

func TestRunsTaskAndRecordsHistory(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Task{Name: "job", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 3 })
	if ran.Load() != 3 {
		t.Fatalf("ran = %d", ran.Load())
	}
	seen := map[string]bool{}
	for _, h := range s.Snapshot().History {
		if !strings.HasPrefix(h.ID, "tsk-") || seen[h.ID] {
			t.Fatalf("bad or duplicate id %q", h.ID)
		}
		seen[h.ID] = true
	}
}

func TestPanicIsRecorded(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	_ = s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("bad") }})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if got := s.Snapshot().History[0].Error; got == "" {
		t.Fatal("expected panic to be recorded as error")
	}

	// Worker must survive the panic.
	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	state := &RunState{}
	release := make(chan struct{})
	task := Task{Name: "seq", Overlap: OverlapSkipIfRunning, State: state, Run: func(context.Context) error {
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v, want ErrOverlapSkip", err)
	}
	if !state.Busy() {
		t.Fatal("state should be busy")
	}
	close(release)
	waitFor(t, func() bool { return !state.Busy() })
	if err := s.Enqueue(Task{Name: "seq", Overlap: OverlapSkipIfRunning, State: state, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue after release: %v", err)
	}
}

func TestQueueFullDrops(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	_ = s.Enqueue(Task{Name: "fill", Run: func(context.Context) error { return nil }})
	err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if s.Snapshot().DroppedQueueFull != 1 {
		t.Fatalf("dropped = %d", s.Snapshot().DroppedQueueFull)
	}
}

func TestStaleTaskReportsDrop(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, MaxQueueDelay: 20 * time.Millisecond})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Run: func(context.Context) error {
		close(started)
		time.Sleep(60 * time.Millisecond)
		return nil
	}})
	<-started

	state := &RunState{}
	dropped := make(chan error, 1)
	var ran atomic.Bool
	err := s.Enqueue(Task{
		Name: "late", Overlap: OverlapSkipIfRunning, State: state,
		Run:    func(context.Context) error { ran.Store(true); return nil },
		OnDrop: func(reason error) { dropped <- reason },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case reason := <-dropped:
		if !errors.Is(reason, ErrStale) {
			t.Fatalf("reason = %v, want ErrStale", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDrop not called")
	}
	if ran.Load() {
		t.Fatal("stale task ran")
	}
	if state.Busy() {
		t.Fatal("state should be released before OnDrop")
	}
	if s.Snapshot().DroppedStale != 1 {
		t.Fatalf("dropped stale = %d", s.Snapshot().DroppedStale)
	}
}

func TestStopReportsQueuedTasks(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1}, nopLogger(), nil)
	s.Start(context.Background())

	hold := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Run: func(context.Context) error {
		close(started)
		<-hold
		return nil
	}})
	<-started

	state := &RunState{}
	dropped := make(chan error, 1)
	if err := s.Enqueue(Task{
		Name: "queued", Overlap: OverlapSkipIfRunning, State: state,
		Run:    func(context.Context) error { return nil },
		OnDrop: func(reason error) { dropped <- reason },
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()
	waitFor(t, func() bool { return !s.Running() })
	close(hold)

	select {
	case reason := <-dropped:
		if !errors.Is(reason, ErrStopped) {
			t.Fatalf("reason = %v, want ErrStopped", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDrop not called for queued task")
	}
	<-stopped
	if state.Busy() {
		t.Fatal("state should be released after drain")
	}
}

func TestTimeoutCancelsRun(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	_ = s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
}

func TestStopRejectsNewWork(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1}, nopLogger(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
