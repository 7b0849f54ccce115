package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"simkit/internal/eventbus"
	rtsup "simkit/internal/runtime/supervisor"
	logx "simkit/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the async execution context: a bounded queue drained by a
// fixed set of supervised workers.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	// cur is the live worker generation, or the one still shutting down.
	cur *pool

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	// Separate budgets so a flood of one kind cannot hide the other.
	queueFullLog logx.Logger
	staleLog     logx.Logger
}

// pool is one Start..Stop generation of workers and their queue.
type pool struct {
	queue chan queuedTask
	sup   *rtsup.Supervisor

	quit     chan struct{} // closed when Stop begins
	done     chan struct{} // closed once workers exited and the queue is drained
	quitOnce sync.Once
}

func (p *pool) stopping() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	track      bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:          cfg.withDefaults(),
		log:          log,
		bus:          bus,
		queueFullLog: logx.Limited(log, warnThrottleEvery, 1),
		staleLog:     logx.Limited(log, warnThrottleEvery, 1),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Running reports whether workers are accepting tasks.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Service) runningLocked() bool {
	return s.cur != nil && !s.cur.stopping()
}

// Apply swaps the config. Toggling Enabled starts or stops the workers and a
// change of pool shape restarts them; timeouts apply to the next task.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.runningLocked()
	s.mu.Unlock()

	reshaped := prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize
	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && reshaped:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op while disabled or already
// running, and waits out a Stop that is still in progress.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		old := s.cur
		if old == nil {
			break
		}
		s.mu.Unlock()
		if !old.stopping() {
			return
		}
		select {
		case <-old.done:
		case <-ctx.Done():
			return
		}
	}

	cfg := s.cfg
	p := &pool{
		queue: make(chan queuedTask, cfg.QueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			// Worker failures should not hard-kill the app.
			rtsup.WithCancelOnError(false),
		),
	}
	s.cur = p
	s.inFlight.Store(0)
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p.quit, p.queue)
			switch {
			case p.stopping():
				return context.Canceled
			case c.Err() != nil:
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits for them until ctx ends. Concurrent
// callers share one shutdown.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.cur
	s.mu.Unlock()
	if p == nil {
		return
	}

	first := false
	p.quitOnce.Do(func() {
		first = true
		close(p.quit)
		p.sup.Cancel()
		go s.retire(p)
	})

	select {
	case <-p.done:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		if first {
			s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
		}
	}
}

func (s *Service) retire(p *pool) {
	_ = p.sup.Wait(context.Background())

	s.mu.Lock()
	if s.cur == p {
		s.cur = nil
	}
	s.mu.Unlock()

	// Tasks that never ran give back their overlap gate and tell their owner,
	// who may resubmit after a restart.
	for {
		select {
		case qt := <-p.queue:
			if qt.track {
				qt.task.State.release()
			}
			qt.task.dropped(ErrStopped)
			continue
		default:
		}
		break
	}
	s.inFlight.Store(0)
	close(p.done)
}

// Enqueue tries to enqueue a task without blocking. If the queue is full, the task is dropped.
//
// Use Submit() when you want backpressure instead of dropping.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("%w: Run is nil", ErrInvalidTask)
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return fmt.Errorf("%w: Name is required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = "tsk-" + uuid.NewString()
	}
	now := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	p := s.cur
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case p.stopping():
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	track := t.Overlap == OverlapSkipIfRunning && t.State != nil
	if track && !t.State.tryAcquire() {
		s.publish(eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		return ErrOverlapSkip
	}
	release := func() {
		if track {
			t.State.release()
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, track: track}
	if !block {
		select {
		case p.queue <- qt:
			return nil
		default:
			release()
			s.onQueueFullDropped(now, t, p.queue)
			return ErrQueueFull
		}
	}

	select {
	case p.queue <- qt:
		return nil
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-p.quit:
		release()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	p := s.cur
	s.mu.Unlock()

	var ql, qc int
	if p != nil {
		ql, qc = len(p.queue), cap(p.queue)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.droppedQueueFull.Load() + s.droppedStale.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		History:          h,
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	n := s.droppedQueueFull.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	s.queueFullLog.Warn("task dropped: queue full",
		logx.String("task", t.Name),
		logx.Int("queue_len", len(q)),
		logx.Int("queue_cap", cap(q)),
		logx.Uint64("dropped_queue_full", n),
	)
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	n := s.droppedStale.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	s.staleLog.Warn("task dropped: stale queue",
		logx.String("task", t.Name),
		logx.Duration("queue_delay", queueDelay),
		logx.Uint64("dropped_stale", n),
	)
}
