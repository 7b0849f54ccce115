package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"simkit/internal/eventbus"
	"simkit/internal/task/engine"
	logx "simkit/pkg/logx"
)

const DefaultQuantum = 50 * time.Millisecond

// ClockConfig controls the synchronous update loop.
type ClockConfig struct {
	Enabled bool
	Quantum time.Duration

	// Epoch is the wall time of quantum 0. Zero means "when the clock is created".
	Epoch time.Time
}

// Executor runs async firings. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
	Snapshot() engine.Snapshot
}

// Clock is the cooperative update loop. Step advances it by one quantum;
// Run drives Step from a ticker.
type Clock struct {
	mu      sync.Mutex
	cfg     ClockConfig
	quantum time.Duration
	epoch   time.Time
	now     int64
	handles []*Handle
	posted  []func()
	ctx     context.Context

	// Serializes Step so synchronous firings never preempt each other.
	stepMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}

	exec Executor
	log  logx.Logger
	bus  eventbus.Bus

	// Dispatch error throttling: key is handle name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func NewClock(cfg ClockConfig, exec Executor, log logx.Logger, bus eventbus.Bus) *Clock {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = DefaultQuantum
	}
	epoch := cfg.Epoch
	if epoch.IsZero() {
		epoch = time.Now()
	}
	return &Clock{
		cfg:         cfg,
		quantum:     cfg.Quantum,
		epoch:       epoch,
		ctx:         context.Background(),
		exec:        exec,
		log:         log.With(logx.String("comp", "clock")),
		bus:         bus,
		stopCh:      make(chan struct{}),
		lastEnqWarn: map[string]time.Time{},
	}
}

// Stop makes Run return. Step keeps working for callers that drive the
// clock by hand.
func (c *Clock) Stop() { c.stopOnce.Do(func() { close(c.stopCh) }) }

// Schedule is shorthand for New(c, name).
func (c *Clock) Schedule(name string) *Scheduler { return New(c, name) }

func (c *Clock) Quantum() time.Duration { return c.quantum }

// Now returns the quantum currently being processed (or the next one to be
// processed between steps).
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// TimeAt maps a quantum to wall time.
func (c *Clock) TimeAt(q int64) time.Time {
	return c.epoch.Add(time.Duration(q) * c.quantum)
}

// Quanta converts d into whole quanta, rounding up.
func (c *Clock) Quanta(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + c.quantum - 1) / c.quantum)
}

func (c *Clock) quantumAfter(s cron.Schedule, q int64) int64 {
	t := s.Next(c.TimeAt(q))
	if t.IsZero() {
		// No further activation; park the handle far in the future.
		return q + int64(^uint32(0))
	}
	off := t.Sub(c.epoch)
	n := int64((off + c.quantum - 1) / c.quantum)
	if n <= q {
		n = q + 1
	}
	return n
}

// Post queues fn to run on the loop at the start of the next Step. It is the
// way async code mutates state owned by the loop.
func (c *Clock) Post(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.posted = append(c.posted, fn)
	c.mu.Unlock()
}

// attach is a no-op for a handle a start hook already cancelled; Cancel
// detaches under the same lock, so the check cannot race it.
func (c *Clock) attach(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.cancelled.Load() {
		return
	}
	h.nextDue = c.now + int64(h.delay)
	if h.cron != nil {
		h.nextDue = c.quantumAfter(h.cron, h.nextDue-1)
	}
	c.handles = append(c.handles, h)
}

func (c *Clock) detach(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.handles {
		if x == h {
			c.handles = append(c.handles[:i], c.handles[i+1:]...)
			return
		}
	}
}

// Len returns the number of live handles.
func (c *Clock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Step processes the current quantum and advances the clock by one.
func (c *Clock) Step() {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	c.mu.Lock()
	now := c.now
	posted := c.posted
	c.posted = nil
	ctx := c.ctx
	c.mu.Unlock()

	for _, fn := range posted {
		c.runPosted(fn)
	}

	c.mu.Lock()
	var syncDue, asyncDue []*Handle
	for _, h := range c.handles {
		if h.nextDue > now || h.Cancelled() {
			continue
		}
		if h.async {
			asyncDue = append(asyncDue, h)
			continue
		}
		h.nextDue = h.next(now)
		syncDue = append(syncDue, h)
	}
	c.mu.Unlock()

	for _, h := range syncDue {
		h.fire(ctx)
	}
	for _, h := range asyncDue {
		c.dispatch(h, now)
	}

	c.mu.Lock()
	c.now++
	c.mu.Unlock()
}

func (c *Clock) runPosted(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("posted callback panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

// dispatch hands an async firing to the executor. A firing that could not be
// accepted stays due and is retried next quantum; one accepted and later
// dropped is re-armed through OnDrop.
func (c *Clock) dispatch(h *Handle, now int64) {
	if h.Cancelled() {
		return
	}
	if c.exec == nil {
		c.advance(h, now)
		h.fire(c.ctx)
		return
	}
	err := c.exec.Enqueue(engine.Task{
		Name:    "schedule:" + h.name,
		Timeout: h.timeout,
		Overlap: engine.OverlapSkipIfRunning,
		State:   &h.state,
		Run: func(ctx context.Context) error {
			h.fire(ctx)
			return nil
		},
		OnDrop: func(reason error) { c.rearm(h, now, reason) },
	})
	switch {
	case err == nil:
		c.advance(h, now)
	case errors.Is(err, engine.ErrDisabled):
		// Engine switched off: fall back to running on the loop.
		c.advance(h, now)
		h.fire(c.ctx)
	default:
		c.reportDispatchError(h.name, err)
	}
}

// rearm makes a firing the executor accepted but never ran due again, so
// a stale or drained async firing is retried instead of skipped.
func (c *Clock) rearm(h *Handle, q int64, reason error) {
	if h.Cancelled() {
		return
	}
	c.mu.Lock()
	h.nextDue = min(h.nextDue, q)
	c.mu.Unlock()
	c.log.Debug("async firing dropped by executor; re-armed", logx.String("task", h.name), logx.Err(reason))
}

func (c *Clock) advance(h *Handle, now int64) {
	c.mu.Lock()
	h.nextDue = h.next(now)
	c.mu.Unlock()
}

// Run drives Step at the quantum rate until ctx is done or Stop is called.
func (c *Clock) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	t := time.NewTicker(c.quantum)
	defer t.Stop()
	c.log.Info("clock started", logx.Duration("quantum", c.quantum))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("clock stopped", logx.Int64("quantum_index", c.Now()))
			return nil
		case <-c.stopCh:
			c.log.Info("clock stopped", logx.Int64("quantum_index", c.Now()))
			return nil
		case <-t.C:
			c.Step()
		}
	}
}

func (c *Clock) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Snapshot is a diagnostic view of the loop.
type Snapshot struct {
	Quantum time.Duration    `json:"quantum"`
	Now     int64            `json:"now"`
	Posted  int              `json:"posted"`
	Handles []HandleInfo     `json:"handles"`
	Engine  *engine.Snapshot `json:"engine,omitempty"`
}

func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	hs := make([]*Handle, len(c.handles))
	copy(hs, c.handles)
	due := make([]int64, len(hs))
	for i, h := range hs {
		due[i] = h.nextDue
	}
	snap := Snapshot{Quantum: c.quantum, Now: c.now, Posted: len(c.posted)}
	c.mu.Unlock()

	snap.Handles = make([]HandleInfo, 0, len(hs))
	for i, h := range hs {
		it := h.info()
		it.NextDue = due[i]
		snap.Handles = append(snap.Handles, it)
	}
	if c.exec != nil {
		es := c.exec.Snapshot()
		snap.Engine = &es
	}
	return snap
}
