package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"simkit/internal/eventbus"
	"simkit/internal/task/engine"
	logx "simkit/pkg/logx"
)

// Handle is one running unit of work. It is safe for concurrent use.
type Handle struct {
	id    uuid.UUID
	name  string
	clock *Clock
	body  Body
	log   logx.Logger

	delay   int
	period  int
	cron    cron.Schedule
	spec    string
	async   bool
	timeout time.Duration

	hasRange   bool
	rangeStart int
	rangeEnd   int
	hasLimit   bool

	freeze    []Predicate
	terminate []Predicate
	onStart   []Hook
	onEnd     []Hook

	// Guarded by clock.mu.
	nextDue int64

	mu        sync.Mutex
	counter   int
	limitLeft int
	firings   int

	cancelled atomic.Bool
	endOnce   sync.Once
	done      chan struct{}

	state engine.RunState
}

func newHandle(s *Scheduler, body Body) *Handle {
	id := uuid.New()
	h := &Handle{
		id:         id,
		name:       s.name,
		clock:      s.clock,
		body:       body,
		delay:      s.delay,
		period:     s.period,
		cron:       s.cron,
		spec:       s.spec,
		async:      s.async,
		timeout:    s.timeout,
		hasRange:   s.hasRange,
		rangeStart: s.rangeStart,
		rangeEnd:   s.rangeEnd,
		hasLimit:   s.hasLimit,
		limitLeft:  s.limit,
		freeze:     append([]Predicate(nil), s.freeze...),
		terminate:  append([]Predicate(nil), s.terminate...),
		onStart:    append([]Hook(nil), s.onStart...),
		onEnd:      append([]Hook(nil), s.onEnd...),
		done:       make(chan struct{}),
	}
	if s.hasRange {
		h.counter = s.rangeStart
	}
	h.log = logx.Limited(
		s.clock.log.With(logx.String("task", s.name), logx.String("task_id", id.String())),
		failureLogEvery, 1,
	)
	return h
}

func (h *Handle) ID() uuid.UUID { return h.id }
func (h *Handle) Name() string  { return h.name }
func (h *Handle) Async() bool   { return h.async }

// Counter is the value the next body invocation will receive.
func (h *Handle) Counter() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counter
}

// Firings is the number of body invocations so far.
func (h *Handle) Firings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firings
}

func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Done is closed after the end hooks have run.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops future firings. It may be called from any goroutine,
// including the handle's own body; an in-flight async body is not
// interrupted. The end hooks run once, on the first caller.
func (h *Handle) Cancel() {
	if !h.cancelled.CompareAndSwap(false, true) {
		return
	}
	h.endOnce.Do(func() {
		h.clock.detach(h)
		for _, fn := range h.onEnd {
			h.runHook("end", fn)
		}
		h.clock.publish(eventbus.ScheduleEnded, h.info())
		close(h.done)
	})
}

func (h *Handle) start() {
	h.clock.publish(eventbus.ScheduleStarted, h.info())
	for _, fn := range h.onStart {
		h.runHook("start", fn)
	}
}

func (h *Handle) runHook(kind string, fn Hook) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("task hook panicked", logx.String("hook", kind), logx.Any("panic", r))
		}
	}()
	fn(h)
}

func (h *Handle) oneShot() bool { return h.period == 0 && h.cron == nil }

// next returns the quantum of the firing after the one at q. A one-shot
// whose firing was frozen retries on the following quantum.
func (h *Handle) next(q int64) int64 {
	if h.oneShot() {
		return q + 1
	}
	if h.cron != nil {
		return h.clock.quantumAfter(h.cron, q)
	}
	return q + int64(h.period)
}

// exhaustedLocked reports whether the walk has stepped past its end.
func (h *Handle) exhaustedLocked() bool {
	if !h.hasRange {
		return false
	}
	if h.rangeStart <= h.rangeEnd {
		return h.counter > h.rangeEnd
	}
	return h.counter < h.rangeEnd
}

func (h *Handle) stepLocked() {
	if h.hasRange && h.rangeStart > h.rangeEnd {
		h.counter--
		return
	}
	h.counter++
}

// HandleInfo describes a live handle.
type HandleInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Spec    string `json:"spec,omitempty"`
	Async   bool   `json:"async"`
	NextDue int64  `json:"next_due"`
	Counter int    `json:"counter"`
	Firings int    `json:"firings"`
	Limit   int    `json:"limit,omitempty"`
}

func (h *Handle) info() HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	it := HandleInfo{
		ID:      h.id.String(),
		Name:    h.name,
		Spec:    h.spec,
		Async:   h.async,
		Counter: h.counter,
		Firings: h.firings,
	}
	if h.hasLimit {
		it.Limit = h.limitLeft
	}
	return it
}
