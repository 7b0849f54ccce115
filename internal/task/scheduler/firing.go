package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"simkit/internal/eventbus"
	logx "simkit/pkg/logx"
)

const failureLogEvery = 5 * time.Second

// fire runs one firing attempt. Firings of one handle never overlap: sync
// handles fire on the loop and async handles are gated by the handle's
// RunState in the engine.
func (h *Handle) fire(ctx context.Context) {
	if h.Cancelled() {
		return
	}
	if h.anyTrue(h.terminate, "terminate") {
		h.Cancel()
		return
	}
	if h.anyTrue(h.freeze, "freeze") {
		return
	}

	if h.oneShot() {
		h.mu.Lock()
		counter := h.counter
		h.mu.Unlock()
		h.invoke(ctx, counter)
		h.mu.Lock()
		h.firings++
		h.mu.Unlock()
		h.Cancel()
		return
	}

	h.mu.Lock()
	if h.hasLimit && h.limitLeft <= 0 {
		h.mu.Unlock()
		h.Cancel()
		return
	}
	if h.exhaustedLocked() {
		h.mu.Unlock()
		h.Cancel()
		return
	}
	counter := h.counter
	h.mu.Unlock()

	h.invoke(ctx, counter)

	h.mu.Lock()
	h.firings++
	h.stepLocked()
	if h.hasLimit {
		h.limitLeft--
	}
	done := h.exhaustedLocked() || (h.hasLimit && h.limitLeft <= 0)
	h.mu.Unlock()

	if done {
		h.Cancel()
	}
}

// anyTrue evaluates filters in order and stops at the first true one.
// A panicking filter counts as true: terminate filters fail toward
// termination, freeze filters toward skipping the firing.
func (h *Handle) anyTrue(ps []Predicate, kind string) bool {
	for i, p := range ps {
		if h.eval(p, kind, i) {
			return true
		}
	}
	return false
}

func (h *Handle) eval(p Predicate, kind string, idx int) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("task filter panicked",
				logx.String("filter", kind),
				logx.Int("index", idx),
				logx.Any("panic", r),
			)
			ok = true
		}
	}()
	return p(h)
}

func (h *Handle) invoke(ctx context.Context, counter int) {
	if ctx == nil {
		ctx = context.Background()
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &panicError{value: r, stack: string(debug.Stack())}
			}
		}()
		return h.body(ctx, h, counter)
	}()
	if err == nil {
		return
	}

	fields := []logx.Field{logx.Int("counter", counter), logx.Err(err)}
	var pe *panicError
	if errors.As(err, &pe) {
		fields = append(fields, logx.Stack(pe.stack))
	}
	h.log.Warn("task firing failed", fields...)
	ev := h.info()
	h.clock.publish(eventbus.ScheduleFailed, FailureEvent{Handle: ev, Counter: counter, Error: err.Error()})
}

// FailureEvent is published when a body returns an error or panics.
type FailureEvent struct {
	Handle  HandleInfo `json:"handle"`
	Counter int        `json:"counter"`
	Error   string     `json:"error"`
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
