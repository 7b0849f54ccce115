package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Body is the scheduled work. counter is the current walk value (or the
// number of bodies already run when no walk is configured).
type Body func(ctx context.Context, h *Handle, counter int) error

// Predicate is a freeze or terminate filter evaluated at every firing.
type Predicate func(h *Handle) bool

// Hook is a lifecycle callback.
type Hook func(h *Handle)

// Scheduler configures one unit of work. Builder calls may appear in any
// order; Run starts it.
type Scheduler struct {
	clock *Clock
	name  string

	delay  int
	period int
	cron   cron.Schedule
	spec   string

	hasRange   bool
	rangeStart int
	rangeEnd   int

	hasLimit bool
	limit    int

	freeze    []Predicate
	terminate []Predicate
	onStart   []Hook
	onEnd     []Hook

	async   bool
	timeout time.Duration

	err     error
	started bool
}

// New returns a builder bound to clock. name identifies the handle in logs
// and snapshots.
func New(clock *Clock, name string) *Scheduler {
	s := &Scheduler{clock: clock, name: strings.TrimSpace(name)}
	if s.name == "" {
		s.name = "task"
	}
	if clock == nil {
		s.fail("New", ErrNoClock)
	}
	return s
}

func (s *Scheduler) fail(op string, err error) *Scheduler {
	if s.err == nil {
		s.err = &ConfigError{Op: op, Name: s.name, Err: err}
	}
	return s
}

// Err returns the first configuration error recorded by a builder call.
func (s *Scheduler) Err() error { return s.err }

// After sets the initial delay in quanta.
func (s *Scheduler) After(n int) *Scheduler {
	if n < 0 {
		return s.fail("After", fmt.Errorf("%w (got %d)", ErrNegativeDelay, n))
	}
	s.delay = n
	return s
}

// AfterDuration is After(ceil(d / quantum)).
func (s *Scheduler) AfterDuration(d time.Duration) *Scheduler {
	if d < 0 {
		return s.fail("AfterDuration", fmt.Errorf("%w (got %s)", ErrNegativeDelay, d))
	}
	if s.clock == nil {
		return s
	}
	return s.After(s.clock.Quanta(d))
}

// Every sets the period in quanta. Without a period the handle fires once.
func (s *Scheduler) Every(n int) *Scheduler {
	if n <= 0 {
		return s.fail("Every", fmt.Errorf("%w (got %d)", ErrInvalidPeriod, n))
	}
	s.period = n
	s.cron = nil
	s.spec = ""
	return s
}

// EveryDuration is Every(ceil(d / quantum)), never less than one quantum.
func (s *Scheduler) EveryDuration(d time.Duration) *Scheduler {
	if d <= 0 {
		return s.fail("EveryDuration", fmt.Errorf("%w (got %s)", ErrInvalidPeriod, d))
	}
	if s.clock == nil {
		return s
	}
	return s.Every(max(s.clock.Quanta(d), 1))
}

// EverySpec sets the period from a schedule string.
//
// Supported formats:
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Cron: "*/5 * * * *", "0 */10 * * * *", "@hourly"
//
// Cron periods are calendar aligned: each firing lands on the first quantum
// whose wall time is at or after the next cron activation.
func (s *Scheduler) EverySpec(raw string) *Scheduler {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return s.fail("EverySpec", fmt.Errorf("%w: %v", ErrInvalidSchedule, err))
	}
	switch ps.Kind {
	case SpecInterval:
		s.EveryDuration(ps.Every)
	case SpecCron:
		s.period = 0
		s.cron = ps.Schedule
	}
	s.spec = strings.TrimSpace(raw)
	return s
}

// Between configures a counter walk from start to end inclusive. The walk
// ascends when start < end, descends when start > end and fires exactly once
// when they are equal. The handle cancels when the walk is exhausted.
func (s *Scheduler) Between(start, end int) *Scheduler {
	s.hasRange = true
	s.rangeStart = start
	s.rangeEnd = end
	return s
}

// Limit caps the number of body invocations.
func (s *Scheduler) Limit(n int) *Scheduler {
	if n < 0 {
		return s.fail("Limit", fmt.Errorf("%w (got %d)", ErrNegativeLimit, n))
	}
	s.hasLimit = true
	s.limit = n
	return s
}

// FreezeIf adds a filter that skips a firing while it returns true.
func (s *Scheduler) FreezeIf(p Predicate) *Scheduler {
	if p == nil {
		return s.fail("FreezeIf", ErrNilPredicate)
	}
	s.freeze = append(s.freeze, p)
	return s
}

// TerminateIf adds a filter that cancels the handle once it returns true.
func (s *Scheduler) TerminateIf(p Predicate) *Scheduler {
	if p == nil {
		return s.fail("TerminateIf", ErrNilPredicate)
	}
	s.terminate = append(s.terminate, p)
	return s
}

// WhenStarted registers a hook run by Run once the handle is live.
func (s *Scheduler) WhenStarted(fn Hook) *Scheduler {
	if fn == nil {
		return s.fail("WhenStarted", ErrNilHook)
	}
	s.onStart = append(s.onStart, fn)
	return s
}

// WhenEnded registers a hook run exactly once when the handle is cancelled,
// whatever the cause.
func (s *Scheduler) WhenEnded(fn Hook) *Scheduler {
	if fn == nil {
		return s.fail("WhenEnded", ErrNilHook)
	}
	s.onEnd = append(s.onEnd, fn)
	return s
}

// Async selects the worker pool instead of the synchronous loop.
func (s *Scheduler) Async(enabled bool) *Scheduler {
	s.async = enabled
	return s
}

// Timeout bounds a single async body. 0 uses the engine default.
func (s *Scheduler) Timeout(d time.Duration) *Scheduler {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Run starts the handle. A recorded configuration error is returned instead.
func (s *Scheduler) Run(body Body) (*Handle, error) {
	if s.err != nil {
		return nil, s.err
	}
	if body == nil {
		return nil, &ConfigError{Op: "Run", Name: s.name, Err: ErrNilBody}
	}
	if s.started {
		return nil, &ConfigError{Op: "Run", Name: s.name, Err: ErrAlreadyStarted}
	}
	s.started = true

	h := newHandle(s, body)
	// Start hooks finish before the loop can see the handle.
	h.start()
	s.clock.attach(h)
	return h, nil
}
