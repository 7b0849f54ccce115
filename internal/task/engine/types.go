package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls the async execution context.
//
// The clock decides when a firing is due; the engine only runs it.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds Task.Run when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

const (
	defaultWorkers     = 4
	defaultQueueSize   = 256
	defaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	c.Workers = orDefault(c.Workers, defaultWorkers)
	c.QueueSize = orDefault(c.QueueSize, defaultQueueSize)
	c.HistorySize = orDefault(c.HistorySize, defaultHistorySize)
	return c
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// OverlapPolicy decides what Enqueue does with a task whose RunState is busy.
type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// RunState gates OverlapSkipIfRunning tasks: it is held from enqueue until
// the run returns, so a queued run also counts as busy. The zero value is
// idle; a nil *RunState never blocks.
type RunState struct {
	busy atomic.Bool
}

func (s *RunState) tryAcquire() bool {
	return s == nil || s.busy.CompareAndSwap(false, true)
}

func (s *RunState) release() {
	if s != nil {
		s.busy.Store(false)
	}
}

// Busy reports whether a run is queued or in-flight.
func (s *RunState) Busy() bool {
	return s != nil && s.busy.Load()
}

// TaskEvent describes one task outcome. It is both the bus payload for
// task.* events and the history record.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// HistoryItem is kept for readability at call sites that only read history.
type HistoryItem = TaskEvent

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Overlap OverlapPolicy
	State   *RunState

	// OnDrop is called when an accepted task will never run: it went stale
	// in the queue (ErrStale) or was still queued at Stop (ErrStopped).
	// It runs on an engine goroutine after State is released.
	OnDrop func(reason error)
}

func (t Task) dropped(reason error) {
	if t.OnDrop != nil {
		t.OnDrop(reason)
	}
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}
