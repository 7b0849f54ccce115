package host

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"simkit/internal/task/scheduler"
	logx "simkit/pkg/logx"
)

// Registry tracks every live handle started through it, so the application
// can cancel outstanding work on shutdown. It is owned by the app context.
type Registry struct {
	clock *scheduler.Clock
	log   logx.Logger

	mu   sync.Mutex
	live map[uuid.UUID]*scheduler.Handle
}

func NewRegistry(clock *scheduler.Clock, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		clock: clock,
		log:   log.With(logx.String("comp", "registry")),
		live:  map[uuid.UUID]*scheduler.Handle{},
	}
}

func (r *Registry) Clock() *scheduler.Clock { return r.clock }

// Schedule returns a builder whose handle is tracked from Run until it ends.
func (r *Registry) Schedule(name string) *scheduler.Scheduler {
	return scheduler.New(r.clock, name).WhenStarted(r.track).WhenEnded(r.untrack)
}

func (r *Registry) track(h *scheduler.Handle) {
	r.mu.Lock()
	r.live[h.ID()] = h
	r.mu.Unlock()
}

func (r *Registry) untrack(h *scheduler.Handle) {
	r.mu.Lock()
	delete(r.live, h.ID())
	r.mu.Unlock()
}

// Active returns the live handles ordered by name.
func (r *Registry) Active() []*scheduler.Handle {
	r.mu.Lock()
	out := make([]*scheduler.Handle, 0, len(r.live))
	for _, h := range r.live {
		out = append(out, h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].ID().String() < out[j].ID().String()
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// CancelAll cancels every live handle and returns how many were cancelled.
func (r *Registry) CancelAll() int {
	hs := r.Active()
	for _, h := range hs {
		h.Cancel()
	}
	if len(hs) > 0 {
		r.log.Info("cancelled outstanding schedules", logx.Int("count", len(hs)))
	}
	return len(hs)
}
