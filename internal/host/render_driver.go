package host

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"simkit/internal/eventbus"
	"simkit/internal/task/scheduler"
	"simkit/internal/visibility"
	logx "simkit/pkg/logx"
)

const (
	DefaultRenderEvery       = 250 * time.Millisecond
	DefaultFailureLogEvery   = 10 * time.Second
	renderDriverScheduleName = "render"
)

type RenderConfig struct {
	Every           time.Duration
	FailureLogEvery time.Duration
}

func (c RenderConfig) withDefaults() RenderConfig {
	if c.Every <= 0 {
		c.Every = DefaultRenderEvery
	}
	if c.FailureLogEvery <= 0 {
		c.FailureLogEvery = DefaultFailureLogEvery
	}
	return c
}

// RenderFailure is published when one renderer fails to render.
type RenderFailure struct {
	Renderer string `json:"renderer"`
	Error    string `json:"error"`
}

// RenderDriver renders a set of renderers from one periodic synchronous
// schedule. A failing renderer never blocks the others.
type RenderDriver struct {
	cfg   RenderConfig
	reg   *Registry
	clock *scheduler.Clock
	bus   eventbus.Bus
	log   logx.Logger
	fails logx.Logger

	mu        sync.Mutex
	renderers []*visibility.Renderer
	handle    *scheduler.Handle

	rounds   atomic.Uint64
	failures atomic.Uint64
}

func NewRenderDriver(cfg RenderConfig, reg *Registry, bus eventbus.Bus, log logx.Logger) *RenderDriver {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "render"))
	return &RenderDriver{
		cfg:   cfg,
		reg:   reg,
		clock: reg.Clock(),
		bus:   bus,
		log:   log,
		fails: logx.Limited(log, cfg.FailureLogEvery, 3),
	}
}

// Add registers r. Adding the same renderer twice is a no-op.
func (d *RenderDriver) Add(r *visibility.Renderer) {
	if r == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, x := range d.renderers {
		if x == r {
			return
		}
	}
	d.renderers = append(d.renderers, r)
}

func (d *RenderDriver) Remove(r *visibility.Renderer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, x := range d.renderers {
		if x == r {
			d.renderers = append(d.renderers[:i], d.renderers[i+1:]...)
			return true
		}
	}
	return false
}

func (d *RenderDriver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.renderers)
}

// Start registers the periodic render schedule.
func (d *RenderDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil && !d.handle.Cancelled() {
		return nil
	}
	h, err := d.reg.Schedule(renderDriverScheduleName).
		EveryDuration(d.cfg.Every).
		Run(func(context.Context, *scheduler.Handle, int) error {
			d.RenderAll()
			return nil
		})
	if err != nil {
		return fmt.Errorf("render driver: %w", err)
	}
	d.handle = h
	d.log.Info("render driver started", logx.Duration("every", d.cfg.Every))
	return nil
}

func (d *RenderDriver) Stop() {
	d.mu.Lock()
	h := d.handle
	d.handle = nil
	d.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// RenderAll renders every registered renderer once and drops deleted ones.
func (d *RenderDriver) RenderAll() {
	d.mu.Lock()
	rs := make([]*visibility.Renderer, len(d.renderers))
	copy(rs, d.renderers)
	d.mu.Unlock()

	for _, r := range rs {
		if r.Deleted() {
			d.Remove(r)
			continue
		}
		if err := d.renderOne(r); err != nil {
			d.failures.Add(1)
			d.fails.Warn("render failed", logx.String("renderer", r.Name()), logx.Err(err))
			d.publish(eventbus.RenderFailed, RenderFailure{Renderer: r.Name(), Error: err.Error()})
		}
	}
	d.rounds.Add(1)
}

func (d *RenderDriver) renderOne(r *visibility.Renderer) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("render panic: %v", v)
			d.fails.Error("render panicked", logx.String("renderer", r.Name()), logx.Stack(string(debug.Stack())))
		}
	}()
	return r.Render()
}

// Watch purges disconnected subscribers from every renderer as soon as the
// directory reports them, instead of waiting for the next render. The purge
// itself runs on the update loop. Watch returns when ctx is done.
func (d *RenderDriver) Watch(ctx context.Context) {
	if d.bus == nil {
		<-ctx.Done()
		return
	}
	ch, unsub := eventbus.SubscribeTypes(d.bus, 64, eventbus.SubscriberDisconnected)
	defer unsub()
	d.consume(ctx, ch)
}

func (d *RenderDriver) consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ev, ok := e.Data.(SubscriberEvent)
			if !ok {
				continue
			}
			d.clock.Post(func() { d.Purge(ev.ID) })
		}
	}
}

// Purge force-hides id on every renderer that currently shows it.
func (d *RenderDriver) Purge(id visibility.SubscriberID) int {
	d.mu.Lock()
	rs := make([]*visibility.Renderer, len(d.renderers))
	copy(rs, d.renderers)
	d.mu.Unlock()

	n := 0
	for _, r := range rs {
		purged, err := r.ForceHide(id)
		if err != nil {
			d.fails.Warn("purge callback failed", logx.String("renderer", r.Name()), logx.Err(err))
			continue
		}
		n += purged.Len()
	}
	if n > 0 {
		d.log.Debug("subscriber purged", logx.String("id", id.String()), logx.Int("renderers", n))
	}
	return n
}

type RenderStats struct {
	Renderers int    `json:"renderers"`
	Rounds    uint64 `json:"rounds"`
	Failures  uint64 `json:"failures"`
}

func (d *RenderDriver) Stats() RenderStats {
	return RenderStats{Renderers: d.Len(), Rounds: d.rounds.Load(), Failures: d.failures.Load()}
}

func (d *RenderDriver) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
