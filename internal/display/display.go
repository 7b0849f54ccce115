// Package display implements floating text displays on top of a visibility
// renderer: per-viewer spawn and despawn, optional expiry and optional line
// animation.
package display

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"simkit/internal/host"
	"simkit/internal/task/scheduler"
	"simkit/internal/visibility"
	logx "simkit/pkg/logx"
)

var ErrClosed = errors.New("display closed")

type Config struct {
	Name   string
	At     visibility.Position
	Radius float64
	Lines  []string

	// Viewers is the explicit audience. Broadcast shows the display to
	// everyone in its locale instead.
	Viewers   []visibility.SubscriberID
	Broadcast bool

	// Lifetime closes the display after the given time. 0 keeps it forever.
	Lifetime time.Duration

	// Frames, when there are at least two, replace Lines one after another
	// every FrameEvery. Loop restarts the animation at the end.
	Frames     [][]string
	FrameEvery time.Duration
	Loop       bool
}

// Deps are the host services a display needs.
type Deps struct {
	Registry   *host.Registry
	Driver     *host.RenderDriver
	Resolver   visibility.Resolver
	Population visibility.Population
	Strategy   host.Strategy
	Log        logx.Logger
}

type Display struct {
	id       uuid.UUID
	name     string
	deps     Deps
	log      logx.Logger
	renderer *visibility.Renderer

	mu     sync.Mutex
	lines  []string
	frames [][]string
	closed bool
	expiry *scheduler.Handle
	anim   *scheduler.Handle
}

func New(cfg Config, deps Deps) (*Display, error) {
	if deps.Registry == nil || deps.Strategy == nil || deps.Resolver == nil {
		return nil, errors.New("display: registry, strategy and resolver are required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "display"
	}
	d := &Display{
		id:     uuid.New(),
		name:   name,
		deps:   deps,
		log:    deps.Log.With(logx.String("comp", "display"), logx.String("display", name)),
		lines:  slices.Clone(cfg.Lines),
		frames: cfg.Frames,
	}

	opts := []visibility.Option{visibility.WithName(name)}
	if deps.Population != nil {
		opts = append(opts, visibility.WithPopulation(deps.Population))
	}
	if cfg.Broadcast {
		opts = append(opts, visibility.WithBroadcast(deps.Population))
	} else {
		opts = append(opts, visibility.WithViewers(cfg.Viewers...))
	}
	r, err := visibility.New(cfg.At, cfg.Radius, deps.Resolver, visibility.Callbacks{
		OnShow:   d.onShow,
		OnHide:   d.onHide,
		OnDelete: d.onDelete,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("display %s: %w", name, err)
	}
	d.renderer = r

	if cfg.Lifetime > 0 {
		h, err := deps.Registry.Schedule(name + ".expire").
			AfterDuration(cfg.Lifetime).
			Run(func(context.Context, *scheduler.Handle, int) error {
				return d.Close()
			})
		if err != nil {
			return nil, err
		}
		d.expiry = h
	}
	if len(cfg.Frames) > 1 {
		if err := d.animate(cfg.FrameEvery, cfg.Loop); err != nil {
			d.cancelSchedules()
			return nil, err
		}
	}
	if deps.Driver != nil {
		deps.Driver.Add(r)
	}
	return d, nil
}

func (d *Display) ID() uuid.UUID                  { return d.id }
func (d *Display) Name() string                   { return d.name }
func (d *Display) Renderer() *visibility.Renderer { return d.renderer }

func (d *Display) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.lines)
}

func (d *Display) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// animate walks the frames once per cycle. Frames do not advance while
// nobody sees the display.
func (d *Display) animate(every time.Duration, loop bool) error {
	d.mu.Lock()
	n := len(d.frames)
	d.mu.Unlock()
	if every <= 0 {
		every = time.Second
	}
	h, err := d.deps.Registry.Schedule(d.name+".anim").
		EveryDuration(every).
		Between(0, n-1).
		TerminateIf(func(*scheduler.Handle) bool { return d.Closed() }).
		FreezeIf(func(*scheduler.Handle) bool { return d.renderer.Shown().Len() == 0 }).
		WhenEnded(func(h *scheduler.Handle) {
			if loop && h.Firings() == n && !d.Closed() {
				if err := d.animate(every, loop); err != nil {
					d.log.Warn("animation restart failed", logx.Err(err))
				}
			}
		}).
		Run(func(_ context.Context, _ *scheduler.Handle, frame int) error {
			d.mu.Lock()
			lines := slices.Clone(d.frames[frame])
			d.mu.Unlock()
			return d.SetLines(lines)
		})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.anim = h
	d.mu.Unlock()
	return nil
}

// SetLines replaces the text for every current viewer.
func (d *Display) SetLines(lines []string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.lines = slices.Clone(lines)
	d.mu.Unlock()

	at := d.renderer.Position()
	var errs []error
	for _, id := range d.renderer.Shown().Sorted() {
		errs = append(errs, d.deps.Strategy.SetLines(id, d.id, at, lines))
	}
	return errors.Join(errs...)
}

// Teleport moves the display. Viewers get a move now; visibility catches up
// on the next render.
func (d *Display) Teleport(at visibility.Position) error {
	if d.Closed() {
		return ErrClosed
	}
	if err := d.renderer.SetPosition(at); err != nil {
		return err
	}
	n := len(d.Lines())
	var errs []error
	for _, id := range d.renderer.Shown().Sorted() {
		errs = append(errs, d.deps.Strategy.Move(id, d.id, at, n))
	}
	return errors.Join(errs...)
}

// Close despawns the display for everyone and stops its schedules.
func (d *Display) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	err := d.renderer.Delete()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancelSchedules()
	if d.deps.Driver != nil {
		d.deps.Driver.Remove(d.renderer)
	}
	return err
}

func (d *Display) cancelSchedules() {
	d.mu.Lock()
	hs := []*scheduler.Handle{d.expiry, d.anim}
	d.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h.Cancel()
		}
	}
}

func (d *Display) onShow(entering visibility.Set) {
	at := d.renderer.Position()
	lines := d.Lines()
	for _, id := range entering.Sorted() {
		if err := d.deps.Strategy.Spawn(id, d.id, at, lines); err != nil {
			d.log.Warn("spawn failed", logx.String("viewer", id.String()), logx.Err(err))
		}
	}
}

func (d *Display) onHide(leaving visibility.Set) {
	n := len(d.Lines())
	for _, id := range leaving.Sorted() {
		if err := d.deps.Strategy.Despawn(id, d.id, n); err != nil {
			d.log.Warn("despawn failed", logx.String("viewer", id.String()), logx.Err(err))
		}
	}
}

func (d *Display) onDelete(r *visibility.Renderer) {
	d.onHide(r.Shown())
}
