// Package actor implements a simulated walker. Path planning is external and
// runs off the update loop; walking happens on the loop one waypoint per
// firing.
package actor

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

var (
	ErrRemoved    = errors.New("actor removed")
	ErrNoPathFunc = errors.New("path function required")
)

// PathFunc returns the waypoints from one position to another, excluding
// from and including to. It may block; it always runs on a worker.
type PathFunc func(ctx context.Context, from, to visibility.Position) ([]visibility.Position, error)

type Config struct {
	Name      string
	At        visibility.Position
	Radius    float64
	StepEvery time.Duration
	Path      PathFunc
}

type Deps struct {
	Registry   *host.Registry
	Driver     *host.RenderDriver
	Resolver   visibility.Resolver
	Population visibility.Population
	Strategy   host.Strategy
	Log        logx.Logger
}

type Actor struct {
	id       uuid.UUID
	name     string
	deps     Deps
	clock    *scheduler.Clock
	path     PathFunc
	log      logx.Logger
	renderer *visibility.Renderer
	walker   *scheduler.Handle

	mu      sync.Mutex
	route   []visibility.Position
	paused  bool
	removed bool
	plans   uint64
	lastErr error
}

func Spawn(cfg Config, deps Deps) (*Actor, error) {
	if cfg.Path == nil {
		return nil, ErrNoPathFunc
	}
	if deps.Registry == nil || deps.Strategy == nil || deps.Resolver == nil || deps.Population == nil {
		return nil, errors.New("actor: registry, strategy, resolver and population are required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "actor"
	}
	a := &Actor{
		id:    uuid.New(),
		name:  name,
		deps:  deps,
		clock: deps.Registry.Clock(),
		path:  cfg.Path,
		log:   deps.Log.With(logx.String("comp", "actor"), logx.String("actor", name)),
	}
	r, err := visibility.New(cfg.At, cfg.Radius, deps.Resolver, visibility.Callbacks{
		OnShow: a.onShow,
		OnHide: a.onHide,
		OnDelete: func(r *visibility.Renderer) {
			a.onHide(r.Shown())
		},
	}, visibility.WithBroadcast(deps.Population), visibility.WithName(name))
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", name, err)
	}
	a.renderer = r

	every := cfg.StepEvery
	if every <= 0 {
		every = a.clock.Quantum()
	}
	h, err := deps.Registry.Schedule(name + ".walk").
		EveryDuration(every).
		TerminateIf(func(*scheduler.Handle) bool { return a.Removed() }).
		FreezeIf(func(*scheduler.Handle) bool { return a.Paused() || !a.Walking() }).
		Run(a.step)
	if err != nil {
		return nil, err
	}
	a.walker = h
	if deps.Driver != nil {
		deps.Driver.Add(r)
	}
	return a, nil
}

func (a *Actor) ID() uuid.UUID                  { return a.id }
func (a *Actor) Name() string                   { return a.name }
func (a *Actor) Renderer() *visibility.Renderer { return a.renderer }
func (a *Actor) Position() visibility.Position  { return a.renderer.Position() }

// WalkTo plans a route to target on a worker and starts walking once the
// route is back on the loop. A new plan replaces the current route.
func (a *Actor) WalkTo(target visibility.Position) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if a.Removed() {
		return ErrRemoved
	}
	from := a.Position()
	_, err := a.deps.Registry.Schedule(a.name + ".plan").
		Async(true).
		TerminateIf(func(*scheduler.Handle) bool { return a.Removed() }).
		Run(func(ctx context.Context, _ *scheduler.Handle, _ int) error {
			route, err := a.path(ctx, from, target)
			if err != nil {
				a.setErr(err)
				return fmt.Errorf("plan %s -> %s: %w", from, target, err)
			}
			a.clock.Post(func() { a.setRoute(route) })
			return nil
		})
	return err
}

func (a *Actor) setRoute(route []visibility.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.removed {
		return
	}
	a.route = slices.Clone(route)
	a.plans++
	a.lastErr = nil
}

func (a *Actor) setErr(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}

// LastError is the most recent planning failure, cleared by a successful plan.
func (a *Actor) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Plans is the number of routes received.
func (a *Actor) Plans() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.plans
}

func (a *Actor) step(context.Context, *scheduler.Handle, int) error {
	a.mu.Lock()
	if len(a.route) == 0 {
		a.mu.Unlock()
		return nil
	}
	next := a.route[0]
	a.route = a.route[1:]
	a.mu.Unlock()

	if err := a.renderer.SetPosition(next); err != nil {
		return err
	}
	var errs []error
	for _, id := range a.renderer.Shown().Sorted() {
		errs = append(errs, a.deps.Strategy.Move(id, a.id, next, 1))
	}
	return errors.Join(errs...)
}

// Walking reports whether waypoints remain.
func (a *Actor) Walking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.route) > 0
}

func (a *Actor) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

func (a *Actor) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

func (a *Actor) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

func (a *Actor) Removed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removed
}

// Remove despawns the actor. The walker notices on its next firing.
func (a *Actor) Remove() error {
	a.mu.Lock()
	if a.removed {
		a.mu.Unlock()
		return nil
	}
	a.removed = true
	a.route = nil
	a.mu.Unlock()
	if a.deps.Driver != nil {
		a.deps.Driver.Remove(a.renderer)
	}
	return a.renderer.Delete()
}

// Done is closed once the walker has stopped after Remove.
func (a *Actor) Done() <-chan struct{} { return a.walker.Done() }

func (a *Actor) onShow(entering visibility.Set) {
	at := a.renderer.Position()
	for _, id := range entering.Sorted() {
		if err := a.deps.Strategy.Spawn(id, a.id, at, []string{a.name}); err != nil {
			a.log.Warn("spawn failed", logx.String("viewer", id.String()), logx.Err(err))
		}
	}
}

func (a *Actor) onHide(leaving visibility.Set) {
	for _, id := range leaving.Sorted() {
		if err := a.deps.Strategy.Despawn(id, a.id, 1); err != nil {
			a.log.Warn("despawn failed", logx.String("viewer", id.String()), logx.Err(err))
		}
	}
}
