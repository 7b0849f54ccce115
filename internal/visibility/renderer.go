package visibility

import (
	"fmt"
	"math"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// Callbacks receive render results. Nil fields are skipped. The sets passed
// to OnShow and OnHide are never empty and are owned by the callee.
type Callbacks struct {
	OnShow   func(entering Set)
	OnHide   func(leaving Set)
	OnDelete func(r *Renderer)
}

type Option func(*Renderer)

// WithViewers seeds the explicit viewer set.
func WithViewers(ids ...SubscriberID) Option {
	return func(r *Renderer) {
		for _, id := range ids {
			r.viewers[id] = struct{}{}
		}
	}
}

// WithBroadcast starts the renderer in broadcast mode over pop.
func WithBroadcast(pop Population) Option {
	return func(r *Renderer) {
		r.population = pop
		r.broadcast = true
	}
}

// WithPopulation supplies the population used if broadcast is switched on later.
func WithPopulation(pop Population) Option {
	return func(r *Renderer) { r.population = pop }
}

// WithVerticalAxis controls whether height counts toward distance. Default true.
func WithVerticalAxis(on bool) Option {
	return func(r *Renderer) { r.vertical = on }
}

func WithName(name string) Option {
	return func(r *Renderer) { r.name = name }
}

// Renderer tracks which subscribers currently see one object.
type Renderer struct {
	id       uuid.UUID
	name     string
	resolver Resolver
	cb       Callbacks

	mu         sync.Mutex
	pos        Position
	radius     float64
	vertical   bool
	broadcast  bool
	population Population
	viewers    Set
	shown      Set
	deleting   bool
	deleted    bool
}

func New(pos Position, radius float64, resolver Resolver, cb Callbacks, opts ...Option) (*Renderer, error) {
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	if err := validRadius(radius); err != nil {
		return nil, err
	}
	if resolver == nil {
		return nil, ErrNilResolver
	}
	r := &Renderer{
		id:       uuid.New(),
		resolver: resolver,
		cb:       cb,
		pos:      pos,
		radius:   radius,
		vertical: true,
		viewers:  Set{},
		shown:    Set{},
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.broadcast && r.population == nil {
		return nil, ErrNoPopulation
	}
	if r.name == "" {
		r.name = r.id.String()[:8]
	}
	return r, nil
}

func validRadius(radius float64) error {
	if math.IsNaN(radius) || radius < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRadius, radius)
	}
	return nil
}

func (r *Renderer) ID() uuid.UUID { return r.id }
func (r *Renderer) Name() string  { return r.name }

func (r *Renderer) Position() Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

func (r *Renderer) Radius() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.radius
}

// SetPosition takes effect on the next Render.
func (r *Renderer) SetPosition(p Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.pos = p
	r.mu.Unlock()
	return nil
}

// SetRadius takes effect on the next Render.
func (r *Renderer) SetRadius(radius float64) error {
	if err := validRadius(radius); err != nil {
		return err
	}
	r.mu.Lock()
	r.radius = radius
	r.mu.Unlock()
	return nil
}

func (r *Renderer) SetVerticalAxis(on bool) {
	r.mu.Lock()
	r.vertical = on
	r.mu.Unlock()
}

// AddViewer adds id to the explicit viewer set. It reports false in
// broadcast mode or when id was already a viewer.
func (r *Renderer) AddViewer(id SubscriberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broadcast || r.viewers.Has(id) {
		return false
	}
	r.viewers[id] = struct{}{}
	return true
}

// RemoveViewer removes id from the explicit viewer set. It reports false in
// broadcast mode or when id was not a viewer.
func (r *Renderer) RemoveViewer(id SubscriberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broadcast || !r.viewers.Has(id) {
		return false
	}
	delete(r.viewers, id)
	return true
}

// ShowEveryone switches between broadcast and the explicit viewer set. The
// shown set is left alone; the next Render reconciles it.
func (r *Renderer) ShowEveryone(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on && r.population == nil {
		return ErrNoPopulation
	}
	r.broadcast = on
	return nil
}

func (r *Renderer) ShowsEveryone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcast
}

// Viewers returns a copy of the explicit viewer set.
func (r *Renderer) Viewers() Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewers.Clone()
}

// Shown returns a copy of the result of the last Render.
func (r *Renderer) Shown() Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shown.Clone()
}

func (r *Renderer) IsShownTo(id SubscriberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shown.Has(id)
}

func (r *Renderer) Deleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleted || r.deleting
}

// CanSee reports whether id resolves to a reachable subscriber in the same
// locale and within radius.
func (r *Renderer) CanSee(id SubscriberID) bool {
	r.mu.Lock()
	pos, radius, vertical := r.pos, r.radius, r.vertical
	r.mu.Unlock()
	return r.canSee(id, pos, radius, vertical)
}

func (r *Renderer) canSee(id SubscriberID, pos Position, radius float64, vertical bool) bool {
	h, ok := r.resolver.Resolve(id)
	if !ok || h == nil || !h.Reachable() {
		return false
	}
	at := h.Position()
	if at.Locale != pos.Locale {
		return false
	}
	return pos.DistanceSq(at, vertical) <= radius*radius
}

// Render recomputes visibility and reports the difference: OnHide with the
// subscribers that left, then OnShow with those that entered. A render with
// nothing changed calls nothing. Each half of the diff is committed only
// after its callback returns, so a panicking callback is retried on the next
// Render. The recovered panic is returned as a *CallbackError.
func (r *Renderer) Render() error {
	r.mu.Lock()
	if r.deleted || r.deleting {
		r.mu.Unlock()
		return nil
	}
	pos, radius, vertical := r.pos, r.radius, r.vertical
	var candidates []SubscriberID
	if r.broadcast {
		pop := r.population
		r.mu.Unlock()
		candidates = pop.InLocale(pos.Locale)
	} else {
		candidates = r.viewers.Sorted()
		r.mu.Unlock()
	}

	next := make(Set, len(candidates))
	for _, id := range candidates {
		if r.canSee(id, pos, radius, vertical) {
			next[id] = struct{}{}
		}
	}

	r.mu.Lock()
	leaving := r.shown.Minus(next)
	entering := next.Minus(r.shown)
	r.mu.Unlock()

	if len(leaving) > 0 {
		if err := r.call("on-hide", func() { r.hide(leaving.Clone()) }); err != nil {
			return err
		}
		r.mu.Lock()
		for id := range leaving {
			delete(r.shown, id)
		}
		r.mu.Unlock()
	}
	if len(entering) > 0 {
		if r.Deleted() {
			return nil
		}
		if err := r.call("on-show", func() { r.show(entering.Clone()) }); err != nil {
			return err
		}
		r.mu.Lock()
		if !r.deleted {
			for id := range entering {
				r.shown[id] = struct{}{}
			}
		}
		r.mu.Unlock()
	}
	return nil
}

// ForceHide drops ids from the shown set right away and reports the ones that
// were shown through OnHide. It is the disconnect path; Render would reach
// the same result lazily.
func (r *Renderer) ForceHide(ids ...SubscriberID) (Set, error) {
	r.mu.Lock()
	if r.deleted || r.deleting {
		r.mu.Unlock()
		return Set{}, nil
	}
	purged := Set{}
	for _, id := range ids {
		if r.shown.Has(id) {
			purged[id] = struct{}{}
		}
	}
	r.mu.Unlock()
	if len(purged) == 0 {
		return purged, nil
	}

	if err := r.call("on-hide", func() { r.hide(purged.Clone()) }); err != nil {
		return Set{}, err
	}
	r.mu.Lock()
	for id := range purged {
		delete(r.shown, id)
	}
	r.mu.Unlock()
	return purged, nil
}

// Delete runs OnDelete while Shown still reports the final set, then marks
// the renderer deleted and clears the set. Later calls do nothing.
func (r *Renderer) Delete() error {
	r.mu.Lock()
	if r.deleted || r.deleting {
		r.mu.Unlock()
		return nil
	}
	r.deleting = true
	r.mu.Unlock()

	var err error
	if r.cb.OnDelete != nil {
		err = r.call("on-delete", func() { r.cb.OnDelete(r) })
	}

	r.mu.Lock()
	r.deleted = true
	r.deleting = false
	r.shown = Set{}
	r.mu.Unlock()
	return err
}

func (r *Renderer) show(s Set) {
	if r.cb.OnShow != nil {
		r.cb.OnShow(s)
	}
}

func (r *Renderer) hide(s Set) {
	if r.cb.OnHide != nil {
		r.cb.OnHide(s)
	}
}

func (r *Renderer) call(name string, fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &CallbackError{Renderer: r.name, Callback: name, Value: v, Stack: string(debug.Stack())}
		}
	}()
	fn()
	return nil
}
