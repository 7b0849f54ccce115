package visibility

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	pos    Position
	online bool
}

func (s fakeSub) Position() Position { return s.pos }
func (s fakeSub) Reachable() bool    { return s.online }

type fakeWorld struct {
	mu   sync.Mutex
	subs map[SubscriberID]fakeSub
}

func newWorld() *fakeWorld { return &fakeWorld{subs: map[SubscriberID]fakeSub{}} }

func (w *fakeWorld) add(p Position) SubscriberID {
	id := uuid.New()
	w.put(id, p)
	return id
}

func (w *fakeWorld) put(id SubscriberID, p Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs[id] = fakeSub{pos: p, online: true}
}

func (w *fakeWorld) setOnline(id SubscriberID, online bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.subs[id]
	s.online = online
	w.subs[id] = s
}

func (w *fakeWorld) remove(id SubscriberID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subs, id)
}

func (w *fakeWorld) Resolve(id SubscriberID) (LiveHandle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.subs[id]
	return s, ok
}

func (w *fakeWorld) InLocale(l LocaleID) []SubscriberID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []SubscriberID
	for id, s := range w.subs {
		if s.pos.Locale == l {
			out = append(out, id)
		}
	}
	return out
}

type calls struct {
	shows   []Set
	hides   []Set
	deletes int
}

func (c *calls) callbacks() Callbacks {
	return Callbacks{
		OnShow:   func(s Set) { c.shows = append(c.shows, s) },
		OnHide:   func(s Set) { c.hides = append(c.hides, s) },
		OnDelete: func(*Renderer) { c.deletes++ },
	}
}

func (c *calls) reset() { c.shows, c.hides = nil, nil }

func at(x, y, z float64, l LocaleID) Position { return Position{X: x, Y: y, Z: z, Locale: l} }

func TestRenderEnterAndExit(t *testing.T) {
	w := newWorld()
	x := w.add(at(5, 0, 0, "A"))
	y := w.add(at(20, 0, 0, "A"))
	z := w.add(at(1, 0, 0, "B"))

	var c calls
	r, err := New(at(0, 0, 0, "A"), 10, w, c.callbacks(), WithViewers(x, y, z))
	require.NoError(t, err)

	require.NoError(t, r.Render())
	require.Len(t, c.shows, 1)
	assert.True(t, c.shows[0].Equal(NewSet(x)))
	assert.Empty(t, c.hides)

	c.reset()
	w.put(x, at(50, 0, 0, "A"))
	require.NoError(t, r.Render())
	require.Len(t, c.hides, 1)
	assert.True(t, c.hides[0].Equal(NewSet(x)))
	assert.Empty(t, c.shows)

	c.reset()
	w.put(y, at(3, 0, 0, "A"))
	require.NoError(t, r.Render())
	require.Len(t, c.shows, 1)
	assert.True(t, c.shows[0].Equal(NewSet(y)))
	assert.Empty(t, c.hides)
	assert.True(t, r.Shown().Equal(NewSet(y)))
}

func TestRenderIsIdempotent(t *testing.T) {
	w := newWorld()
	a := w.add(at(1, 0, 0, "A"))
	var c calls
	r, err := New(at(0, 0, 0, "A"), 10, w, c.callbacks(), WithViewers(a))
	require.NoError(t, err)

	require.NoError(t, r.Render())
	c.reset()
	require.NoError(t, r.Render())
	assert.Empty(t, c.shows)
	assert.Empty(t, c.hides)
}

func TestRenderDiffMatchesSetDifference(t *testing.T) {
	w := newWorld()
	rng := rand.New(rand.NewSource(7))
	ids := make([]SubscriberID, 12)
	for i := range ids {
		ids[i] = w.add(at(0, 0, 0, "A"))
	}

	var c calls
	r, err := New(at(0, 0, 0, "A"), 10, w, c.callbacks(), WithViewers(ids...))
	require.NoError(t, err)

	prev := Set{}
	for round := 0; round < 50; round++ {
		for _, id := range ids {
			switch rng.Intn(4) {
			case 0:
				w.put(id, at(rng.Float64()*20, 0, 0, "A"))
			case 1:
				w.put(id, at(rng.Float64()*5, 0, 0, "B"))
			case 2:
				w.setOnline(id, rng.Intn(2) == 0)
			}
		}
		want := Set{}
		for _, id := range ids {
			if r.CanSee(id) {
				want[id] = struct{}{}
			}
		}

		c.reset()
		require.NoError(t, r.Render())

		if leaving := prev.Minus(want); len(leaving) > 0 {
			require.Len(t, c.hides, 1)
			assert.True(t, c.hides[0].Equal(leaving), "round %d", round)
		} else {
			assert.Empty(t, c.hides)
		}
		if entering := want.Minus(prev); len(entering) > 0 {
			require.Len(t, c.shows, 1)
			assert.True(t, c.shows[0].Equal(entering), "round %d", round)
		} else {
			assert.Empty(t, c.shows)
		}
		assert.True(t, r.Shown().Equal(want))
		prev = want
	}
}

func TestOtherLocaleIsNeverShown(t *testing.T) {
	w := newWorld()
	z := w.add(at(0, 0, 0, "B"))
	var c calls
	r, err := New(at(0, 0, 0, "A"), math.MaxFloat64, w, c.callbacks(), WithViewers(z))
	require.NoError(t, err)

	require.NoError(t, r.Render())
	assert.False(t, r.CanSee(z))
	assert.Empty(t, c.shows)
}

func TestRadiusBoundaryIsInclusive(t *testing.T) {
	w := newWorld()
	edge := w.add(at(10, 0, 0, "A"))
	r, err := New(at(0, 0, 0, "A"), 10, w, Callbacks{}, WithViewers(edge))
	require.NoError(t, err)
	assert.True(t, r.CanSee(edge))
}

func TestVerticalAxisFlag(t *testing.T) {
	w := newWorld()
	above := w.add(at(0, 20, 0, "A"))
	r, err := New(at(0, 0, 0, "A"), 10, w, Callbacks{}, WithViewers(above))
	require.NoError(t, err)
	assert.False(t, r.CanSee(above))

	r.SetVerticalAxis(false)
	assert.True(t, r.CanSee(above))

	flat, err := New(at(0, 0, 0, "A"), 10, w, Callbacks{}, WithViewers(above), WithVerticalAxis(false))
	require.NoError(t, err)
	assert.True(t, flat.CanSee(above))
}

func TestEmptyExplicitSetShowsNobody(t *testing.T) {
	w := newWorld()
	w.add(at(1, 0, 0, "A"))
	var c calls
	r, err := New(at(0, 0, 0, "A"), 10, w, c.callbacks())
	require.NoError(t, err)
	require.NoError(t, r.Render())
	assert.Empty(t, c.shows)
	assert.Equal(t, 0, r.Shown().Len())
}

func TestUnreachableSubscriberIsHidden(t *testing.T) {
	w := newWorld()
	a := w.add(at(1, 0, 0, "A"))
	b := w.add(at(2, 0, 0, "A"))
	var c calls
	r, err := New(at(0, 0, 0, "A"), 10, w, c.callbacks(), WithViewers(a, b))
	require.NoError(t, err)
	require.NoError(t, r.Render())

	c.reset()
	w.remove(a)
	w.setOnline(b, false)
	require.NoError(t, r.Render())
	require.Len(t, c.hides, 1)
	assert.True(t, c.hides[0].Equal(NewSet(a, b)))
}

func TestBroadcastFollowsPopulation(t *testing.T) {
	w := newWorld()
	a := w.add(at(1, 0, 0, "A"))
	b := w.add(at(2, 0, 0, "A"))
	far := w.add(at(100, 0, 0, "A"))
	var c calls
	r, err := New(at(0, 0, 0, "A"), 10, w, c.callbacks(), WithBroadcast(w))
	require.NoError(t, err)

	require.NoError(t, r.Render())
	assert.True(t, r.Shown().Equal(NewSet(a, b)))
	assert.False(t, r.IsShownTo(far))

	assert.False(t, r.AddViewer(far))
	assert.False(t, r.RemoveViewer(a))

	late := w.add(at(3, 0, 0, "A"))
	c.reset()
	require.NoError(t, r.Render())
	require.Len(t, c.shows, 1)
	assert.True(t, c.shows[0].Equal(NewSet(late)))
}

func TestShowEveryoneToggleReconcilesOnRender(t *testing.T) {
	w := newWorld()
	a := w.add(at(1, 0, 0, "A"))
	b := w.add(at(2, 0, 0, "A"))
	var c calls
	r, err := New(at(0, 0, 0, "A"), 10, w, c.callbacks(), WithViewers(a), WithPopulation(w))
	require.NoError(t, err)
	require.NoError(t, r.Render())

	require.NoError(t, r.ShowEveryone(true))
	assert.True(t, r.Shown().Equal(NewSet(a)))
	c.reset()
	require.NoError(t, r.Render())
	require.Len(t, c.shows, 1)
	assert.True(t, c.shows[0].Equal(NewSet(b)))

	require.NoError(t, r.ShowEveryone(false))
	c.reset()
	require.NoError(t, r.Render())
	require.Len(t, c.hides, 1)
	assert.True(t, c.hides[0].Equal(NewSet(b)))
}

func TestShowEveryoneNeedsPopulation(t *testing.T) {
	w := newWorld()
	r, err := New(at(0, 0, 0, "A"), 10, w, Callbacks{})
	require.NoError(t, err)
	assert.ErrorIs(t, r.ShowEveryone(true), ErrNoPopulation)

	_, err = New(at(0, 0, 0, "A"), 10, w, Callbacks{}, WithBroadcast(nil))
	assert.ErrorIs(t, err, ErrNoPopulation)
}

func TestViewerMutators(t *testing.T) {
	w := newWorld()
	a := w.add(at(1, 0, 0, "A"))
	r, err := New(at(0, 0, 0, "A"), 10, w, Callbacks{})
	require.NoError(t, err)

	assert.True(t, r.AddViewer(a))
	assert.False(t, r.AddViewer(a))
	assert.True(t, r.Viewers().Has(a))
	assert.True(t, r.RemoveViewer(a))
	assert.False(t, r.RemoveViewer(a))
}

func TestForceHide(t *testing.T) {
	w := newWorld()
	a := w.add(at(1, 0, 0, "A"))
	b := w.add(at(2, 0, 0, "A"))
	var c calls
	r, err := New(at(0, 0, 0, "A"), 10, w, c.callbacks(), WithViewers(a, b))
	require.NoError(t, err)
	require.NoError(t, r.Render())

	c.reset()
	purged, err := r.ForceHide(a, uuid.New())
	require.NoError(t, err)
	assert.True(t, purged.Equal(NewSet(a)))
	require.Len(t, c.hides, 1)
	assert.True(t, c.hides[0].Equal(NewSet(a)))
	assert.False(t, r.IsShownTo(a))

	c.reset()
	purged, err = r.ForceHide(a)
	require.NoError(t, err)
	assert.Equal(t, 0, purged.Len())
	assert.Empty(t, c.hides)
}

func TestDelete(t *testing.T) {
	w := newWorld()
	a := w.add(at(1, 0, 0, "A"))
	var seen Set
	var deletes int
	r, err := New(at(0, 0, 0, "A"), 10, w, Callbacks{
		OnDelete: func(r *Renderer) {
			deletes++
			seen = r.Shown()
		},
	}, WithViewers(a))
	require.NoError(t, err)
	require.NoError(t, r.Render())

	require.NoError(t, r.Delete())
	require.NoError(t, r.Delete())

	assert.Equal(t, 1, deletes)
	assert.True(t, seen.Equal(NewSet(a)))
	assert.True(t, r.Deleted())
	assert.Equal(t, 0, r.Shown().Len())

	w.put(uuid.New(), at(0, 0, 0, "A"))
	require.NoError(t, r.Render())
	assert.Equal(t, 0, r.Shown().Len())
}

func TestCallbackPanicIsRetried(t *testing.T) {
	w := newWorld()
	a := w.add(at(1, 0, 0, "A"))
	fail := true
	var shown []Set
	r, err := New(at(0, 0, 0, "A"), 10, w, Callbacks{
		OnShow: func(s Set) {
			if fail {
				panic("client gone")
			}
			shown = append(shown, s)
		},
	}, WithViewers(a))
	require.NoError(t, err)

	err = r.Render()
	require.ErrorIs(t, err, ErrCallbackPanic)
	var ce *CallbackError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "on-show", ce.Callback)
	assert.False(t, r.IsShownTo(a))

	fail = false
	require.NoError(t, r.Render())
	require.Len(t, shown, 1)
	assert.True(t, r.IsShownTo(a))
}

func TestValidation(t *testing.T) {
	w := newWorld()
	_, err := New(at(0, 0, 0, "A"), -1, w, Callbacks{})
	assert.ErrorIs(t, err, ErrInvalidRadius)
	_, err = New(at(0, 0, 0, ""), 1, w, Callbacks{})
	assert.ErrorIs(t, err, ErrInvalidPosition)
	_, err = New(at(0, 0, 0, "A"), 1, nil, Callbacks{})
	assert.ErrorIs(t, err, ErrNilResolver)

	r, err := New(at(0, 0, 0, "A"), 1, w, Callbacks{})
	require.NoError(t, err)
	assert.ErrorIs(t, r.SetPosition(at(math.NaN(), 0, 0, "A")), ErrInvalidPosition)
	assert.ErrorIs(t, r.SetPosition(at(math.Inf(1), 0, 0, "A")), ErrInvalidPosition)
	assert.ErrorIs(t, r.SetRadius(math.NaN()), ErrInvalidRadius)
	assert.ErrorIs(t, r.SetRadius(-0.5), ErrInvalidRadius)
	assert.Equal(t, at(0, 0, 0, "A"), r.Position())
	assert.Equal(t, 1.0, r.Radius())

	require.NoError(t, r.SetRadius(0))
	require.NoError(t, r.SetPosition(at(1, 2, 3, "B")))
}
