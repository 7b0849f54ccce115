package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"simkit/internal/actor"
	"simkit/internal/display"
	"simkit/internal/task/scheduler"
	"simkit/internal/visibility"
	logx "simkit/pkg/logx"
)

// DemoLocale is the locale every demo object lives in.
const DemoLocale visibility.LocaleID = "overworld"

// Scene is a small demo world: three subscribers, two displays and a
// patrolling actor. One subscriber wanders in and out of range so the
// show/hide path is exercised continuously.
type Scene struct {
	Subscribers []visibility.SubscriberID
	Welcome     *display.Display
	Notice      *display.Display
	Guide       *actor.Actor

	schedules []*scheduler.Handle
}

func at(x, y, z float64) visibility.Position {
	return visibility.Position{X: x, Y: y, Z: z, Locale: DemoLocale}
}

// StartDemo populates the world. Call it before Start so the first render
// already sees every object.
func (a *App) StartDemo() (*Scene, error) {
	if a.scene != nil {
		return a.scene, nil
	}
	s := &Scene{}
	fail := func(err error) (*Scene, error) {
		_ = s.close(a)
		return nil, err
	}

	for _, m := range []struct {
		name string
		pos  visibility.Position
	}{
		{"alice", at(0, 0, 0)},
		{"bob", at(40, 0, 0)},
		{"carol", at(4, 0, 6)},
	} {
		id, err := a.dir.Connect(m.name, m.pos)
		if err != nil {
			return fail(err)
		}
		s.Subscribers = append(s.Subscribers, id)
	}
	alice, bob := s.Subscribers[0], s.Subscribers[1]

	dd := display.Deps{
		Registry:   a.registry,
		Driver:     a.driver,
		Resolver:   a.dir,
		Population: a.dir,
		Strategy:   a.strategy,
		Log:        a.root,
	}
	var err error
	s.Welcome, err = display.New(display.Config{
		Name:      "welcome",
		At:        at(0, 2, 0),
		Radius:    16,
		Broadcast: true,
		Frames: [][]string{
			{"Welcome to simkit"},
			{"Welcome to simkit", fmt.Sprintf("quantum %s", a.clock.Quantum())},
			{"Welcome to simkit", "strategy " + a.strategy.Name()},
		},
		FrameEvery: 2 * time.Second,
		Loop:       true,
	}, dd)
	if err != nil {
		return fail(err)
	}
	s.Welcome.Renderer().SetVerticalAxis(a.resolved.VerticalAxis)

	s.Notice, err = display.New(display.Config{
		Name:     "notice",
		At:       at(2, 2, 2),
		Radius:   12,
		Lines:    []string{"Only alice sees this", "for thirty seconds"},
		Viewers:  []visibility.SubscriberID{alice},
		Lifetime: 30 * time.Second,
	}, dd)
	if err != nil {
		return fail(err)
	}
	s.Notice.Renderer().SetVerticalAxis(a.resolved.VerticalAxis)

	s.Guide, err = actor.Spawn(actor.Config{
		Name:      "guide",
		At:        at(0, 0, 0),
		Radius:    24,
		StepEvery: 250 * time.Millisecond,
		Path:      LinePath(1),
	}, actor.Deps(dd))
	if err != nil {
		return fail(err)
	}
	s.Guide.Renderer().SetVerticalAxis(a.resolved.VerticalAxis)

	patrol := []visibility.Position{at(10, 0, 0), at(10, 0, 10), at(0, 0, 10), at(0, 0, 0)}
	h, err := a.registry.Schedule("demo.patrol").
		EveryDuration(5 * time.Second).
		FreezeIf(func(*scheduler.Handle) bool { return s.Guide.Walking() }).
		Run(func(_ context.Context, _ *scheduler.Handle, counter int) error {
			return s.Guide.WalkTo(patrol[counter%len(patrol)])
		})
	if err != nil {
		return fail(err)
	}
	s.schedules = append(s.schedules, h)

	// bob walks from x=40 to x=0 and back, crossing every radius on the way.
	h, err = a.registry.Schedule("demo.wander").
		EveryDuration(time.Second).
		Run(func(_ context.Context, _ *scheduler.Handle, counter int) error {
			x := math.Abs(float64(counter%80 - 40))
			return a.dir.Move(bob, at(x, 0, 0))
		})
	if err != nil {
		return fail(err)
	}
	s.schedules = append(s.schedules, h)

	a.scene = s
	a.log.Info("demo scene started",
		logx.Int("subscribers", len(s.Subscribers)),
		logx.Int("renderers", a.driver.Len()),
	)
	return s, nil
}

// close tears the scene down and disconnects its subscribers.
func (s *Scene) close(a *App) error {
	for _, h := range s.schedules {
		h.Cancel()
	}
	var errs []error
	if s.Welcome != nil {
		errs = append(errs, s.Welcome.Close())
	}
	if s.Notice != nil {
		errs = append(errs, s.Notice.Close())
	}
	if s.Guide != nil {
		errs = append(errs, s.Guide.Remove())
	}
	for _, id := range s.Subscribers {
		a.dir.Disconnect(id)
	}
	return errors.Join(errs...)
}

// LinePath plans a straight walk in steps of at most stride. Locales must
// match.
func LinePath(stride float64) actor.PathFunc {
	return func(ctx context.Context, from, to visibility.Position) ([]visibility.Position, error) {
		if from.Locale != to.Locale {
			return nil, fmt.Errorf("no path from %s to %s", from.Locale, to.Locale)
		}
		n := int(math.Ceil(math.Sqrt(from.DistanceSq(to, true)) / stride))
		out := make([]visibility.Position, 0, n)
		for i := 1; i <= n; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			f := float64(i) / float64(n)
			out = append(out, visibility.Position{
				X:      from.X + (to.X-from.X)*f,
				Y:      from.Y + (to.Y-from.Y)*f,
				Z:      from.Z + (to.Z-from.Z)*f,
				Locale: to.Locale,
			})
		}
		return out, nil
	}
}
