package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simkit/internal/host"
	"simkit/internal/task/engine"
	"simkit/internal/task/scheduler"
	"simkit/internal/visibility"
	logx "simkit/pkg/logx"
)

func at(x float64) visibility.Position { return visibility.Position{X: x, Locale: "yard"} }

// straight walks one unit along X per waypoint.
func straight(_ context.Context, from, to visibility.Position) ([]visibility.Position, error) {
	var out []visibility.Position
	step := 1.0
	if to.X < from.X {
		step = -1
	}
	for x := from.X + step; ; x += step {
		out = append(out, visibility.Position{X: x, Y: to.Y, Z: to.Z, Locale: to.Locale})
		if x == to.X {
			return out, nil
		}
	}
}

type fixture struct {
	clock *scheduler.Clock
	reg   *host.Registry
	dir   *host.Directory
	sink  *host.MemorySink
	deps  Deps
}

func newFixture(t *testing.T, exec scheduler.Executor) *fixture {
	t.Helper()
	c := scheduler.NewClock(scheduler.ClockConfig{Quantum: 10 * time.Millisecond}, exec, logx.Nop(), nil)
	reg := host.NewRegistry(c, logx.Nop())
	dir := host.NewDirectory(nil, logx.Nop())
	drv := host.NewRenderDriver(host.RenderConfig{Every: 10 * time.Millisecond}, reg, nil, logx.Nop())
	require.NoError(t, drv.Start())
	sink := host.NewMemorySink()
	strategy, err := host.SelectStrategy("1.20", sink)
	require.NoError(t, err)
	return &fixture{
		clock: c, reg: reg, dir: dir, sink: sink,
		deps: Deps{Registry: reg, Driver: drv, Resolver: dir, Population: dir, Strategy: strategy},
	}
}

func (f *fixture) steps(n int) {
	for i := 0; i < n; i++ {
		f.clock.Step()
	}
}

func moves(ops []host.Op) int {
	n := 0
	for _, op := range ops {
		if op.Kind == host.OpMove {
			n++
		}
	}
	return n
}

func TestActorWalksPlannedRoute(t *testing.T) {
	f := newFixture(t, nil)
	obs, err := f.dir.Connect("observer", at(0))
	require.NoError(t, err)

	a, err := Spawn(Config{Name: "bob", At: at(0), Radius: 20, Path: straight}, f.deps)
	require.NoError(t, err)
	require.NoError(t, a.WalkTo(at(3)))

	f.steps(1)
	assert.Equal(t, at(0), a.Position())
	assert.Equal(t, uint64(0), a.Plans())

	f.steps(3)
	assert.Equal(t, at(3), a.Position())
	assert.False(t, a.Walking())

	f.steps(2)
	assert.Equal(t, at(3), a.Position())
	ops := f.sink.Ops(obs)
	require.NotEmpty(t, ops)
	assert.Equal(t, host.OpSpawn, ops[0].Kind)
	assert.Equal(t, 3, moves(ops))
}

func TestActorPauseFreezesWalk(t *testing.T) {
	f := newFixture(t, nil)
	a, err := Spawn(Config{At: at(0), Radius: 5, Path: straight}, f.deps)
	require.NoError(t, err)
	require.NoError(t, a.WalkTo(at(5)))
	f.steps(2)
	assert.Equal(t, at(1), a.Position())

	a.Pause()
	f.steps(3)
	assert.Equal(t, at(1), a.Position())

	a.Resume()
	f.steps(2)
	assert.Equal(t, at(3), a.Position())
}

func TestActorRemoveStopsWalker(t *testing.T) {
	f := newFixture(t, nil)
	obs, err := f.dir.Connect("observer", at(0))
	require.NoError(t, err)
	a, err := Spawn(Config{At: at(0), Radius: 5, Path: straight}, f.deps)
	require.NoError(t, err)
	f.steps(1)

	require.NoError(t, a.Remove())
	require.NoError(t, a.Remove())
	ops := f.sink.Ops(obs)
	assert.Equal(t, host.OpDespawn, ops[len(ops)-1].Kind)

	f.steps(1)
	select {
	case <-a.Done():
	default:
		t.Fatal("walker still running")
	}
	assert.ErrorIs(t, a.WalkTo(at(2)), ErrRemoved)
	assert.Equal(t, 1, f.reg.Len())
}

func TestActorPlanFailure(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("no path")
	a, err := Spawn(Config{At: at(0), Radius: 5, Path: func(context.Context, visibility.Position, visibility.Position) ([]visibility.Position, error) {
		return nil, boom
	}}, f.deps)
	require.NoError(t, err)

	require.NoError(t, a.WalkTo(at(4)))
	f.steps(3)

	assert.ErrorIs(t, a.LastError(), boom)
	assert.Equal(t, at(0), a.Position())
}

func TestActorPlansOffTheLoop(t *testing.T) {
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })

	f := newFixture(t, eng)
	release := make(chan struct{})
	a, err := Spawn(Config{At: at(0), Radius: 5, Path: func(ctx context.Context, from, to visibility.Position) ([]visibility.Position, error) {
		<-release
		return straight(ctx, from, to)
	}}, f.deps)
	require.NoError(t, err)
	require.NoError(t, a.WalkTo(at(2)))

	// The loop keeps stepping while the planner blocks.
	f.steps(5)
	assert.Equal(t, at(0), a.Position())

	close(release)
	require.Eventually(t, func() bool {
		f.clock.Step()
		return a.Position() == at(2)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), a.Plans())
}

func TestSpawnValidation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := Spawn(Config{At: at(0)}, f.deps)
	assert.ErrorIs(t, err, ErrNoPathFunc)
	_, err = Spawn(Config{At: at(0), Radius: -1, Path: straight}, f.deps)
	assert.ErrorIs(t, err, visibility.ErrInvalidRadius)

	a, err := Spawn(Config{At: at(0), Radius: 1, Path: straight}, f.deps)
	require.NoError(t, err)
	assert.ErrorIs(t, a.WalkTo(visibility.Position{}), visibility.ErrInvalidPosition)
}
