package app

import (
	"context"
	"fmt"

	"simkit/internal/config"
	"simkit/internal/eventbus"
	"simkit/internal/host"
	"simkit/internal/runtime/supervisor"
	"simkit/internal/task/engine"
	"simkit/internal/task/scheduler"
	logx "simkit/pkg/logx"
)

// App owns every long-lived service of a simkit process.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	resolved config.Resolved
	// built is the config the components were constructed from; the reload
	// loop diffs the first published config against it.
	built *config.Config

	engine   *engine.Service
	clock    *scheduler.Clock
	registry *host.Registry
	dir      *host.Directory
	strategy host.Strategy
	driver   *host.RenderDriver

	scene *Scene
}

type Option func(*options)

type options struct {
	sink host.Sink
}

// WithSink sends presentation operations to s instead of the log.
func WithSink(s host.Sink) Option { return func(o *options) { o.sink = s } }

// New loads the config at cfgPath and builds the service graph. Nothing
// runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(cfg.LogConfig())
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()
	eng := engine.New(res.EngineConfig(), root.With(logx.String("comp", "taskengine")), bus)

	// The engine is always wired: while disabled it rejects with
	// ErrDisabled and the clock runs async firings inline.
	clock := scheduler.NewClock(res.ClockConfig(cfg.Clock.Enabled), eng, root, bus)
	reg := host.NewRegistry(clock, root)
	dir := host.NewDirectory(bus, root)

	sink := o.sink
	if sink == nil {
		sink = host.LogSink{Log: root.With(logx.String("comp", "sink"))}
	}
	strat, err := host.SelectStrategy(res.HostVersion, sink)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("host.version: %w", err)
	}
	drv := host.NewRenderDriver(res.RenderConfig(), reg, bus, root)

	log.Info("app configured",
		logx.String("config", cfgPath),
		logx.Duration("quantum", res.Quantum),
		logx.String("strategy", strat.Name()),
		logx.Bool("engine", res.EngineEnabled),
	)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		root:     root,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		resolved: res,
		built:    cfg,
		engine:   eng,
		clock:    clock,
		registry: reg,
		dir:      dir,
		strategy: strat,
		driver:   drv,
	}, nil
}

func (a *App) Bus() eventbus.Bus                    { return a.bus }
func (a *App) Clock() *scheduler.Clock              { return a.clock }
func (a *App) Engine() *engine.Service              { return a.engine }
func (a *App) Registry() *host.Registry             { return a.registry }
func (a *App) Directory() *host.Directory           { return a.dir }
func (a *App) Strategy() host.Strategy              { return a.strategy }
func (a *App) Driver() *host.RenderDriver           { return a.driver }
func (a *App) Logger() logx.Logger                  { return a.log }
func (a *App) Resolved() config.Resolved            { return a.resolved }
func (a *App) ConfigManager() *config.ConfigManager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the engine, the render driver, the update loop and the
// config watcher. When clock.enabled is false the loop is not driven and
// callers step the clock themselves.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.root)
	a.cfgm.SetValidator(a.validate)

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if err := a.driver.Start(); err != nil {
		return err
	}

	if a.cfgm.Get().Clock.Enabled {
		a.sup.Go("clock", a.clock.Run)
	}
	a.sup.Go0("render.watch", a.driver.Watch)
	a.sup.Go0("eventbus.log", a.logEvents)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub, a.built) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// validate rejects reloads that cannot be applied to a running process.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	res, err := cfg.Resolve()
	if err != nil {
		return err
	}
	if _, err := host.ParseVersion(res.HostVersion); err != nil {
		return fmt.Errorf("host.version: %w", err)
	}
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Trace level: render and task events arrive every quantum.
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}
