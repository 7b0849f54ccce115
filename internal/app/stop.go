package app

import (
	"context"
	"fmt"
	"time"

	"simkit/internal/eventbus"
	logx "simkit/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Stop cancels every live schedule, drains the engine and waits for
// supervised goroutines. Each step is bounded so one component cannot stall
// the whole shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the loop stops stepping before schedules are torn down.
	a.sup.Cancel()
	a.clock.Stop()

	a.step(ctx, "scene", time.Second, func(context.Context) error {
		if a.scene != nil {
			return a.scene.close(a)
		}
		return nil
	})
	a.step(ctx, "render", time.Second, func(context.Context) error { a.driver.Stop(); return nil })
	a.step(ctx, "schedules", time.Second, func(context.Context) error {
		if n := a.registry.CancelAll(); n > 0 {
			a.log.Debug("schedules cancelled", logx.Int("count", n))
		}
		return nil
	})
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if c.Err() != nil {
			a.log.Warn("goroutines still running", logx.Any("names", a.sup.Running()))
		}
		return err
	})

	published, dropped := eventbus.Stats(a.bus)
	a.log.Info("stopped", logx.Uint64("events", published), logx.Uint64("events_dropped", dropped))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()

	// Respect the caller's deadline; never extend it.
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
