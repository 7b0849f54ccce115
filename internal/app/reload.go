package app

import (
	"context"
	"strings"

	"simkit/internal/config"
	logx "simkit/pkg/logx"
)

// reloadLoop applies published configs, diffing each against the last one
// applied. Logging and the task engine change live; quantum, render and host
// changes only take effect after a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, last *config.Config) {
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := last
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = drainLatest(sub, newCfg)
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-ch:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes require restart", logx.String("keys", strings.Join(restart, ",")))
	}

	res, err := newCfg.Resolve()
	if err != nil {
		// The validator already ran; keep the previous settings if it was bypassed.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	if err := a.logs.Apply(newCfg.LogConfig()); err != nil {
		a.log.Warn("log file unavailable; console only", logx.Err(err))
	}

	prev := a.engine.Enabled()
	a.engine.Apply(ctx, res.EngineConfig())
	switch {
	case prev && !res.EngineEnabled:
		a.log.Info("task engine disabled via config; async schedules run inline")
	case !prev && res.EngineEnabled:
		a.log.Info("task engine enabled via config")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
