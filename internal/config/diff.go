package config

import (
	"strings"

	logx "simkit/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// structured attrs describing the new values, for logging a reload.
// restart lists changed settings that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Clock.Enabled != newCfg.Clock.Enabled ||
		strings.TrimSpace(oldCfg.Clock.Quantum) != strings.TrimSpace(newCfg.Clock.Quantum) {
		changed = append(changed, "clock")
		attrs = append(attrs,
			logx.Bool("clock.enabled", newCfg.Clock.Enabled),
			logx.String("clock.quantum", strings.TrimSpace(newCfg.Clock.Quantum)),
		)
		if strings.TrimSpace(oldCfg.Clock.Quantum) != strings.TrimSpace(newCfg.Clock.Quantum) {
			restart = append(restart, "clock.quantum")
		}
	}

	oldTE, newTE := engineOrZero(oldCfg.TaskEngine), engineOrZero(newCfg.TaskEngine)
	if boolPtrOr(oldTE.Enabled, oldCfg.Clock.Enabled) != boolPtrOr(newTE.Enabled, newCfg.Clock.Enabled) ||
		oldTE.Workers != newTE.Workers ||
		oldTE.QueueSize != newTE.QueueSize ||
		strings.TrimSpace(oldTE.DefaultTimeout) != strings.TrimSpace(newTE.DefaultTimeout) ||
		strings.TrimSpace(oldTE.MaxQueueDelay) != strings.TrimSpace(newTE.MaxQueueDelay) ||
		oldTE.HistorySize != newTE.HistorySize {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", boolPtrOr(newTE.Enabled, newCfg.Clock.Enabled)),
			logx.Int("task_engine.workers", newTE.Workers),
			logx.Int("task_engine.queue_size", newTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(newTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(newTE.MaxQueueDelay)),
		)
	}

	if strings.TrimSpace(oldCfg.Render.Every) != strings.TrimSpace(newCfg.Render.Every) ||
		strings.TrimSpace(oldCfg.Render.FailureLogEvery) != strings.TrimSpace(newCfg.Render.FailureLogEvery) ||
		boolPtrOr(oldCfg.Render.VerticalAxis, true) != boolPtrOr(newCfg.Render.VerticalAxis, true) {
		changed = append(changed, "render")
		attrs = append(attrs,
			logx.String("render.every", strings.TrimSpace(newCfg.Render.Every)),
			logx.String("render.failure_log_every", strings.TrimSpace(newCfg.Render.FailureLogEvery)),
			logx.Bool("render.vertical_axis", boolPtrOr(newCfg.Render.VerticalAxis, true)),
		)
		restart = append(restart, "render")
	}

	if strings.TrimSpace(oldCfg.Host.Version) != strings.TrimSpace(newCfg.Host.Version) {
		changed = append(changed, "host")
		attrs = append(attrs, logx.String("host.version", strings.TrimSpace(newCfg.Host.Version)))
		restart = append(restart, "host.version")
	}

	return changed, attrs, restart
}

func engineOrZero(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func boolPtrOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
