package config

import (
	"simkit/internal/host"
	"simkit/internal/task/engine"
	"simkit/internal/task/scheduler"
	logx "simkit/pkg/logx"
)

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (r Resolved) EngineConfig() engine.Config {
	return engine.Config{
		Enabled:        r.EngineEnabled,
		Workers:        r.Workers,
		QueueSize:      r.QueueSize,
		DefaultTimeout: r.DefaultTimeout,
		MaxQueueDelay:  r.MaxQueueDelay,
		HistorySize:    r.HistorySize,
	}
}

func (r Resolved) ClockConfig(enabled bool) scheduler.ClockConfig {
	return scheduler.ClockConfig{Enabled: enabled, Quantum: r.Quantum}
}

func (r Resolved) RenderConfig() host.RenderConfig {
	return host.RenderConfig{Every: r.RenderEvery, FailureLogEvery: r.FailureLogEvery}
}
