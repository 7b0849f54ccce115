package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the simkit process configuration, loaded from JSON or YAML.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Clock      ClockConfig       `json:"clock"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Render     RenderConfig      `json:"render"`
	Host       HostConfig        `json:"host"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ClockConfig controls the synchronous update loop.
//
// Quantum is a Go duration string (default "50ms"). Changing it requires a
// restart since every live schedule is expressed in quanta.
type ClockConfig struct {
	Enabled bool   `json:"enabled"`
	Quantum string `json:"quantum,omitempty"`
}

// TaskEngineConfig controls the async execution context.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to
// clock.enabled) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: clock.enabled
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds one async firing. Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops firings that waited longer than this duration.
	// Use "0s" to disable stale queue dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// RenderConfig controls the periodic render driver.
type RenderConfig struct {
	Every string `json:"every,omitempty"`

	// VerticalAxis includes height in visibility distance. Default true.
	VerticalAxis *bool `json:"vertical_axis,omitempty"`

	// FailureLogEvery throttles render failure logs per driver.
	FailureLogEvery string `json:"failure_log_every,omitempty"`
}

// HostConfig selects the presentation strategy.
type HostConfig struct {
	Version string `json:"version"`
}

const (
	DefaultQuantum     = 50 * time.Millisecond
	DefaultRenderEvery = 250 * time.Millisecond
	DefaultHostVersion = "1.20"
)

// Resolved holds the parsed durations and defaults of a Config.
type Resolved struct {
	Quantum         time.Duration
	RenderEvery     time.Duration
	FailureLogEvery time.Duration
	VerticalAxis    bool
	HostVersion     string

	EngineEnabled  bool
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	HistorySize    int
}

// Resolve parses every duration and fills defaults. All problems are
// reported together.
func (c *Config) Resolve() (Resolved, error) {
	if c == nil {
		return Resolved{}, errors.New("config is nil")
	}
	var errs []error
	collect := func(d time.Duration, err error) time.Duration {
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	r := Resolved{
		Quantum:         collect(ParseDurationOrDefault("clock.quantum", c.Clock.Quantum, DefaultQuantum)),
		RenderEvery:     collect(ParseDurationOrDefault("render.every", c.Render.Every, DefaultRenderEvery)),
		FailureLogEvery: collect(ParseDurationOrDefault("render.failure_log_every", c.Render.FailureLogEvery, 10*time.Second)),
		VerticalAxis:    c.Render.VerticalAxis == nil || *c.Render.VerticalAxis,
		HostVersion:     strings.TrimSpace(c.Host.Version),
		EngineEnabled:   c.Clock.Enabled,
	}
	if r.HostVersion == "" {
		r.HostVersion = DefaultHostVersion
	}
	if te := c.TaskEngine; te != nil {
		if te.Enabled != nil {
			r.EngineEnabled = *te.Enabled
		}
		r.Workers = te.Workers
		r.QueueSize = te.QueueSize
		r.HistorySize = te.HistorySize
		r.DefaultTimeout = collect(ParseDurationField("task_engine.default_timeout", te.DefaultTimeout))
		r.MaxQueueDelay = collect(ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay))
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			errs = append(errs, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0"))
		}
	}
	if r.Quantum > 0 && r.RenderEvery > 0 && r.RenderEvery < r.Quantum {
		errs = append(errs, fmt.Errorf("render.every (%s) must be >= clock.quantum (%s)", r.RenderEvery, r.Quantum))
	}
	return r, errors.Join(errs...)
}
