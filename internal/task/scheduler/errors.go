package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrNoClock         = errors.New("clock required")
	ErrNilBody         = errors.New("body is nil")
	ErrNilPredicate    = errors.New("predicate is nil")
	ErrNilHook         = errors.New("hook is nil")
	ErrNegativeDelay   = errors.New("delay must be >= 0")
	ErrInvalidPeriod   = errors.New("period must be > 0")
	ErrNegativeLimit   = errors.New("limit must be >= 0")
	ErrAlreadyStarted  = errors.New("scheduler already started")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// ConfigError is a configuration mistake recorded at the builder call that
// caused it. Only the first one is kept; Run returns it and starts nothing.
type ConfigError struct {
	Op   string
	Name string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("scheduler %q: %s: %v", e.Name, e.Op, e.Err)
	}
	return fmt.Sprintf("scheduler: %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
