package scheduler

import (
	"errors"
	"time"

	"simkit/internal/task/engine"
	logx "simkit/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (c *Clock) reportDispatchError(name string, err error) {
	if err == nil {
		return
	}
	// The previous firing is still queued or running; it stays due.
	if errors.Is(err, engine.ErrOverlapSkip) {
		c.log.Trace("async firing deferred", logx.String("task", name))
		return
	}

	now := time.Now()
	c.enqMu.Lock()
	last := c.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		c.enqMu.Unlock()
		return
	}
	c.lastEnqWarn[name] = now
	c.enqMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	c.log.Warn("async firing not accepted, retrying next quantum", logx.String("task", name), logx.Err(err))
}
