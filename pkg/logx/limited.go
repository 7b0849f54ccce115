package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// gate is shared by every copy of a limited Logger (With() keeps the pointer),
// so derived loggers draw from the same budget.
type gate struct {
	lim     *rate.Limiter
	dropped atomic.Uint64
}

func (g *gate) allow() (uint64, bool) {
	if !g.lim.Allow() {
		g.dropped.Add(1)
		return 0, false
	}
	return g.dropped.Swap(0), true
}

// Limited returns a logger that emits at most one event per every (plus burst)
// and reports how many were suppressed on the next emitted event.
//
// Use it for log sites that can fire once per quantum, such as a task body that
// keeps failing or a renderer whose callbacks panic.
func Limited(l Logger, every time.Duration, burst int) Logger {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.Inf
	if every > 0 {
		lim = rate.Every(every)
	}
	cp := l
	cp.gate = &gate{lim: rate.NewLimiter(lim, burst)}
	return cp
}
