package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"simkit/internal/eventbus"
	logx "simkit/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, t)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	release := func() {
		if qt.track {
			qt.task.State.release()
		}
	}

	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: time.Now()}
	if !qt.enqueuedAt.IsZero() {
		ev.QueueDelay = max(ev.Started.Sub(qt.enqueuedAt), 0)
	}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && ev.QueueDelay > maxDelay {
		s.onStaleDropped(ev.Started, qt.task, ev.QueueDelay)
		ev.Error = "stale_queue_delay"
		s.record(ev)
		release()
		qt.task.dropped(ErrStale)
		return
	}
	defer release()

	s.publish(eventbus.TaskStarted, ev)
	err := s.runGuarded(ctx, qt)
	ev.Duration = time.Since(ev.Started)

	if err != nil {
		ev.Error = err.Error()
		s.log.Debug("task.failed", logx.String("task", ev.Name), logx.Err(err), logx.Duration("dur", ev.Duration))
		s.publish(eventbus.TaskFailed, ev)
	} else {
		s.publish(eventbus.TaskFinished, ev)
	}
	s.record(ev)
}

// runGuarded applies the task timeout and turns a panic into an error so one
// bad task cannot kill its worker.
func (s *Service) runGuarded(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}
