// Package loop provides the single event-processing context that every
// telemetry decoder runs on. Batches and timer callbacks are queued onto the
// same goroutine, so a timer can never race a batch.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned when work is posted to a stopped loop.
var ErrStopped = errors.New("loop stopped")

// Loop serializes callbacks onto one goroutine.
type Loop struct {
	queue  chan func()
	logger *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a loop with a queue of the given depth. Run must be called to
// start processing.
func New(depth int, logger *slog.Logger) *Loop {
	if depth <= 0 {
		depth = 256
	}
	return &Loop{
		queue:  make(chan func(), depth),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run processes queued callbacks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case fn := <-l.queue:
			l.call(fn)
		}
	}
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop callback panic", "panic", r)
		}
	}()
	fn()
}

// Stop ends Run. Safe to call multiple times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Post queues fn. It blocks while the queue is full and returns false once
// the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do queues fn and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Now returns the wall clock.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules fn onto the loop after d. The returned stop function
// prevents the callback from being queued if the timer has not fired yet.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	t := time.AfterFunc(d, func() {
		l.Post(fn)
	})
	return t.Stop
}
