// Package eventloop provides the single-threaded executor that the
// subscriber client and its transports run on.
//
// Everything that mutates client or transport state is posted to a Loop and
// executed in FIFO order by one goroutine, so handlers never run
// concurrently. Goroutines doing network I/O only ever Post results back.
// Timers created with AfterFunc also fire through the loop, and a stopped
// Timer never runs its function even if the clock had already fired it.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrStopped is returned by Do when the loop is not running anymore.
var ErrStopped = errors.New("event loop stopped")

// Loop is an unbounded FIFO of functions executed by a single goroutine.
type Loop struct {
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates a loop using clk for timers. A nil clock means wall time.
func New(clk clock.Clock, logger *slog.Logger) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		clock:  clk,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run executes posted functions until ctx is cancelled. Functions still
// queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.execute(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// execute runs fn, recovering panics so one bad callback cannot stop the loop.
func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Post queues fn for execution on the loop. It never blocks.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
		return
	default:
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for its result. It must not be called
// from the loop goroutine itself.
func (l *Loop) Do(fn func() error) error {
	res := make(chan error, 1)
	l.Post(func() { res <- fn() })

	select {
	case err := <-res:
		return err
	case <-l.done:
		return ErrStopped
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Now returns the current time of the loop's clock.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// AfterFunc schedules fn to run on the loop after d. Both AfterFunc and
// the returned timer's Stop must be called on the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// Timer is a one-shot timer created by Loop.AfterFunc.
type Timer struct {
	timer   *clock.Timer
	stopped bool
}

// Stop prevents the timer from running. It is safe on a nil or already
// stopped timer.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.timer.Stop()
}

// Pending reports whether the timer has neither fired nor been stopped.
func (t *Timer) Pending() bool {
	return t != nil && !t.stopped
}
