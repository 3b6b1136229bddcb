package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/rs/zerolog"
)

// Loop is a single-threaded cooperative scheduler. Every callback posted to
// it runs to completion on the goroutine executing Run; there is never more
// than one callback in flight. Blocking work is pushed off the loop with Go
// and its continuation is posted back.
type Loop struct {
	clock  clock.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	manual bool
}

// New creates a loop driven by Run.
func New(clk clock.Clock, logger zerolog.Logger) *Loop {
	return &Loop{
		clock:  clk,
		logger: logger.With().Str("component", "loop").Logger(),
		wake:   make(chan struct{}, 1),
	}
}

// NewManual creates a loop for tests. Work passed to Go runs inline, timers
// drain the queue on the goroutine that advances the clock, and anything
// else is executed by RunPending.
func NewManual(clk clock.Clock) *Loop {
	l := New(clk, zerolog.Nop())
	l.manual = true
	return l
}

// Clock returns the clock the loop schedules against.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Now is shorthand for l.Clock().Now().
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// After posts fn to the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) clock.Timer {
	return l.clock.AfterFunc(d, func() {
		l.Post(fn)
		if l.manual {
			l.RunPending()
		}
	})
}

// Every runs fn on the loop every d until ctx is done. The first run
// happens after one interval.
func (l *Loop) Every(ctx context.Context, d time.Duration, fn func()) {
	var schedule func()
	schedule = func() {
		l.After(d, func() {
			if ctx.Err() != nil {
				return
			}
			fn()
			schedule()
		})
	}
	schedule()
}

// Go runs work off the loop and posts then(result) back onto it.
func Go[T any](l *Loop, work func() T, then func(T)) {
	if l.manual {
		result := work()
		l.Post(func() { then(result) })
		return
	}
	go func() {
		result := work()
		l.Post(func() { then(result) })
	}()
}

// Call posts fn to the loop and waits for its result. It must not be used
// from a loop callback.
func Call[T any](ctx context.Context, l *Loop, fn func() T) (T, error) {
	done := make(chan T, 1)
	l.Post(func() { done <- fn() })

	if l.manual {
		l.RunPending()
	}

	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Run executes callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug().Msg("Event loop started")
	for {
		l.RunPending()

		select {
		case <-ctx.Done():
			l.RunPending()
			l.logger.Debug().Msg("Event loop stopped")
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// RunPending executes queued callbacks, including ones they post, until the
// queue is empty. It returns the number of callbacks run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.run(fn)
		n++
	}
}

// run executes a single callback, containing panics so one failing
// callback never stops the loop.
func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Msg("Loop callback panicked")
		}
	}()
	fn()
}
