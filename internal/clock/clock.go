package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides time information and delayed callbacks.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc calls f in its own goroutine once d has elapsed.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// TestClock is a manually advanced clock. Callbacks registered with
// AfterFunc run synchronously inside Advance, in deadline order.
type TestClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*testTimer
}

type testTimer struct {
	clock    *TestClock
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *testTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// NewTestClock returns a TestClock set to start.
func NewTestClock(start time.Time) *TestClock {
	return &TestClock{current: start}
}

// Now returns the test time.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Set moves the clock to t without firing timers. Used to simulate
// wall-clock jumps such as a resume from suspend.
func (c *TestClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// AfterFunc registers f to run when the clock is advanced past now+d.
func (c *TestClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &testTimer{
		clock:    c,
		deadline: c.current.Add(d),
		fn:       f,
	}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that falls
// due. Timers registered by a firing callback are honoured if they also
// fall inside the advanced window.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due *testTimer
		idx := -1
		sort.SliceStable(c.pending, func(i, j int) bool {
			return c.pending[i].deadline.Before(c.pending[j].deadline)
		})
		for i, t := range c.pending {
			if t.stopped {
				continue
			}
			if !t.deadline.After(target) {
				due, idx = t, i
			}
			break
		}
		if due == nil {
			c.current = target
			c.pending = compact(c.pending)
			c.mu.Unlock()
			return
		}
		c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
		if due.deadline.After(c.current) {
			c.current = due.deadline
		}
		c.mu.Unlock()

		due.fn()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *TestClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

func compact(timers []*testTimer) []*testTimer {
	out := timers[:0]
	for _, t := range timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}
