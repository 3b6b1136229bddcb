package clock

import (
	"testing"
	"time"
)

func TestTestClockFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	c := NewTestClock(start)

	var fired []string
	var at []time.Time
	record := func(name string) func() {
		return func() {
			fired = append(fired, name)
			at = append(at, c.Now())
		}
	}
	c.AfterFunc(3*time.Second, record("c"))
	c.AfterFunc(time.Second, record("a"))
	stopped := c.AfterFunc(2*time.Second, record("b"))
	if !stopped.Stop() {
		t.Fatal("expected first Stop to report true")
	}
	if stopped.Stop() {
		t.Fatal("expected second Stop to report false")
	}

	c.Advance(5 * time.Second)
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "c" {
		t.Fatalf("expected [a c], got %v", fired)
	}
	if !at[0].Equal(start.Add(time.Second)) || !at[1].Equal(start.Add(3*time.Second)) {
		t.Fatalf("callbacks saw wrong times %v", at)
	}
	if !c.Now().Equal(start.Add(5 * time.Second)) {
		t.Fatalf("expected clock at +5s, got %v", c.Now())
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
}

func TestTestClockHonoursTimersRegisteredWhileAdvancing(t *testing.T) {
	c := NewTestClock(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	if ticks != 10 {
		t.Fatalf("expected 10 ticks, got %d", ticks)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected the next tick pending, got %d", c.Pending())
	}
}

func TestTestClockSetDoesNotFire(t *testing.T) {
	start := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	c := NewTestClock(start)

	fired := false
	c.AfterFunc(time.Minute, func() { fired = true })
	c.Set(start.Add(time.Hour))
	if fired {
		t.Fatal("Set must not fire timers")
	}

	c.Advance(0)
	if !fired {
		t.Fatal("expected overdue timer to fire on the next Advance")
	}
}
