package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/rs/zerolog"
)

func newTestLoop() (*Loop, *clock.TestClock) {
	clk := clock.NewTestClock(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))
	return NewManual(clk), clk
}

func TestPostRunsInOrder(t *testing.T) {
	l, _ := newTestLoop()

	var order []int
	l.Post(func() {
		order = append(order, 1)
		l.Post(func() { order = append(order, 3) })
	})
	l.Post(func() { order = append(order, 2) })

	if n := l.RunPending(); n != 3 {
		t.Fatalf("expected 3 callbacks, got %d", n)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	l, _ := newTestLoop()

	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	l.RunPending()

	if !ran {
		t.Fatal("expected callback after a panic to run")
	}
}

func TestEveryStopsWithContext(t *testing.T) {
	l, clk := newTestLoop()
	ctx, cancel := context.WithCancel(context.Background())

	runs := 0
	l.Every(ctx, 3*time.Second, func() { runs++ })

	clk.Advance(2 * time.Second)
	if runs != 0 {
		t.Fatalf("expected first run after one interval, got %d", runs)
	}
	clk.Advance(7 * time.Second)
	if runs != 3 {
		t.Fatalf("expected 3 runs after 9s, got %d", runs)
	}

	cancel()
	clk.Advance(9 * time.Second)
	if runs != 3 {
		t.Fatalf("expected no runs after cancel, got %d", runs)
	}
}

func TestGoPostsContinuation(t *testing.T) {
	l, _ := newTestLoop()

	var got int
	Go(l, func() int { return 42 }, func(v int) { got = v })
	if got != 0 {
		t.Fatal("continuation must not run before the loop drains")
	}
	l.RunPending()
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestCall(t *testing.T) {
	l, _ := newTestLoop()

	v, err := Call(context.Background(), l, func() string { return "done" })
	if err != nil || v != "done" {
		t.Fatalf("Call = %q, %v", v, err)
	}
}

func TestRunAndCallAcrossGoroutines(t *testing.T) {
	l := New(clock.RealClock{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan error, 1)
	go func() { stopped <- l.Run(ctx) }()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	counter := 0
	for i := 0; i < 10; i++ {
		if _, err := Call(callCtx, l, func() int { counter++; return counter }); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	if counter != 10 {
		t.Fatalf("expected 10 calls, got %d", counter)
	}

	cancel()
	if err := <-stopped; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
