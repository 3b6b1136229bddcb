package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/loop"
	"github.com/rs/zerolog"
)

type conn struct{ id int }

type harness struct {
	clock    *clock.TestClock
	loop     *loop.Loop
	attempts int
	results  []error
}

func newHarness() *harness {
	clk := clock.NewTestClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	return &harness{clock: clk, loop: loop.NewManual(clk)}
}

// connect fails with the queued errors in order and succeeds afterwards.
func (h *harness) connect(context.Context) (*conn, error) {
	h.attempts++
	if len(h.results) > 0 {
		err := h.results[0]
		h.results = h.results[1:]
		if err != nil {
			return nil, err
		}
	}
	return &conn{id: h.attempts}, nil
}

func (h *harness) endpoint(opts Options) *Endpoint[*conn] {
	return NewEndpoint(h.loop, "test", opts, h.connect, zerolog.Nop())
}

var errDown = Transient(errors.New("bus unreachable"))

func TestEndpointConnects(t *testing.T) {
	h := newHarness()
	e := h.endpoint(Options{Retries: 3, Backoff: time.Second})

	e.Connect()
	h.loop.RunPending()

	if e.State() != Connected {
		t.Fatalf("expected connected, got %s", e.State())
	}
	if c, ok := e.Handle(); !ok || c.id != 1 {
		t.Fatalf("expected handle from first attempt, got %+v", c)
	}
}

func TestEndpointFailsAfterExactlyRetries(t *testing.T) {
	h := newHarness()
	h.results = []error{errDown, errDown, errDown, errDown, errDown}
	e := h.endpoint(Options{Retries: 3, Backoff: 5 * time.Second})

	hookCalls := 0
	e.OnPermanentFailure(func(error) { hookCalls++ })

	e.Connect()
	h.loop.RunPending()
	if h.attempts != 1 || e.State() != Unconnected || e.RetriesLeft() != 2 {
		t.Fatalf("after 1st failure: attempts=%d state=%s retries=%d", h.attempts, e.State(), e.RetriesLeft())
	}

	h.clock.Advance(5 * time.Second)
	if h.attempts != 2 || e.State() != Unconnected || e.RetriesLeft() != 1 {
		t.Fatalf("after 2nd failure: attempts=%d state=%s retries=%d", h.attempts, e.State(), e.RetriesLeft())
	}

	h.clock.Advance(5 * time.Second)
	if h.attempts != 3 || e.State() != PermanentlyFailed || e.RetriesLeft() != 0 {
		t.Fatalf("after 3rd failure: attempts=%d state=%s retries=%d", h.attempts, e.State(), e.RetriesLeft())
	}

	h.clock.Advance(time.Minute)
	e.Connect()
	h.loop.RunPending()
	if h.attempts != 3 {
		t.Fatalf("expected no attempts after permanent failure, got %d", h.attempts)
	}
	if hookCalls != 1 {
		t.Fatalf("expected failure hook once, got %d", hookCalls)
	}
}

func TestEndpointBackoffIsConstant(t *testing.T) {
	h := newHarness()
	h.results = []error{errDown, errDown}
	e := h.endpoint(Options{Retries: 5, Backoff: 3 * time.Second})

	e.Connect()
	h.loop.RunPending()

	h.clock.Advance(2 * time.Second)
	if h.attempts != 1 {
		t.Fatalf("expected retry to wait for backoff, got %d attempts", h.attempts)
	}
	h.clock.Advance(time.Second)
	if h.attempts != 2 {
		t.Fatalf("expected retry after backoff, got %d attempts", h.attempts)
	}
	h.clock.Advance(3 * time.Second)
	if h.attempts != 3 || e.State() != Connected {
		t.Fatalf("expected connection on 3rd attempt, got %d attempts state %s", h.attempts, e.State())
	}
}

func TestEndpointDelayTicks(t *testing.T) {
	h := newHarness()
	e := h.endpoint(Options{Retries: 1, DelayTicks: 2})

	for i := 0; i < 2; i++ {
		e.Connect()
		h.loop.RunPending()
		if h.attempts != 0 {
			t.Fatalf("expected no attempt during delay tick %d", i)
		}
	}

	e.Connect()
	h.loop.RunPending()
	if h.attempts != 1 || e.State() != Connected {
		t.Fatalf("expected attempt after delay, got %d attempts state %s", h.attempts, e.State())
	}
}

func TestEndpointPermissionDeniedIsImmediate(t *testing.T) {
	h := newHarness()
	h.results = []error{PermissionDenied(errors.New("access denied"))}
	e := h.endpoint(Options{Retries: 5, Backoff: time.Second})

	e.Connect()
	h.loop.RunPending()

	if e.State() != PermanentlyFailed {
		t.Fatalf("expected permanent failure, got %s", e.State())
	}
	h.clock.Advance(time.Minute)
	if h.attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", h.attempts)
	}
}

func TestEndpointDemotesOnTransientUseFailure(t *testing.T) {
	h := newHarness()
	e := h.endpoint(Options{Retries: 2, Backoff: time.Second})
	e.Connect()
	h.loop.RunPending()

	// Burn a retry so the reset is observable.
	e.retriesLeft = 1

	err := e.Do(func(*conn) error { return fmt.Errorf("send: %w", errDown) })
	if err == nil {
		t.Fatal("expected Do to return the error")
	}
	if e.State() != Unconnected || e.RetriesLeft() != 2 {
		t.Fatalf("expected demotion with reset retries, got %s retries=%d", e.State(), e.RetriesLeft())
	}
	if _, ok := e.Handle(); ok {
		t.Fatal("expected handle to be dropped")
	}

	h.clock.Advance(time.Second)
	if e.State() != Connected || h.attempts != 2 {
		t.Fatalf("expected reconnect after backoff, got %s after %d attempts", e.State(), h.attempts)
	}
}

func TestEndpointOtherErrorsKeepConnection(t *testing.T) {
	h := newHarness()
	e := h.endpoint(Options{Retries: 2, Backoff: time.Second})
	e.Connect()
	h.loop.RunPending()

	_ = e.Do(func(*conn) error { return errors.New("no such session") })
	if e.State() != Connected {
		t.Fatalf("expected connection to survive application errors, got %s", e.State())
	}

	_ = e.Do(func(*conn) error { return PermissionDenied(errors.New("not authorized")) })
	if e.State() != PermanentlyFailed {
		t.Fatalf("expected permission denied to be terminal, got %s", e.State())
	}
}

func TestEndpointDoAsync(t *testing.T) {
	h := newHarness()
	e := h.endpoint(Options{Retries: 2, Backoff: time.Second})

	var got error
	e.DoAsync(func(*conn) error { return nil }, func(err error) { got = err })
	h.loop.RunPending()
	if !errors.Is(got, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", got)
	}

	e.Connect()
	h.loop.RunPending()

	got = errors.New("unset")
	e.DoAsync(func(*conn) error { return errDown }, func(err error) { got = err })
	h.loop.RunPending()
	if !errors.Is(got, ErrTransient) || e.State() != Unconnected {
		t.Fatalf("expected transient error and demotion, got %v state %s", got, e.State())
	}
}

func TestManagerTracksState(t *testing.T) {
	h := newHarness()
	changes := map[string]State{}
	m := NewManager(func(name string, s State) { changes[name] = s })

	e := h.endpoint(Options{Retries: 1})
	m.Register(e)
	if changes["test"] != Unconnected {
		t.Fatalf("expected initial state to be reported, got %v", changes)
	}

	e.Connect()
	h.loop.RunPending()
	if changes["test"] != Connected {
		t.Fatalf("expected connected to be reported, got %v", changes)
	}

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].State != "connected" || snap[0].RetriesLeft != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	m.Remove("test")
	if len(m.Snapshot()) != 0 {
		t.Fatal("expected endpoint to be removed")
	}
}
