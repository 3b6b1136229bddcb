package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/loop"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/resilience"
	"github.com/goodtune/kquota/internal/session"
	"github.com/goodtune/kquota/internal/session/sessiontest"
	"github.com/rs/zerolog"
)

type fixture struct {
	clock      *clock.TestClock
	loop       *loop.Loop
	registry   *sessiontest.Registry
	terminator *session.Terminator
}

func newFixture(t *testing.T, sessions ...session.Session) *fixture {
	t.Helper()

	clk := clock.NewTestClock(time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC))
	l := loop.NewManual(clk)
	reg := sessiontest.New(clk.Now, sessions...)

	ep := resilience.NewEndpoint[session.Registry](l, "session", resilience.Options{Retries: 3, Backoff: time.Second},
		func(context.Context) (session.Registry, error) { return reg, nil }, zerolog.Nop())
	ep.Connect()
	l.RunPending()
	if ep.State() != resilience.Connected {
		t.Fatalf("expected session endpoint to connect, got %s", ep.State())
	}

	classifier := session.NewClassifier([]string{"x11", "wayland", "mir", "tty"}, []string{"tty"})
	term := session.NewTerminator(l, ep, classifier, session.TerminatorConfig{
		PollInterval:   3 * time.Second,
		LoginManagerVT: 7,
	}, zerolog.Nop())

	return &fixture{clock: clk, loop: l, registry: reg, terminator: term}
}

var (
	greeter = session.Session{ID: "c1", User: "gdm", UID: 120, Type: "wayland", Class: "greeter", State: "online", Seat: "seat0", VT: 1}
	desktop = session.Session{ID: "2", User: "alice", UID: 1000, Type: "x11", Class: "user", State: "active", Seat: "seat0", VT: 2, Active: true}
	nested  = session.Session{ID: "3", User: "alice", UID: 1000, Type: "wayland", Class: "user", State: "online"}
	console = session.Session{ID: "4", User: "alice", UID: 1000, Type: "tty", Class: "user", State: "online", Seat: "seat0", VT: 3}
)

func ids(calls []sessiontest.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Target)
	}
	return out
}

func TestTerminateTargetsOnlyControlledSessions(t *testing.T) {
	all := []session.Session{greeter, desktop, nested, console}
	f := newFixture(t, all...)

	var outcome *session.Outcome
	f.terminator.Start(session.Request{
		User:    "alice",
		UID:     1000,
		Lockout: quota.LockoutTerminate,
		All:     all,
	}, func(o session.Outcome) { outcome = &o })

	if !f.terminator.Pending("alice") {
		t.Fatal("expected sequence to be pending")
	}

	f.clock.Advance(100 * time.Millisecond)

	terminated := ids(f.registry.CallsTo("Terminate"))
	if len(terminated) != 2 || terminated[0] != "2" || terminated[1] != "3" {
		t.Fatalf("expected sessions 2 and 3 terminated, got %v", terminated)
	}
	if len(f.registry.CallsTo("KillUserProcesses")) != 0 {
		t.Fatal("expected sweep to wait for its phase")
	}

	f.clock.Advance(2 * time.Second)
	switches := f.registry.CallsTo("SwitchSeatTo")
	if len(switches) != 1 || switches[0].Target != "seat0" || switches[0].VT != 1 {
		t.Fatalf("expected switch of seat0 to greeter VT 1, got %+v", switches)
	}

	f.clock.Advance(4 * time.Second)
	sweeps := f.registry.CallsTo("KillUserProcesses")
	if len(sweeps) != 1 || sweeps[0].Target != "1000" {
		t.Fatalf("expected one sweep of uid 1000, got %+v", sweeps)
	}

	if outcome == nil {
		t.Fatal("expected completion to be reported")
	}
	if len(outcome.Targeted) != 2 || len(outcome.Preserved) != 1 || outcome.Preserved[0] != "4" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if !outcome.SeatSwitched || !outcome.Swept || outcome.Failures != 0 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if f.terminator.Pending("alice") {
		t.Fatal("expected sequence to be finished")
	}
}

func TestSweepSkippedWithoutTargets(t *testing.T) {
	all := []session.Session{console}
	f := newFixture(t, all...)

	done := false
	f.terminator.Start(session.Request{User: "alice", UID: 1000, Lockout: quota.LockoutKill, All: all},
		func(session.Outcome) { done = true })

	f.clock.Advance(10 * time.Second)

	if !done {
		t.Fatal("expected completion after phase 1")
	}
	if n := len(f.registry.Calls()); n != 0 {
		t.Fatalf("expected no actions, got %v", f.registry.Calls())
	}
	if f.clock.Pending() != 0 {
		t.Fatalf("expected no further phases scheduled, got %d timers", f.clock.Pending())
	}
}

func TestKillUsesKillSession(t *testing.T) {
	all := []session.Session{desktop}
	f := newFixture(t, all...)

	f.terminator.Start(session.Request{User: "alice", UID: 1000, Lockout: quota.LockoutKill, All: all}, nil)
	f.clock.Advance(100 * time.Millisecond)

	if killed := ids(f.registry.CallsTo("Kill")); len(killed) != 1 || killed[0] != "2" {
		t.Fatalf("expected session 2 killed, got %v", killed)
	}
	if len(f.registry.CallsTo("Terminate")) != 0 {
		t.Fatal("expected no polite termination for kill lockout")
	}
}

func TestSeatSwitchRetriesOnce(t *testing.T) {
	// Without a greeter the configured login manager VT is used.
	all := []session.Session{desktop}

	tests := []struct {
		name         string
		notReady     int
		wantAttempts int
		wantSwitched bool
	}{
		{"ready", 0, 1, true},
		{"retry succeeds", 1, 2, true},
		{"gives up", 5, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, all...)
			f.registry.SeatNotReady = tt.notReady

			var outcome session.Outcome
			f.terminator.Start(session.Request{User: "alice", UID: 1000, Lockout: quota.LockoutTerminate, All: all},
				func(o session.Outcome) { outcome = o })
			f.clock.Advance(10 * time.Second)

			switches := f.registry.CallsTo("SwitchSeatTo")
			if len(switches) != tt.wantAttempts {
				t.Fatalf("expected %d switch attempts, got %d", tt.wantAttempts, len(switches))
			}
			if switches[0].VT != 7 {
				t.Fatalf("expected fallback VT 7, got %d", switches[0].VT)
			}
			if outcome.SeatSwitched != tt.wantSwitched {
				t.Fatalf("expected switched=%v, got %+v", tt.wantSwitched, outcome)
			}
		})
	}
}

func TestNoSeatSwitchForInactiveSession(t *testing.T) {
	all := []session.Session{greeter, nested}
	f := newFixture(t, all...)

	f.terminator.Start(session.Request{User: "alice", UID: 1000, Lockout: quota.LockoutTerminate, All: all}, nil)
	f.clock.Advance(10 * time.Second)

	if n := len(f.registry.CallsTo("SwitchSeatTo")); n != 0 {
		t.Fatalf("expected no seat switch, got %d", n)
	}
	if n := len(f.registry.CallsTo("KillUserProcesses")); n != 1 {
		t.Fatalf("expected sweep after targeting a session, got %d", n)
	}
}

func TestMachineLockouts(t *testing.T) {
	wake := time.Date(2024, 1, 3, 7, 0, 0, 0, time.UTC)

	tests := []struct {
		lockout quota.LockoutType
		wake    time.Time
		method  string
	}{
		{quota.LockoutSuspend, time.Time{}, "Suspend"},
		{quota.LockoutSuspendWake, wake, "SuspendUntil"},
		{quota.LockoutSuspendWake, time.Time{}, "Suspend"},
		{quota.LockoutShutdown, time.Time{}, "Shutdown"},
		{quota.LockoutLock, time.Time{}, "Lock"},
	}

	for _, tt := range tests {
		t.Run(string(tt.lockout)+"/"+tt.method, func(t *testing.T) {
			all := []session.Session{desktop, console}
			f := newFixture(t, all...)

			done := false
			f.terminator.Start(session.Request{User: "alice", UID: 1000, Lockout: tt.lockout, Wake: tt.wake, All: all},
				func(session.Outcome) { done = true })
			f.clock.Advance(time.Second)

			calls := f.registry.Calls()
			if len(calls) != 1 || calls[0].Method != tt.method {
				t.Fatalf("expected a single %s call, got %+v", tt.method, calls)
			}
			if tt.method == "SuspendUntil" && calls[0].Target != wake.Format(time.RFC3339) {
				t.Fatalf("expected wake at %s, got %s", wake, calls[0].Target)
			}
			if !done {
				t.Fatal("expected completion")
			}
		})
	}
}

func TestDelaysAreOrdered(t *testing.T) {
	f := newFixture(t)
	p1, p2, p3 := f.terminator.Delays()
	if p1 != 100*time.Millisecond || p2 != 2*time.Second || p3 != 6*time.Second {
		t.Fatalf("unexpected delays %s %s %s", p1, p2, p3)
	}

	short := session.NewTerminator(f.loop, nil, session.Classifier{}, session.TerminatorConfig{PollInterval: 500 * time.Millisecond}, zerolog.Nop())
	p1, p2, p3 = short.Delays()
	if !(p1 < p2 && p2 < p3) {
		t.Fatalf("expected strictly ordered delays, got %s %s %s", p1, p2, p3)
	}
}
