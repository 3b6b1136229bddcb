package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/ledger"
	"github.com/goodtune/kquota/internal/loop"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/resilience"
	"github.com/goodtune/kquota/internal/session"
	"github.com/goodtune/kquota/internal/session/sessiontest"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/rs/zerolog"
)

type staticPolicies map[string]*quota.Policy

func (s staticPolicies) Managed(user string) bool {
	_, ok := s[user]
	return ok
}

func (s staticPolicies) Load(user string) (*quota.Policy, bool) {
	p, ok := s[user]
	if !ok {
		return quota.Default(user), false
	}
	return p.Clone(), true
}

type fakeScreenSaver struct {
	active, ok bool
	closed     bool
}

func (f *fakeScreenSaver) Poll(then func(active, ok bool)) {
	then(f.active, f.ok)
}

func (f *fakeScreenSaver) Close() {
	f.closed = true
}

type supervisorHarness struct {
	clock    *clock.TestClock
	loop     *loop.Loop
	registry *sessiontest.Registry
	store    *memStore
	sup      *Supervisor
	notes    map[string]*recordingNotifier
	watchdog int
}

func newSupervisorHarness(t *testing.T, connect func(context.Context) (session.Registry, error), sessions ...session.Session) *supervisorHarness {
	t.Helper()

	clk := clock.NewTestClock(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))
	l := loop.NewManual(clk)
	h := &supervisorHarness{
		clock:    clk,
		loop:     l,
		registry: sessiontest.New(clk.Now, sessions...),
		store:    newMemStore(),
		notes:    make(map[string]*recordingNotifier),
	}
	if connect == nil {
		connect = func(context.Context) (session.Registry, error) { return h.registry, nil }
	}

	limited := quota.Default("alice")
	limited.LimitPerWeekday[2] = 3600

	manager := resilience.NewManager(nil)
	ep := resilience.NewEndpoint[session.Registry](l, "session", resilience.Options{Retries: 2, Backoff: time.Second}, connect, zerolog.Nop())
	manager.Register(ep)

	classifier := session.NewClassifier([]string{"x11", "wayland"}, nil)
	h.sup = NewSupervisor(testConfig, SupervisorDeps{
		Loop:       l,
		Policies:   staticPolicies{"alice": limited, "bob": quota.Default("bob")},
		Store:      h.store,
		Sessions:   ep,
		Endpoints:  manager,
		Terminator: &fakeTerminator{},
		Classifier: classifier,
		NewNotifier: func(user string, _ uint32) UserNotifier {
			n := &recordingNotifier{}
			h.notes[user] = n
			return n
		},
		Watchdog: func() { h.watchdog++ },
		Logger:   zerolog.Nop(),
	})

	ep.Connect()
	l.RunPending()
	return h
}

func (h *supervisorHarness) poll(d time.Duration) {
	h.clock.Advance(d)
	h.sup.Poll()
	h.loop.RunPending()
}

var (
	bobDesktop = session.Session{ID: "7", User: "bob", UID: 1001, Type: "wayland", Class: "user", State: "active", Seat: "seat0", VT: 4, Active: true}
	carol      = session.Session{ID: "8", User: "carol", UID: 1002, Type: "x11", Class: "user", State: "online"}
)

func TestSupervisorManagesOnlyUsersWithPolicies(t *testing.T) {
	h := newSupervisorHarness(t, nil, desktop, bobDesktop, carol)

	h.poll(3 * time.Second)
	users := h.sup.Users()
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", users)
	}
	if h.watchdog != 1 {
		t.Errorf("expected watchdog once per poll, got %d", h.watchdog)
	}

	h.poll(3 * time.Second)
	e, ok := h.sup.Engine("alice")
	if !ok {
		t.Fatal("expected alice engine")
	}
	if got := e.Remaining().Seconds; got != 3597 {
		t.Fatalf("expected 3597 seconds left after one charged poll, got %d", got)
	}
}

func TestSupervisorStopsEngineOnLogout(t *testing.T) {
	h := newSupervisorHarness(t, nil, desktop)

	h.poll(3 * time.Second)
	h.poll(3 * time.Second)
	if _, ok := h.sup.Engine("alice"); !ok {
		t.Fatal("expected alice engine")
	}

	h.registry.SetSessions()
	h.poll(3 * time.Second)
	if _, ok := h.sup.Engine("alice"); ok {
		t.Fatal("expected engine stopped after logout")
	}
	rec, ok := h.store.get("alice")
	if !ok {
		t.Fatal("expected ledger saved on logout")
	}
	if rec.SpentDay != 3 {
		t.Errorf("expected 3 seconds spent, got %d", rec.SpentDay)
	}
}

func TestSupervisorResumesStoredLedger(t *testing.T) {
	h := newSupervisorHarness(t, nil, desktop)
	h.store.records["alice"] = storage.LedgerRecord{
		User:        "alice",
		SpentDay:    1000,
		BalanceDay:  1000,
		LastChecked: h.clock.Now().Add(-time.Hour),
	}

	h.poll(3 * time.Second)
	h.poll(3 * time.Second)
	e, ok := h.sup.Engine("alice")
	if !ok {
		t.Fatal("expected alice engine")
	}
	// Only two poll intervals of the hour away are charged.
	if got := e.Remaining().Seconds; got != 3600-1000-6 {
		t.Fatalf("expected %d seconds left, got %d", 3600-1000-6, got)
	}
}

func TestSupervisorFailsOpen(t *testing.T) {
	denied := func(context.Context) (session.Registry, error) {
		return nil, resilience.PermissionDenied(errors.New("access denied"))
	}
	h := newSupervisorHarness(t, denied, desktop)

	for i := 0; i < 5; i++ {
		h.poll(3 * time.Second)
	}
	if len(h.sup.Users()) != 0 {
		t.Fatal("expected no enforcement without a session manager")
	}
	if h.sup.Healthy() {
		t.Fatal("expected supervisor unhealthy")
	}
	if h.watchdog != 5 {
		t.Errorf("expected watchdog to keep running, got %d", h.watchdog)
	}
}

func TestSupervisorIsolatesEngineFailures(t *testing.T) {
	h := newSupervisorHarness(t, nil, desktop, bobDesktop)

	h.poll(3 * time.Second)
	bob, ok := h.sup.Engine("bob")
	if !ok {
		t.Fatal("expected bob engine")
	}
	bob.policy = nil

	h.poll(3 * time.Second)
	alice, _ := h.sup.Engine("alice")
	if got := alice.Remaining().Seconds; got != 3597 {
		t.Fatalf("expected alice charged despite bob failing, got %d", got)
	}
}

func TestSupervisorAdminOperations(t *testing.T) {
	h := newSupervisorHarness(t, nil, desktop)
	ctx := context.Background()

	h.poll(3 * time.Second)

	st, err := h.sup.Adjust(ctx, "alice", ledger.OpSubtract, 600)
	if err != nil {
		t.Fatalf("Adjust running: %v", err)
	}
	if st.State != Unrestricted.String() || st.Remaining.Seconds != 4200 {
		t.Fatalf("unexpected running status %+v", st)
	}

	if _, err := h.sup.Status(ctx, "carol"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if _, err := h.sup.SetPolicy(ctx, "bob", quota.Default("bob")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	st, err = h.sup.Adjust(ctx, "bob", ledger.OpAdd, 120)
	if err != nil {
		t.Fatalf("Adjust offline: %v", err)
	}
	if st.State != "offline" || st.BalanceDay != 120 {
		t.Fatalf("unexpected offline status %+v", st)
	}
	if rec, ok := h.store.get("bob"); !ok || rec.BalanceDay != 120 {
		t.Fatalf("expected offline adjustment persisted, got %+v", rec)
	}

	st, err = h.sup.Status(ctx, "bob")
	if err != nil {
		t.Fatalf("Status offline: %v", err)
	}
	if st.BalanceDay != 120 || !st.Remaining.Unlimited {
		t.Fatalf("unexpected offline status %+v", st)
	}

	p := quota.Default("ignored")
	p.LimitPerWeekday[2] = 7200
	st, err = h.sup.SetPolicy(ctx, "alice", p)
	if err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if st.Policy.User != "alice" {
		t.Errorf("expected policy bound to alice, got %s", st.Policy.User)
	}

	eps, err := h.sup.Endpoints(ctx)
	if err != nil {
		t.Fatalf("Endpoints: %v", err)
	}
	if len(eps) != 1 || eps[0].Name != "session" || eps[0].State != resilience.Connected.String() {
		t.Fatalf("unexpected endpoints %+v", eps)
	}
}

func TestSupervisorStoredLedgers(t *testing.T) {
	h := newSupervisorHarness(t, nil, desktop)
	ctx := context.Background()
	h.store.records["dave"] = storage.LedgerRecord{User: "dave", SpentDay: 60, LastChecked: h.clock.Now()}
	h.store.records["bob"] = storage.LedgerRecord{User: "bob", SpentDay: 90, BalanceDay: 90, LastChecked: h.clock.Now()}

	h.poll(3 * time.Second)
	h.poll(3 * time.Second)

	users, err := h.sup.StoredUsers(ctx)
	if err != nil {
		t.Fatalf("StoredUsers: %v", err)
	}
	if len(users) != 2 || users[0] != "bob" || users[1] != "dave" {
		t.Fatalf("expected [bob dave], got %v", users)
	}

	if err := h.sup.ResetLedger(ctx, "alice"); !errors.Is(err, ErrLoggedIn) {
		t.Fatalf("expected ErrLoggedIn for a running user, got %v", err)
	}

	if err := h.sup.ResetLedger(ctx, "bob"); err != nil {
		t.Fatalf("ResetLedger: %v", err)
	}
	if _, ok := h.store.get("bob"); ok {
		t.Fatal("expected bob's ledger deleted")
	}
	if err := h.sup.ResetLedger(ctx, "bob"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on a second reset, got %v", err)
	}

	st, err := h.sup.Status(ctx, "bob")
	if err != nil {
		t.Fatalf("Status after reset: %v", err)
	}
	if st.SpentDay != 0 || st.BalanceDay != 0 {
		t.Fatalf("expected a fresh ledger after reset, got %+v", st)
	}
	if _, err := h.sup.Adjust(ctx, "bob", ledger.OpAdd, 30); err != nil {
		t.Fatalf("expected bob released after reset, got %v", err)
	}
}

func TestSupervisorShutdownSavesLedgers(t *testing.T) {
	h := newSupervisorHarness(t, nil, desktop)

	h.poll(3 * time.Second)
	h.poll(3 * time.Second)
	if err := h.sup.ShutdownAndWait(context.Background()); err != nil {
		t.Fatalf("ShutdownAndWait: %v", err)
	}
	if _, ok := h.store.get("alice"); !ok {
		t.Fatal("expected ledger saved on shutdown")
	}
	if len(h.sup.Users()) != 0 {
		t.Fatal("expected every engine stopped")
	}

	h.poll(3 * time.Second)
	if len(h.sup.Users()) != 0 {
		t.Fatal("expected no engines after shutdown")
	}
}

func TestSupervisorReloadPolicies(t *testing.T) {
	h := newSupervisorHarness(t, nil, desktop)
	h.poll(3 * time.Second)

	raised := quota.Default("alice")
	raised.LimitPerWeekday[2] = 7200
	h.sup.deps.Policies.(staticPolicies)["alice"] = raised
	h.sup.ReloadPolicies()

	e, _ := h.sup.Engine("alice")
	if got := e.Remaining().Seconds; got != 7200 {
		t.Fatalf("expected reloaded limit, got %d", got)
	}

	delete(h.sup.deps.Policies.(staticPolicies), "alice")
	h.sup.ReloadPolicies()
	if !e.Remaining().Unlimited {
		t.Fatalf("expected no limit once the policy file is gone, got %+v", e.Remaining())
	}
}

func TestSupervisorUnknownScreenSaverStateCharges(t *testing.T) {
	h := newSupervisorHarness(t, nil, desktop)
	screen := &fakeScreenSaver{active: true, ok: true}
	h.sup.deps.NewIdleProbe = func(string, uint32) IdleProbe { return screen }

	h.poll(3 * time.Second)
	h.poll(3 * time.Second)
	h.poll(3 * time.Second)
	e, ok := h.sup.Engine("alice")
	if !ok {
		t.Fatal("expected alice engine")
	}
	if got := e.Remaining().Seconds; got != 3597 {
		t.Fatalf("expected no charge behind the screensaver, got %d left", got)
	}

	// The screensaver service went away.
	screen.active, screen.ok = false, false
	h.poll(3 * time.Second)
	h.poll(3 * time.Second)
	if got := e.Remaining().Seconds; got != 3594 {
		t.Fatalf("expected charging to resume, got %d left", got)
	}

	h.registry.SetSessions()
	h.poll(3 * time.Second)
	if !screen.closed {
		t.Error("expected screensaver watch closed on logout")
	}
}
