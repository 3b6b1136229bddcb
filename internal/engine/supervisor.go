package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/goodtune/kquota/internal/ledger"
	"github.com/goodtune/kquota/internal/loop"
	"github.com/goodtune/kquota/internal/metrics"
	"github.com/goodtune/kquota/internal/notify"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/resilience"
	"github.com/goodtune/kquota/internal/session"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownUser is returned for users without a policy file.
	ErrUnknownUser = errors.New("user is not managed")
	// ErrNotRunning is returned when an operation needs a logged in user.
	ErrNotRunning = errors.New("user has no running engine")
	// ErrBusy is returned while the user's ledger is being loaded.
	ErrBusy = errors.New("user ledger is being loaded")
	// ErrLoggedIn is returned when an operation needs the user logged out.
	ErrLoggedIn = errors.New("user is logged in")
)

// PolicySource resolves managed users and their policies.
type PolicySource interface {
	Managed(user string) bool
	Load(user string) (*quota.Policy, bool)
}

// UserNotifier is a per-user notifier the supervisor owns.
type UserNotifier interface {
	Notifier
	Close()
}

// IdleProbe reports a user's screensaver state.
type IdleProbe interface {
	Poll(then func(active, ok bool))
	Close()
}

// SupervisorDeps are the collaborators shared by every engine.
type SupervisorDeps struct {
	Loop       *loop.Loop
	Policies   PolicySource
	Store      storage.LedgerStore
	Sessions   *resilience.Endpoint[session.Registry]
	Endpoints  *resilience.Manager
	Terminator Terminator
	Classifier session.Classifier

	// NewNotifier builds the notifier for a newly seen user.
	NewNotifier func(user string, uid uint32) UserNotifier
	// NewIdleProbe is optional; without it the screensaver is not consulted.
	NewIdleProbe func(user string, uid uint32) IdleProbe
	// Watchdog, if set, is called on every poll.
	Watchdog func()

	Logger zerolog.Logger
}

type managed struct {
	engine   *Engine
	notifier UserNotifier
	idle     IdleProbe
}

// Supervisor discovers managed users from the session listing and drives
// one engine per logged in user. It is owned by the loop.
type Supervisor struct {
	cfg  Config
	deps SupervisorDeps
	loop *loop.Loop

	users   map[string]*managed
	loading map[string]bool
	listing bool
	stopped bool
	failed  bool
	healthy atomic.Bool

	logger zerolog.Logger
}

// NewSupervisor creates a supervisor. Call Start to begin polling.
func NewSupervisor(cfg Config, deps SupervisorDeps) *Supervisor {
	if deps.NewNotifier == nil {
		deps.NewNotifier = func(string, uint32) UserNotifier { return nopNotifier{} }
	}
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		loop:    deps.Loop,
		users:   make(map[string]*managed),
		loading: make(map[string]bool),
		logger:  deps.Logger.With().Str("component", "supervisor").Logger(),
	}
	s.healthy.Store(true)
	return s
}

// Start connects the session endpoint and polls every PollInterval until
// ctx is done.
func (s *Supervisor) Start(ctx context.Context) {
	s.loop.Post(func() {
		s.deps.Sessions.Connect()
	})
	s.loop.Every(ctx, s.cfg.PollInterval, s.Poll)
	s.logger.Info().Dur("poll_interval", s.cfg.PollInterval).Msg("Supervisor started")
}

// Poll lists sessions and ticks every engine. A listing that is still in
// flight from the previous poll skips this one.
func (s *Supervisor) Poll() {
	if s.stopped {
		return
	}
	if s.deps.Watchdog != nil {
		s.deps.Watchdog()
	}

	ep := s.deps.Sessions
	s.healthy.Store(ep.State() != resilience.PermanentlyFailed)
	switch ep.State() {
	case resilience.PermanentlyFailed:
		// Fail open: nobody is charged or locked out without a session manager.
		s.logger.Error().Msg("Session manager unavailable, enforcement suspended")
		s.failed = true
		return
	case resilience.Unconnected:
		ep.Connect()
		return
	}

	if s.listing {
		s.logger.Debug().Msg("Previous session listing still running, skipping poll")
		return
	}
	s.listing = true

	var all []session.Session
	timeout := s.cfg.PollInterval
	ep.DoAsync(func(r session.Registry) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var err error
		all, err = r.ListSessions(ctx)
		return err
	}, func(err error) {
		s.listing = false
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to list sessions")
			return
		}
		s.dispatch(all)
	})
}

// dispatch ticks every engine against one listing.
func (s *Supervisor) dispatch(all []session.Session) {
	if s.stopped {
		return
	}
	start := s.loop.Now()
	if s.failed {
		s.logger.Info().Msg("Session manager available again, enforcement resumed")
		s.failed = false
	}

	for _, user := range session.Users(all) {
		if _, ok := s.users[user]; ok || s.loading[user] {
			continue
		}
		if !s.deps.Policies.Managed(user) {
			continue
		}
		sessions := session.ForUser(all, user)
		s.startUser(user, sessions[0].UID)
	}

	for _, user := range s.sortedUsers() {
		m := s.users[user]
		s.tickUser(m, all)

		if len(session.ForUser(all, user)) == 0 && !m.engine.Busy() {
			s.stopUser(user, m)
		}
	}

	metrics.ManagedUsers.Set(float64(len(s.users)))
	metrics.TickDuration.Observe(s.loop.Now().Sub(start).Seconds())
}

// tickUser isolates one engine so a failure cannot affect other users.
func (s *Supervisor) tickUser(m *managed, all []session.Session) {
	user := m.engine.User()
	defer func() {
		if r := recover(); r != nil {
			metrics.TickErrorsTotal.WithLabelValues(user).Inc()
			s.logger.Error().
				Str("user", user).
				Str("panic", fmt.Sprint(r)).
				Msg("Engine tick failed")
		}
	}()

	m.engine.Tick(all)

	if m.idle != nil {
		e := m.engine
		// An unknown screensaver state counts as inactive.
		m.idle.Poll(func(active, ok bool) {
			e.SetScreenSaver(active && ok)
		})
	}
}

type loaded struct {
	policy *quota.Policy
	ledger *ledger.Ledger
	ok     bool
	err    error
}

// startUser loads the user's policy and ledger off the loop and creates
// the engine once both are available.
func (s *Supervisor) startUser(user string, uid uint32) {
	s.loading[user] = true
	policies := s.deps.Policies
	store := s.deps.Store
	now := s.loop.Now()
	timeout := s.cfg.SaveTimeout

	loop.Go(s.loop, func() loaded {
		p, _ := policies.Load(user)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		l, ok, err := ledger.Load(ctx, store, user, now)
		return loaded{policy: p, ledger: l, ok: ok, err: err}
	}, func(r loaded) {
		delete(s.loading, user)
		if s.stopped {
			return
		}

		switch {
		case r.err != nil:
			metrics.LedgerLoadsTotal.WithLabelValues("degraded").Inc()
			s.logger.Error().Err(r.err).Str("user", user).Msg("Ledger unreadable, starting from zero")
		default:
			metrics.LedgerLoadsTotal.WithLabelValues("ok").Inc()
		}

		m := &managed{notifier: s.deps.NewNotifier(user, uid)}
		if s.deps.NewIdleProbe != nil {
			m.idle = s.deps.NewIdleProbe(user, uid)
		}
		m.engine = New(user, uid, s.cfg, r.policy, r.ledger, Deps{
			Loop:       s.loop,
			Classifier: s.deps.Classifier,
			Store:      s.deps.Store,
			Notifier:   m.notifier,
			Terminator: s.deps.Terminator,
			Logger:     s.deps.Logger,
		})
		s.users[user] = m

		s.logger.Info().
			Str("user", user).
			Uint32("uid", uid).
			Str("state", m.engine.State().String()).
			Msg("Managing user")
	})
}

func (s *Supervisor) stopUser(user string, m *managed) {
	m.engine.SaveAsync()
	s.closeUser(m)
	delete(s.users, user)
	s.logger.Info().Str("user", user).Msg("User logged out, engine stopped")
}

func (s *Supervisor) closeUser(m *managed) {
	m.engine.Close()
	m.notifier.Close()
	if m.idle != nil {
		m.idle.Close()
	}
}

func (s *Supervisor) sortedUsers() []string {
	users := make([]string, 0, len(s.users))
	for u := range s.users {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Users returns the users with a running engine.
func (s *Supervisor) Users() []string {
	return s.sortedUsers()
}

// ActiveUsers returns the users with a running engine. It must not be
// called from the loop.
func (s *Supervisor) ActiveUsers(ctx context.Context) ([]string, error) {
	return loop.Call(ctx, s.loop, s.sortedUsers)
}

// Engine returns the running engine for user.
func (s *Supervisor) Engine(user string) (*Engine, bool) {
	m, ok := s.users[user]
	if !ok {
		return nil, false
	}
	return m.engine, true
}

// PolicyChanged applies a reloaded policy to a running engine.
func (s *Supervisor) PolicyChanged(user string, p *quota.Policy) {
	m, ok := s.users[user]
	if !ok {
		return
	}
	m.engine.SetPolicy(p)
}

// ReloadPolicies re-reads the policy file of every running user. Files
// that cannot be read leave the current policy in place; removed files
// lift the user's limits.
func (s *Supervisor) ReloadPolicies() {
	for _, user := range s.sortedUsers() {
		if !s.deps.Policies.Managed(user) {
			s.logger.Warn().Str("user", user).Msg("Policy file removed, user is no longer limited")
			s.users[user].engine.SetPolicy(quota.Default(user))
			continue
		}
		p, ok := s.deps.Policies.Load(user)
		if !ok {
			s.logger.Warn().Str("user", user).Msg("Policy file unreadable on reload, keeping current policy")
			continue
		}
		s.users[user].engine.SetPolicy(p)
	}
}

// Status returns user's status. Users that are not logged in are read
// from storage. It must not be called from the loop.
func (s *Supervisor) Status(ctx context.Context, user string) (Status, error) {
	type result struct {
		status  Status
		running bool
		managed bool
	}
	r, err := loop.Call(ctx, s.loop, func() result {
		if m, ok := s.users[user]; ok {
			return result{status: m.engine.Status(), running: true, managed: true}
		}
		return result{managed: s.deps.Policies.Managed(user)}
	})
	if err != nil {
		return Status{}, err
	}
	if r.running {
		return r.status, nil
	}
	if !r.managed {
		return Status{}, ErrUnknownUser
	}

	now := s.loop.Now()
	p, _ := s.deps.Policies.Load(user)
	l, _, err := ledger.Load(ctx, s.deps.Store, user, now)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load ledger for %s: %w", user, err)
	}
	// Apply pending rollovers without charging.
	rem := l.Tick(now, p, ledger.Activity{}).Remaining
	return offlineStatus(user, p, l, rem), nil
}

func offlineStatus(user string, p *quota.Policy, l *ledger.Ledger, rem ledger.Remaining) Status {
	return Status{
		User:       user,
		State:      "offline",
		Remaining:  rem,
		SpentDay:   l.SpentDay,
		SpentWeek:  l.SpentWeek,
		SpentMonth: l.SpentMonth,
		BalanceDay: l.BalanceDay,
		Degraded:   l.Degraded,
		Policy:     p,
	}
}

// Adjust changes user's day balance. A running engine applies it directly;
// otherwise the stored ledger is updated while engine creation for the user
// is held off. It must not be called from the loop.
func (s *Supervisor) Adjust(ctx context.Context, user string, op ledger.Op, seconds int64) (Status, error) {
	type result struct {
		status  Status
		err     error
		offline bool
	}
	r, err := loop.Call(ctx, s.loop, func() result {
		if m, ok := s.users[user]; ok {
			st, err := m.engine.Adjust(op, seconds)
			return result{status: st, err: err}
		}
		if s.loading[user] {
			return result{err: ErrBusy}
		}
		if !s.deps.Policies.Managed(user) {
			return result{err: ErrUnknownUser}
		}
		s.loading[user] = true
		return result{offline: true}
	})
	if err != nil {
		return Status{}, err
	}
	if !r.offline {
		return r.status, r.err
	}
	defer func() {
		_, _ = loop.Call(context.Background(), s.loop, func() struct{} {
			delete(s.loading, user)
			return struct{}{}
		})
	}()

	now := s.loop.Now()
	p, _ := s.deps.Policies.Load(user)
	l, _, err := ledger.Load(ctx, s.deps.Store, user, now)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load ledger for %s: %w", user, err)
	}
	l.Tick(now, p, ledger.Activity{})
	if err := l.Adjust(op, seconds); err != nil {
		return Status{}, err
	}
	if err := l.Persist(ctx, s.deps.Store, user, now); err != nil {
		return Status{}, err
	}

	s.logger.Info().
		Str("user", user).
		Str("op", string(op)).
		Int64("seconds", seconds).
		Int64("balance", l.BalanceDay).
		Msg("Balance adjusted for offline user")
	return offlineStatus(user, p, l, l.Remaining(now, p)), nil
}

// SetPolicy replaces a running user's policy until the policy file next
// changes. It must not be called from the loop.
func (s *Supervisor) SetPolicy(ctx context.Context, user string, p *quota.Policy) (Status, error) {
	type result struct {
		status Status
		err    error
	}
	p.User = user
	for _, change := range p.Normalize() {
		s.logger.Warn().Str("user", user).Str("adjustment", change).Msg("Policy value adjusted")
	}
	r, err := loop.Call(ctx, s.loop, func() result {
		m, ok := s.users[user]
		if !ok {
			return result{err: ErrNotRunning}
		}
		return result{status: m.engine.SetPolicy(p)}
	})
	if err != nil {
		return Status{}, err
	}
	return r.status, r.err
}

// StoredUsers returns every user with a persisted ledger, whether or not
// they are logged in.
func (s *Supervisor) StoredUsers(ctx context.Context) ([]string, error) {
	users, err := s.deps.Store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored ledgers: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// ResetLedger deletes a logged out user's stored ledger so their next
// session starts from zero. It must not be called from the loop.
func (s *Supervisor) ResetLedger(ctx context.Context, user string) error {
	held, err := loop.Call(ctx, s.loop, func() error {
		if _, ok := s.users[user]; ok {
			return ErrLoggedIn
		}
		if s.loading[user] {
			return ErrBusy
		}
		s.loading[user] = true
		return nil
	})
	if err != nil {
		return err
	}
	if held != nil {
		return held
	}
	defer func() {
		_, _ = loop.Call(context.Background(), s.loop, func() struct{} {
			delete(s.loading, user)
			return struct{}{}
		})
	}()

	if err := s.deps.Store.DeleteLedger(ctx, user); err != nil {
		return err
	}
	s.logger.Info().Str("user", user).Msg("Stored ledger reset")
	return nil
}

// Endpoints returns the status of every registered endpoint. It must not be
// called from the loop.
func (s *Supervisor) Endpoints(ctx context.Context) ([]resilience.Status, error) {
	return loop.Call(ctx, s.loop, func() []resilience.Status {
		if s.deps.Endpoints == nil {
			return nil
		}
		return s.deps.Endpoints.Snapshot()
	})
}

// Healthy reports whether the session manager was usable at the last
// poll. It is safe to call from any goroutine.
func (s *Supervisor) Healthy() bool {
	return s.healthy.Load()
}

// Shutdown saves every ledger synchronously and stops all engines. It runs
// on the loop; callers outside it should use ShutdownAndWait.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.stopped = true
	for _, user := range s.sortedUsers() {
		m := s.users[user]
		if err := m.engine.Save(ctx); err != nil {
			s.logger.Error().Err(err).Str("user", user).Msg("Failed to save ledger on shutdown")
		}
		s.closeUser(m)
		delete(s.users, user)
	}
	metrics.ManagedUsers.Set(0)
	s.logger.Info().Msg("Supervisor stopped")
}

// ShutdownAndWait runs Shutdown on the loop and waits for it.
func (s *Supervisor) ShutdownAndWait(ctx context.Context) error {
	_, err := loop.Call(ctx, s.loop, func() struct{} {
		s.Shutdown(ctx)
		return struct{}{}
	})
	return err
}

type nopNotifier struct{}

func (nopNotifier) Notify(notify.Kind, notify.Severity, time.Duration) {}
func (nopNotifier) Close()                                             {}
