package engine

import (
	"context"
	"time"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/ledger"
	"github.com/goodtune/kquota/internal/loop"
	"github.com/goodtune/kquota/internal/metrics"
	"github.com/goodtune/kquota/internal/notify"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/session"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/rs/zerolog"
)

// Config holds the timing shared by every engine.
type Config struct {
	PollInterval time.Duration
	SaveInterval time.Duration
	// Thresholds are the warning levels, largest first.
	Thresholds        []time.Duration
	FinalWarning      time.Duration
	CountdownInterval time.Duration
	SaveTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = 30 * time.Second
	}
	if c.Thresholds == nil {
		c.Thresholds = []time.Duration{30 * time.Minute, 10 * time.Minute, 5 * time.Minute}
	}
	if c.FinalWarning <= 0 {
		c.FinalWarning = time.Minute
	}
	if c.CountdownInterval <= 0 {
		c.CountdownInterval = time.Second
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 5 * time.Second
	}
	return c
}

// Notifier delivers user-facing messages.
type Notifier interface {
	Notify(kind notify.Kind, severity notify.Severity, timeLeft time.Duration)
}

// Terminator runs lockout sequences.
type Terminator interface {
	Start(req session.Request, done func(session.Outcome))
	Pending(user string) bool
}

// Status is a snapshot of an engine for the admin surface.
type Status struct {
	User       string           `json:"user"`
	State      string           `json:"state"`
	Remaining  ledger.Remaining `json:"remaining"`
	SpentDay   int64            `json:"spent_day"`
	SpentWeek  int64            `json:"spent_week"`
	SpentMonth int64            `json:"spent_month"`
	BalanceDay int64            `json:"balance_day"`
	Sessions   []string         `json:"sessions"`
	Degraded   bool             `json:"degraded"`
	Policy     *quota.Policy    `json:"policy"`
}

// Engine enforces one user's budget. It is owned by the loop: every method
// must be called from a loop callback.
type Engine struct {
	user       string
	uid        uint32
	loop       *loop.Loop
	cfg        Config
	classifier session.Classifier
	store      storage.LedgerStore
	notifier   Notifier
	terminator Terminator
	logger     zerolog.Logger

	policy    *quota.Policy
	ledger    *ledger.Ledger
	state     State
	remaining ledger.Remaining

	fired        map[time.Duration]bool
	countdown    clock.Timer
	countdownGen uint64
	deadline     time.Time

	all        []session.Session
	sessions   []session.Session
	controlled []string
	targeted   map[string]bool
	termStart  time.Time

	screenSaver bool
	lastSave    time.Time
	announced   bool
}

// Deps are the collaborators of an engine.
type Deps struct {
	Loop       *loop.Loop
	Classifier session.Classifier
	Store      storage.LedgerStore
	Notifier   Notifier
	Terminator Terminator
	Logger     zerolog.Logger
}

// New creates an engine for user with an already loaded ledger.
func New(user string, uid uint32, cfg Config, p *quota.Policy, l *ledger.Ledger, deps Deps) *Engine {
	e := &Engine{
		user:       user,
		uid:        uid,
		loop:       deps.Loop,
		cfg:        cfg.withDefaults(),
		classifier: deps.Classifier,
		store:      deps.Store,
		notifier:   deps.Notifier,
		terminator: deps.Terminator,
		logger:     deps.Logger.With().Str("component", "engine").Str("user", user).Logger(),
		policy:     p,
		ledger:     l,
		state:      Unrestricted,
		fired:      make(map[time.Duration]bool),
		targeted:   make(map[string]bool),
		lastSave:   deps.Loop.Now(),
	}
	e.remaining = l.Remaining(e.loop.Now(), p)
	e.publishState()
	return e
}

// User returns the user the engine enforces.
func (e *Engine) User() string {
	return e.user
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Remaining returns the remaining budget as of the last evaluation.
func (e *Engine) Remaining() ledger.Remaining {
	return e.remaining
}

// Busy reports whether a lockout sequence for the user is still running.
func (e *Engine) Busy() bool {
	return e.state == Terminating || (e.terminator != nil && e.terminator.Pending(e.user))
}

// SetScreenSaver records whether the user's screensaver is active.
func (e *Engine) SetScreenSaver(active bool) {
	e.screenSaver = active
}

// Tick charges elapsed time and re-evaluates the user's state. all is the
// full session listing of this poll.
func (e *Engine) Tick(all []session.Session) {
	now := e.loop.Now()

	e.all = all
	e.sessions = session.ForUser(all, e.user)
	e.controlled = e.classifier.ControlledIDs(e.sessions)
	if len(e.sessions) > 0 && e.uid == 0 {
		e.uid = e.sessions[0].UID
	}

	active, idle := e.classifier.Activity(e.sessions)
	if active && e.screenSaver {
		idle = true
	}

	res := e.ledger.Tick(now, e.policy, ledger.Activity{
		Active:     active,
		Idle:       idle,
		MaxElapsed: 2 * e.cfg.PollInterval,
	})

	if res.Rollover.Any() {
		e.logger.Info().
			Bool("day", res.Rollover.Day).
			Bool("week", res.Rollover.Week).
			Bool("month", res.Rollover.Month).
			Msg("Period rolled over")
	}
	if res.Accounted > 0 {
		metrics.AccountedSecondsTotal.WithLabelValues(e.user).Add(float64(res.Accounted))
	}

	if e.ledger.Degraded && !e.announced {
		e.announced = true
		e.notifier.Notify(notify.KindLedgerDegraded, notify.SeverityWarning, 0)
	}

	e.evaluate(now, res.Remaining, active && !idle)

	if now.Sub(e.lastSave) >= e.cfg.SaveInterval {
		e.SaveAsync()
	}
}

// evaluate drives the state machine from a fresh remaining figure. charging
// tells the countdown whether time is currently being consumed.
func (e *Engine) evaluate(now time.Time, rem ledger.Remaining, charging bool) {
	e.remaining = rem
	defer e.publishState()

	if rem.Unlimited {
		e.fired = make(map[time.Duration]bool)
		e.stopCountdown()
		if e.state != Terminating {
			e.setState(Unrestricted)
		}
		return
	}

	secs := rem.Seconds
	e.rearm(secs)

	switch e.state {
	case Terminating:
		return
	case Cooldown:
		if secs <= 0 {
			if fresh := e.untargeted(); len(fresh) > 0 {
				e.logger.Warn().Strs("sessions", fresh).Msg("New session while out of time")
				e.startLockout(now, rem)
			} else if charging && e.policy.LockoutType.Reversible() {
				e.logger.Warn().
					Str("lockout", string(e.policy.LockoutType)).
					Msg("Session in use again while out of time")
				e.startLockout(now, rem)
			}
			return
		}
		e.logger.Info().Int64("remaining", secs).Msg("Time available again, enforcement re-armed")
		e.targeted = make(map[string]bool)
		e.setState(Unrestricted)
	}

	if secs <= 0 {
		e.stopCountdown()
		e.crossed(secs)
		if len(e.controlled) > 0 {
			e.startLockout(now, rem)
			return
		}
		// Nothing to end; any controlled session that appears later starts
		// a lockout from cooldown.
		e.targeted = make(map[string]bool)
		e.setState(Cooldown)
		return
	}

	if time.Duration(secs)*time.Second <= e.cfg.FinalWarning {
		e.deadline = now.Add(time.Duration(secs) * time.Second)
		if e.state != FinalCountdown {
			e.crossed(secs)
			e.setState(FinalCountdown)
			e.notifier.Notify(notify.KindCountdown, notify.SeverityCritical, rem.Duration())
			e.startCountdown()
		} else if !charging {
			e.stopCountdown()
		} else if e.countdown == nil {
			e.startCountdown()
		}
		return
	}

	e.stopCountdown()

	crossed, ok := e.crossed(secs)
	if ok {
		e.setState(Warning)
		e.logger.Info().
			Dur("threshold", crossed).
			Int64("remaining", secs).
			Str("reason", string(rem.Reason)).
			Msg("Warning threshold crossed")
		e.notifier.Notify(notify.KindWarning, notify.SeverityWarning, rem.Duration())
		return
	}

	if len(e.cfg.Thresholds) == 0 || time.Duration(secs)*time.Second > e.cfg.Thresholds[0] {
		e.setState(Unrestricted)
	} else if e.state == FinalCountdown || e.state == Unrestricted {
		e.setState(Warning)
	}
}

// rearm clears every threshold the remaining time has risen above.
func (e *Engine) rearm(secs int64) {
	for _, th := range e.cfg.Thresholds {
		if time.Duration(secs)*time.Second > th {
			delete(e.fired, th)
		}
	}
}

// crossed marks every unfired threshold at or above the remaining time as
// fired and returns the lowest of them.
func (e *Engine) crossed(secs int64) (time.Duration, bool) {
	var lowest time.Duration
	found := false
	for _, th := range e.cfg.Thresholds {
		if time.Duration(secs)*time.Second > th || e.fired[th] {
			continue
		}
		e.fired[th] = true
		if !found || th < lowest {
			lowest = th
			found = true
		}
	}
	return lowest, found
}

func (e *Engine) untargeted() []string {
	var fresh []string
	for _, id := range e.controlled {
		if !e.targeted[id] {
			fresh = append(fresh, id)
		}
	}
	return fresh
}

func (e *Engine) startCountdown() {
	e.stopCountdown()
	e.scheduleCountdown()
}

// scheduleCountdown arms the next countdown message. A timer that already
// fired cannot be stopped, so each callback checks it still belongs to the
// current chain.
func (e *Engine) scheduleCountdown() {
	gen := e.countdownGen
	e.countdown = e.loop.After(e.cfg.CountdownInterval, func() {
		if gen != e.countdownGen {
			return
		}
		e.countdownTick()
	})
}

func (e *Engine) countdownTick() {
	e.countdown = nil
	if e.state != FinalCountdown {
		return
	}
	left := e.deadline.Sub(e.loop.Now())
	if left < 0 {
		left = 0
	}
	e.notifier.Notify(notify.KindCountdown, notify.SeverityCritical, left.Truncate(time.Second))
	if left > 0 {
		e.scheduleCountdown()
	}
}

func (e *Engine) stopCountdown() {
	e.countdownGen++
	if e.countdown != nil {
		e.countdown.Stop()
		e.countdown = nil
	}
}

func (e *Engine) startLockout(now time.Time, rem ledger.Remaining) {
	e.stopCountdown()
	e.setState(Terminating)
	e.termStart = now
	e.targeted = make(map[string]bool, len(e.controlled))
	for _, id := range e.controlled {
		e.targeted[id] = true
	}

	lockout := e.policy.LockoutType
	var wake time.Time
	if lockout == quota.LockoutSuspendWake {
		if w, ok := e.policy.NextWake(now); ok {
			wake = w
		}
	}

	e.logger.Warn().
		Str("lockout", string(lockout)).
		Str("reason", string(rem.Reason)).
		Strs("sessions", e.controlled).
		Msg("Time exhausted, starting lockout")
	metrics.EnforcementsTotal.WithLabelValues(e.user, string(lockout), string(rem.Reason)).Inc()

	e.notifier.Notify(notify.KindLockout, notify.SeverityCritical, 0)
	e.terminator.Start(session.Request{
		User:    e.user,
		UID:     e.uid,
		Lockout: lockout,
		Wake:    wake,
		All:     e.all,
	}, e.lockoutDone)
}

func (e *Engine) lockoutDone(o session.Outcome) {
	metrics.TerminationDuration.WithLabelValues(string(o.Lockout)).Observe(e.loop.Now().Sub(e.termStart).Seconds())
	if e.state != Terminating {
		return
	}
	e.setState(Cooldown)
	e.publishState()
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.logger.Debug().Str("from", e.state.String()).Str("to", s.String()).Msg("State change")
	e.state = s
}

func (e *Engine) publishState() {
	remaining := float64(e.remaining.Seconds)
	if e.remaining.Unlimited {
		remaining = -1
	}
	metrics.RemainingSeconds.WithLabelValues(e.user).Set(remaining)
	metrics.SpentSeconds.WithLabelValues(e.user, "day").Set(float64(e.ledger.SpentDay))
	metrics.SpentSeconds.WithLabelValues(e.user, "week").Set(float64(e.ledger.SpentWeek))
	metrics.SpentSeconds.WithLabelValues(e.user, "month").Set(float64(e.ledger.SpentMonth))
	for _, s := range States() {
		v := 0.0
		if s == e.state {
			v = 1
		}
		metrics.EngineState.WithLabelValues(e.user, s.String()).Set(v)
	}
}

// Status returns a snapshot for the admin surface.
func (e *Engine) Status() Status {
	return Status{
		User:       e.user,
		State:      e.state.String(),
		Remaining:  e.remaining,
		SpentDay:   e.ledger.SpentDay,
		SpentWeek:  e.ledger.SpentWeek,
		SpentMonth: e.ledger.SpentMonth,
		BalanceDay: e.ledger.BalanceDay,
		Sessions:   e.controlled,
		Degraded:   e.ledger.Degraded,
		Policy:     e.policy.Clone(),
	}
}

// Adjust applies a manual balance change, announces it on the accounting
// channel and re-evaluates immediately.
func (e *Engine) Adjust(op ledger.Op, seconds int64) (Status, error) {
	if err := e.ledger.Adjust(op, seconds); err != nil {
		return Status{}, err
	}

	now := e.loop.Now()
	rem := e.ledger.Remaining(now, e.policy)
	e.logger.Info().
		Str("op", string(op)).
		Int64("seconds", seconds).
		Int64("balance", e.ledger.BalanceDay).
		Msg("Balance adjusted")

	e.announce(notify.KindAdjusted, rem)
	e.evaluate(now, rem, e.charging())
	e.SaveAsync()
	return e.Status(), nil
}

// SetPolicy replaces the user's policy between ticks and re-evaluates.
func (e *Engine) SetPolicy(p *quota.Policy) Status {
	e.policy = p
	now := e.loop.Now()
	rem := e.ledger.Remaining(now, p)
	e.logger.Info().Msg("Policy replaced")

	e.announce(notify.KindPolicyChanged, rem)
	e.evaluate(now, rem, e.charging())
	return e.Status()
}

func (e *Engine) announce(kind notify.Kind, rem ledger.Remaining) {
	if rem.Unlimited {
		e.notifier.Notify(notify.KindUnlimited, notify.SeverityInfo, 0)
		return
	}
	e.notifier.Notify(kind, notify.SeverityInfo, rem.Duration())
}

func (e *Engine) charging() bool {
	active, idle := e.classifier.Activity(e.sessions)
	return active && !idle && !e.screenSaver
}

// SaveAsync persists the ledger off the loop.
func (e *Engine) SaveAsync() {
	now := e.loop.Now()
	e.lastSave = now
	rec := e.ledger.ToRecord(e.user, now)
	store := e.store
	timeout := e.cfg.SaveTimeout

	loop.Go(e.loop, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return store.PutLedger(ctx, rec)
	}, e.saved)
}

// Save persists the ledger synchronously. Used on shutdown, when the loop
// is about to stop.
func (e *Engine) Save(ctx context.Context) error {
	now := e.loop.Now()
	e.lastSave = now
	err := e.ledger.Persist(ctx, e.store, e.user, now)
	e.saved(err)
	return err
}

func (e *Engine) saved(err error) {
	if err != nil {
		metrics.LedgerSavesTotal.WithLabelValues("error").Inc()
		e.logger.Error().Err(err).Msg("Failed to save ledger")
		return
	}
	metrics.LedgerSavesTotal.WithLabelValues("ok").Inc()
}

// Close stops timers and forgets the user's metrics.
func (e *Engine) Close() {
	e.stopCountdown()
	metrics.ForgetUser(e.user)
}
