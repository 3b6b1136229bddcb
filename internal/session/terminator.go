package session

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/kquota/internal/loop"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/resilience"
	"github.com/rs/zerolog"
)

// TerminatorConfig holds the timing of the termination sequence.
type TerminatorConfig struct {
	PollInterval   time.Duration
	Phase1Delay    time.Duration
	SeatRetryDelay time.Duration
	ActionTimeout  time.Duration
	// LoginManagerVT is used when no greeter session is found on a seat.
	LoginManagerVT uint32
}

// Request describes one lockout.
type Request struct {
	User    string
	UID     uint32
	Lockout quota.LockoutType
	// Wake is when a suspendwake lockout should resume the machine. A zero
	// value degrades to a plain suspend.
	Wake time.Time
	// All is the full session listing the lockout was decided on. Sessions
	// of other users are consulted to locate the login manager.
	All []Session
}

// Outcome reports what a sequence did.
type Outcome struct {
	User         string
	Lockout      quota.LockoutType
	Targeted     []string
	Preserved    []string
	SeatSwitched bool
	Swept        bool
	Failures     int
}

// Terminator runs lockout sequences. Each phase is an independent delayed
// loop callback; phases are never cancelled and become no-ops once the
// user's sessions are gone.
type Terminator struct {
	loop       *loop.Loop
	endpoint   *resilience.Endpoint[Registry]
	classifier Classifier
	cfg        TerminatorConfig
	logger     zerolog.Logger
	pending    map[string]int
}

// NewTerminator creates a terminator issuing actions through endpoint.
func NewTerminator(l *loop.Loop, endpoint *resilience.Endpoint[Registry], classifier Classifier, cfg TerminatorConfig, logger zerolog.Logger) *Terminator {
	if cfg.Phase1Delay <= 0 {
		cfg.Phase1Delay = 100 * time.Millisecond
	}
	if cfg.SeatRetryDelay <= 0 {
		cfg.SeatRetryDelay = time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	return &Terminator{
		loop:       l,
		endpoint:   endpoint,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger.With().Str("component", "terminator").Logger(),
		pending:    make(map[string]int),
	}
}

// Delays returns the nominal offsets of the three phases from the start of
// a sequence. Each phase is strictly later than the one before it.
func (t *Terminator) Delays() (phase1, phase2, phase3 time.Duration) {
	const gap = 100 * time.Millisecond

	phase1 = t.cfg.Phase1Delay
	phase2 = t.cfg.PollInterval - time.Second
	if phase2 < phase1+gap {
		phase2 = phase1 + gap
	}
	phase3 = 2 * t.cfg.PollInterval
	if phase3 < phase2+gap {
		phase3 = phase2 + gap
	}
	return phase1, phase2, phase3
}

// Pending reports whether user has a sequence that has not finished.
func (t *Terminator) Pending(user string) bool {
	return t.pending[user] > 0
}

type sequence struct {
	req      Request
	sessions []Session
	targets  []Session
	outcome  Outcome
	done     func(Outcome)
	logger   zerolog.Logger
}

// Start schedules the lockout sequence for req. done is called on the loop
// once the last scheduled phase has reported.
func (t *Terminator) Start(req Request, done func(Outcome)) {
	seq := &sequence{
		req:      req,
		sessions: ForUser(req.All, req.User),
		outcome:  Outcome{User: req.User, Lockout: req.Lockout},
		done:     done,
		logger: t.logger.With().
			Str("user", req.User).
			Str("lockout", string(req.Lockout)).
			Logger(),
	}
	t.pending[req.User]++

	phase1, _, _ := t.Delays()
	seq.logger.Info().Int("sessions", len(seq.sessions)).Msg("Lockout sequence scheduled")

	switch req.Lockout {
	case quota.LockoutSuspend, quota.LockoutSuspendWake, quota.LockoutShutdown:
		t.loop.After(phase1, func() { t.machineAction(seq) })
	case quota.LockoutLock:
		t.loop.After(phase1, func() { t.lockSessions(seq) })
	default:
		t.loop.After(phase1, func() { t.phase1(seq) })
	}
}

func (t *Terminator) run(work func(ctx context.Context, r Registry) error, then func(error)) {
	timeout := t.cfg.ActionTimeout
	t.endpoint.DoAsync(func(r Registry) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return work(ctx, r)
	}, then)
}

// selectTargets splits the user's sessions into targeted and preserved.
func (t *Terminator) selectTargets(seq *sequence) {
	for _, s := range seq.sessions {
		if t.classifier.Controlled(s) {
			seq.targets = append(seq.targets, s)
			seq.outcome.Targeted = append(seq.outcome.Targeted, s.ID)
			continue
		}
		seq.outcome.Preserved = append(seq.outcome.Preserved, s.ID)
		seq.logger.Info().
			Str("session", s.ID).
			Str("type", s.Type).
			Str("class", s.Class).
			Msg("Session preserved")
	}
}

func (t *Terminator) phase1(seq *sequence) {
	t.selectTargets(seq)

	if len(seq.targets) == 0 {
		seq.logger.Info().Msg("No controlled sessions to end")
		t.finish(seq)
		return
	}

	kill := seq.req.Lockout == quota.LockoutKill
	for _, s := range seq.targets {
		id := s.ID
		t.run(func(ctx context.Context, r Registry) error {
			if kill {
				return r.Kill(ctx, id)
			}
			return r.Terminate(ctx, id)
		}, func(err error) {
			if err != nil {
				seq.outcome.Failures++
				seq.logger.Warn().Err(err).Str("session", id).Msg("Failed to end session")
				return
			}
			seq.logger.Info().Str("session", id).Bool("kill", kill).Msg("Session ended")
		})
	}

	phase1, phase2, phase3 := t.Delays()
	t.loop.After(phase2-phase1, func() { t.phase2(seq, false) })
	t.loop.After(phase3-phase1, func() { t.phase3(seq) })
}

// loginManagerVT returns the VT of the greeter on seat, falling back to the
// configured login manager VT.
func (t *Terminator) loginManagerVT(seq *sequence, seat string) uint32 {
	for _, s := range seq.req.All {
		if s.Class == "greeter" && s.Seat == seat && s.VT > 0 {
			return s.VT
		}
	}
	return t.cfg.LoginManagerVT
}

func (t *Terminator) phase2(seq *sequence, retried bool) {
	var from *Session
	var vt uint32
	for i := range seq.targets {
		s := &seq.targets[i]
		if !s.Active || s.Seat == "" {
			continue
		}
		target := t.loginManagerVT(seq, s.Seat)
		if target == 0 || s.VT == target {
			continue
		}
		from, vt = s, target
		break
	}
	if from == nil {
		seq.logger.Debug().Msg("No seat switch needed")
		return
	}

	seat := from.Seat
	t.run(func(ctx context.Context, r Registry) error {
		return r.SwitchSeatTo(ctx, seat, vt)
	}, func(err error) {
		switch {
		case err == nil:
			seq.outcome.SeatSwitched = true
			seq.logger.Info().Str("seat", seat).Uint32("vt", vt).Msg("Seat switched to login manager")
		case errors.Is(err, ErrSeatNotReady) && !retried:
			seq.logger.Debug().Str("seat", seat).Msg("Seat not ready, retrying switch")
			t.loop.After(t.cfg.SeatRetryDelay, func() { t.phase2(seq, true) })
		default:
			seq.outcome.Failures++
			seq.logger.Warn().Err(err).Str("seat", seat).Msg("Seat switch abandoned")
		}
	})
}

func (t *Terminator) phase3(seq *sequence) {
	uid := seq.req.UID
	t.run(func(ctx context.Context, r Registry) error {
		return r.KillUserProcesses(ctx, uid)
	}, func(err error) {
		if err != nil {
			seq.outcome.Failures++
			seq.logger.Warn().Err(err).Msg("Failed to sweep leftover processes")
		} else {
			seq.outcome.Swept = true
		}
		t.finish(seq)
	})
}

func (t *Terminator) lockSessions(seq *sequence) {
	t.selectTargets(seq)
	if len(seq.targets) == 0 {
		t.finish(seq)
		return
	}

	remaining := len(seq.targets)
	for _, s := range seq.targets {
		id := s.ID
		t.run(func(ctx context.Context, r Registry) error {
			return r.Lock(ctx, id)
		}, func(err error) {
			if err != nil {
				seq.outcome.Failures++
				seq.logger.Warn().Err(err).Str("session", id).Msg("Failed to lock session")
			}
			remaining--
			if remaining == 0 {
				t.finish(seq)
			}
		})
	}
}

func (t *Terminator) machineAction(seq *sequence) {
	lockout := seq.req.Lockout
	wake := seq.req.Wake
	if lockout == quota.LockoutSuspendWake && wake.IsZero() {
		seq.logger.Warn().Msg("No wake time available, suspending without alarm")
	}

	t.run(func(ctx context.Context, r Registry) error {
		switch {
		case lockout == quota.LockoutShutdown:
			return r.Shutdown(ctx)
		case lockout == quota.LockoutSuspendWake && !wake.IsZero():
			return r.SuspendUntil(ctx, wake)
		default:
			return r.Suspend(ctx)
		}
	}, func(err error) {
		if err != nil {
			seq.outcome.Failures++
			seq.logger.Error().Err(err).Msg("Machine lockout action failed")
		}
		t.finish(seq)
	})
}

func (t *Terminator) finish(seq *sequence) {
	t.pending[seq.req.User]--
	if t.pending[seq.req.User] <= 0 {
		delete(t.pending, seq.req.User)
	}

	seq.logger.Info().
		Strs("targeted", seq.outcome.Targeted).
		Strs("preserved", seq.outcome.Preserved).
		Bool("seat_switched", seq.outcome.SeatSwitched).
		Bool("swept", seq.outcome.Swept).
		Int("failures", seq.outcome.Failures).
		Msg("Lockout sequence finished")

	if seq.done != nil {
		seq.done(seq.outcome)
	}
}
