package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/storage"
)

// Reason names the budget that limits a user's remaining time.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonDay     Reason = "day"
	ReasonWeek    Reason = "week"
	ReasonMonth   Reason = "month"
	ReasonWindow  Reason = "window"
	ReasonWeekday Reason = "weekday"
)

// Remaining is the time a user has left and the budget that binds it.
// Seconds is never negative; Unlimited means no budget applies at all.
type Remaining struct {
	Seconds   int64  `json:"seconds"`
	Unlimited bool   `json:"unlimited"`
	Reason    Reason `json:"reason,omitempty"`
}

// Exhausted reports whether the user is out of time.
func (r Remaining) Exhausted() bool {
	return !r.Unlimited && r.Seconds <= 0
}

// Duration returns Seconds as a time.Duration.
func (r Remaining) Duration() time.Duration {
	return time.Duration(r.Seconds) * time.Second
}

// Rollover records which periods began since the previous tick.
type Rollover struct {
	Day   bool `json:"day"`
	Week  bool `json:"week"`
	Month bool `json:"month"`
}

// Any reports whether any period rolled over.
func (r Rollover) Any() bool {
	return r.Day || r.Week || r.Month
}

// Activity describes the user's sessions during a tick.
type Activity struct {
	// Active is true when the user has at least one trackable session.
	Active bool
	// Idle is true when every active session is idle or locked.
	Idle bool
	// MaxElapsed caps the seconds charged for one tick. Zero means no cap.
	MaxElapsed time.Duration
}

// TickResult is the outcome of a single tick.
type TickResult struct {
	Remaining Remaining
	Rollover  Rollover
	Accounted int64
}

// Ledger holds a user's running totals. It is owned by a single engine and
// is not safe for concurrent use.
type Ledger struct {
	SpentDay    int64
	SpentWeek   int64
	SpentMonth  int64
	BalanceDay  int64
	LastChecked time.Time
	Degraded    bool
}

// New returns an empty ledger anchored at now.
func New(now time.Time) *Ledger {
	return &Ledger{LastChecked: now}
}

// Tick detects rollovers since LastChecked, charges the elapsed time when
// the activity warrants it and returns the remaining budget.
func (l *Ledger) Tick(now time.Time, p *quota.Policy, act Activity) TickResult {
	var res TickResult

	if l.LastChecked.IsZero() {
		l.LastChecked = now
		res.Remaining = l.Remaining(now, p)
		return res
	}

	last := l.LastChecked.In(now.Location())
	res.Rollover = detectRollover(last, now)

	if res.Rollover.Day {
		l.SpentDay = 0
		l.BalanceDay = 0
	}
	if res.Rollover.Week {
		l.SpentWeek = 0
	}
	if res.Rollover.Month {
		l.SpentMonth = 0
	}

	if act.Active && (p.TrackInactive || !act.Idle) && !p.Unaccounted(now) {
		from := last
		if act.MaxElapsed > 0 {
			if floor := now.Add(-act.MaxElapsed); floor.After(from) {
				from = floor
			}
		}

		day := elapsed(from, startOfDay(now), now)
		week := elapsed(from, startOfWeek(now), now)
		month := elapsed(from, startOfMonth(now), now)

		l.SpentDay = clamp(l.SpentDay+day, quota.SecondsPerDay)
		l.BalanceDay = clamp(l.BalanceDay+day, quota.SecondsPerDay)
		l.SpentWeek = clamp(l.SpentWeek+week, quota.SecondsPerWeek)
		l.SpentMonth = clamp(l.SpentMonth+month, quota.SecondsPerMonth)
		res.Accounted = day
	}

	l.LastChecked = now
	res.Remaining = l.Remaining(now, p)
	return res
}

// Remaining computes the time left under p at now: the least headroom of
// the daily, weekly and monthly caps and the contiguous hour windows. Ties
// resolve in that order.
func (l *Ledger) Remaining(now time.Time, p *quota.Policy) Remaining {
	if !p.DayAllowed(quota.ISOWeekday(now)) {
		return Remaining{Seconds: 0, Reason: ReasonWeekday}
	}

	best := Remaining{Unlimited: true}
	consider := func(headroom int64, reason Reason) {
		if best.Unlimited || headroom < best.Seconds {
			best = Remaining{Seconds: headroom, Reason: reason}
		}
	}

	if limit, ok := p.DayLimit(quota.ISOWeekday(now)); ok {
		consider(limit-l.BalanceDay, ReasonDay)
	}
	if p.LimitPerWeek > 0 {
		consider(p.LimitPerWeek-l.SpentWeek, ReasonWeek)
	}
	if p.LimitPerMonth > 0 {
		consider(p.LimitPerMonth-l.SpentMonth, ReasonMonth)
	}
	if secs, limited := p.Available(now); limited {
		consider(secs, ReasonWindow)
	}

	if best.Seconds < 0 {
		best.Seconds = 0
	}
	return best
}

// Op is a manual balance adjustment.
type Op string

const (
	OpAdd      Op = "add"
	OpSubtract Op = "subtract"
	OpSet      Op = "set"
)

// ParseOp validates an adjustment name.
func ParseOp(s string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(s))); op {
	case OpAdd, OpSubtract, OpSet:
		return op, nil
	default:
		return "", fmt.Errorf("unknown adjust operation %q", s)
	}
}

// Adjust applies op to the day balance. The balance counts consumed time,
// so subtracting grants time and adding takes it away. Negative balances are
// kept; the result is clamped to one day either way.
func (l *Ledger) Adjust(op Op, seconds int64) error {
	switch op {
	case OpAdd:
		l.BalanceDay += seconds
	case OpSubtract:
		l.BalanceDay -= seconds
	case OpSet:
		l.BalanceDay = seconds
	default:
		return fmt.Errorf("unknown adjust operation %q", op)
	}
	l.BalanceDay = clamp(l.BalanceDay, quota.SecondsPerDay)
	return nil
}

// ToRecord converts the ledger to its persisted form.
func (l *Ledger) ToRecord(user string, savedAt time.Time) storage.LedgerRecord {
	return storage.LedgerRecord{
		User:        user,
		SpentDay:    l.SpentDay,
		SpentWeek:   l.SpentWeek,
		SpentMonth:  l.SpentMonth,
		BalanceDay:  l.BalanceDay,
		LastChecked: l.LastChecked,
		SavedAt:     savedAt,
	}
}

// FromRecord rebuilds a ledger from a stored record, clamping counters that
// were written out of range.
func FromRecord(rec *storage.LedgerRecord) *Ledger {
	return &Ledger{
		SpentDay:    clamp(rec.SpentDay, quota.SecondsPerDay),
		SpentWeek:   clamp(rec.SpentWeek, quota.SecondsPerWeek),
		SpentMonth:  clamp(rec.SpentMonth, quota.SecondsPerMonth),
		BalanceDay:  clamp(rec.BalanceDay, quota.SecondsPerDay),
		LastChecked: rec.LastChecked,
	}
}

// Load reads the user's ledger. It never fails: a missing record yields a
// fresh ledger with ok=true, and an unreadable one yields a fresh ledger
// marked Degraded with ok=false and the underlying error.
func Load(ctx context.Context, store storage.LedgerStore, user string, now time.Time) (*Ledger, bool, error) {
	rec, err := store.GetLedger(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return New(now), true, nil
		}
		l := New(now)
		l.Degraded = true
		return l, false, err
	}
	return FromRecord(rec), true, nil
}

// Persist writes the ledger for user.
func (l *Ledger) Persist(ctx context.Context, store storage.LedgerStore, user string, now time.Time) error {
	if err := store.PutLedger(ctx, l.ToRecord(user, now)); err != nil {
		return fmt.Errorf("failed to persist ledger for %s: %w", user, err)
	}
	return nil
}

func detectRollover(last, now time.Time) Rollover {
	ly, lw := last.ISOWeek()
	ny, nw := now.ISOWeek()
	return Rollover{
		Day:   last.Year() != now.Year() || last.YearDay() != now.YearDay(),
		Week:  ly != ny || lw != nw,
		Month: last.Year() != now.Year() || last.Month() != now.Month(),
	}
}

// elapsed returns whole seconds from max(from, periodStart) to now, or zero
// when the clock went backwards.
func elapsed(from, periodStart, now time.Time) int64 {
	if periodStart.After(from) {
		from = periodStart
	}
	d := now.Unix() - from.Unix()
	if d < 0 {
		return 0
	}
	return d
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfWeek(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, -(quota.ISOWeekday(t) - 1))
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func clamp(v, limit int64) int64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
