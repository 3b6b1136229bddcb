package quota

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Period lengths used for clamping limits and counters.
const (
	SecondsPerDay   int64 = 24 * 60 * 60
	SecondsPerWeek  int64 = 7 * SecondsPerDay
	SecondsPerMonth int64 = 31 * SecondsPerDay
)

// LockoutType is the action applied to a user's sessions once their budget
// is exhausted.
type LockoutType string

const (
	LockoutLock        LockoutType = "lock"
	LockoutSuspend     LockoutType = "suspend"
	LockoutSuspendWake LockoutType = "suspendwake"
	LockoutTerminate   LockoutType = "terminate"
	LockoutKill        LockoutType = "kill"
	LockoutShutdown    LockoutType = "shutdown"
)

// Reversible reports whether the user can undo the lockout without logging
// in again, by unlocking the screen or resuming the machine.
func (t LockoutType) Reversible() bool {
	switch t {
	case LockoutLock, LockoutSuspend, LockoutSuspendWake:
		return true
	}
	return false
}

// ParseLockoutType normalizes a lockout name. Unknown names are reported as
// an error together with LockoutTerminate so callers can clamp.
func ParseLockoutType(s string) (LockoutType, error) {
	switch LockoutType(strings.ToLower(strings.TrimSpace(s))) {
	case LockoutLock:
		return LockoutLock, nil
	case LockoutSuspend:
		return LockoutSuspend, nil
	case LockoutSuspendWake, "suspend-wake", "suspend_wake":
		return LockoutSuspendWake, nil
	case LockoutTerminate, "":
		return LockoutTerminate, nil
	case LockoutKill:
		return LockoutKill, nil
	case LockoutShutdown:
		return LockoutShutdown, nil
	default:
		return LockoutTerminate, fmt.Errorf("unknown lockout type %q", s)
	}
}

// Window is the usable part of a single hour, [StartMinute, EndMinute).
type Window struct {
	StartMinute int  `json:"start_minute"`
	EndMinute   int  `json:"end_minute"`
	Unaccounted bool `json:"unaccounted,omitempty"`
}

// Contains reports whether minute falls inside the window.
func (w Window) Contains(minute int) bool {
	return minute >= w.StartMinute && minute < w.EndMinute
}

// WakeupWindow bounds the hours a suspended machine may be woken at.
type WakeupWindow struct {
	FromHour int `json:"from_hour"`
	ToHour   int `json:"to_hour"`
}

// Policy holds a user's configured limits. Weekdays are ISO numbered,
// Monday=1 through Sunday=7.
type Policy struct {
	User            string                 `json:"user"`
	AllowedWeekdays map[int]bool           `json:"allowed_weekdays"`
	HourWindows     map[int]map[int]Window `json:"hour_windows,omitempty"`
	LimitPerWeekday map[int]int64          `json:"limit_per_weekday,omitempty"`
	LimitPerWeek    int64                  `json:"limit_per_week"`
	LimitPerMonth   int64                  `json:"limit_per_month"`
	TrackInactive   bool                   `json:"track_inactive"`
	LockoutType     LockoutType            `json:"lockout_type"`
	WakeupWindow    WakeupWindow           `json:"wakeup_window"`
}

// Default returns an unrestricted policy: every day allowed, every hour
// available, no limits, terminate on exhaustion.
func Default(user string) *Policy {
	p := &Policy{
		User:            user,
		AllowedWeekdays: make(map[int]bool, 7),
		HourWindows:     make(map[int]map[int]Window),
		LimitPerWeekday: make(map[int]int64),
		LockoutType:     LockoutTerminate,
		WakeupWindow:    WakeupWindow{FromHour: 0, ToHour: 23},
	}
	for d := 1; d <= 7; d++ {
		p.AllowedWeekdays[d] = true
	}
	return p
}

// ISOWeekday returns t's weekday numbered Monday=1 through Sunday=7.
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	c := *p
	c.AllowedWeekdays = make(map[int]bool, len(p.AllowedWeekdays))
	for k, v := range p.AllowedWeekdays {
		c.AllowedWeekdays[k] = v
	}
	c.LimitPerWeekday = make(map[int]int64, len(p.LimitPerWeekday))
	for k, v := range p.LimitPerWeekday {
		c.LimitPerWeekday[k] = v
	}
	c.HourWindows = make(map[int]map[int]Window, len(p.HourWindows))
	for day, hours := range p.HourWindows {
		m := make(map[int]Window, len(hours))
		for h, w := range hours {
			m[h] = w
		}
		c.HourWindows[day] = m
	}
	return &c
}

// DayAllowed reports whether usage is permitted on the ISO weekday.
func (p *Policy) DayAllowed(day int) bool {
	return p.AllowedWeekdays[day]
}

// DayLimit returns the seconds allowed on the weekday. Zero or a missing
// entry means the day has no cap.
func (p *Policy) DayLimit(day int) (int64, bool) {
	limit, ok := p.LimitPerWeekday[day]
	if !ok || limit <= 0 {
		return 0, false
	}
	return limit, true
}

// WindowAt returns the hour window covering t and whether t is inside it.
// A weekday without configured windows is available all day.
func (p *Policy) WindowAt(t time.Time) (Window, bool) {
	day := ISOWeekday(t)
	if !p.DayAllowed(day) {
		return Window{}, false
	}
	hours := p.HourWindows[day]
	if len(hours) == 0 {
		return Window{StartMinute: 0, EndMinute: 60}, true
	}
	w, ok := hours[t.Hour()]
	if !ok || !w.Contains(t.Minute()) {
		return w, false
	}
	return w, true
}

// Unaccounted reports whether time spent at t is free.
func (p *Policy) Unaccounted(t time.Time) bool {
	w, ok := p.WindowAt(t)
	return ok && w.Unaccounted
}

// maxWindowScan bounds how far ahead contiguous availability is followed.
const maxWindowScan = 48

// Available returns how many seconds from t the user can stay logged in
// before leaving their allowed hours. Availability that runs past the scan
// horizon is reported as unbounded.
func (p *Policy) Available(t time.Time) (int64, bool) {
	cur := t
	var total int64
	for i := 0; i < maxWindowScan; i++ {
		w, ok := p.WindowAt(cur)
		if !ok {
			return total, true
		}
		hourStart := time.Date(cur.Year(), cur.Month(), cur.Day(), cur.Hour(), 0, 0, 0, cur.Location())
		windowEnd := hourStart.Add(time.Duration(w.EndMinute) * time.Minute)
		total += int64(windowEnd.Sub(cur) / time.Second)
		if w.EndMinute < 60 {
			return total, true
		}
		cur = hourStart.Add(time.Hour)
	}
	return 0, false
}

// Weekdays returns the allowed weekdays in order.
func (p *Policy) Weekdays() []int {
	days := make([]int, 0, len(p.AllowedWeekdays))
	for d, ok := range p.AllowedWeekdays {
		if ok {
			days = append(days, d)
		}
	}
	sort.Ints(days)
	return days
}

// NextWake returns the time a suspended machine should be woken so the user
// regains access: the first allowed hour after t that lies inside the
// wakeup window. The second return value is false when no such hour exists
// within a week.
func (p *Policy) NextWake(t time.Time) (time.Time, bool) {
	cur := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
	for i := 0; i < 7*24; i++ {
		h := cur.Hour()
		if h >= p.WakeupWindow.FromHour && h <= p.WakeupWindow.ToHour {
			day := ISOWeekday(cur)
			if p.DayAllowed(day) {
				hours := p.HourWindows[day]
				if len(hours) == 0 {
					return cur, true
				}
				if w, ok := hours[h]; ok {
					return cur.Add(time.Duration(w.StartMinute) * time.Minute), true
				}
			}
		}
		cur = cur.Add(time.Hour)
	}
	return time.Time{}, false
}
