package quota

import "fmt"

// Normalize clamps every out-of-range value to the nearest valid one and
// drops entries keyed by an invalid weekday or hour. Invalid configuration
// is never rejected; the returned messages describe what was changed.
func (p *Policy) Normalize() []string {
	var changes []string
	note := func(format string, args ...any) {
		changes = append(changes, fmt.Sprintf(format, args...))
	}

	if p.AllowedWeekdays == nil {
		p.AllowedWeekdays = make(map[int]bool)
	}
	for d := range p.AllowedWeekdays {
		if d < 1 || d > 7 {
			delete(p.AllowedWeekdays, d)
			note("dropped allowed weekday %d", d)
		}
	}

	if p.LimitPerWeekday == nil {
		p.LimitPerWeekday = make(map[int]int64)
	}
	for d, limit := range p.LimitPerWeekday {
		if d < 1 || d > 7 {
			delete(p.LimitPerWeekday, d)
			note("dropped limit for weekday %d", d)
			continue
		}
		if clamped := clampInt64(limit, 0, SecondsPerDay); clamped != limit {
			p.LimitPerWeekday[d] = clamped
			note("clamped weekday %d limit %d to %d", d, limit, clamped)
		}
	}

	if clamped := clampInt64(p.LimitPerWeek, 0, SecondsPerWeek); clamped != p.LimitPerWeek {
		note("clamped weekly limit %d to %d", p.LimitPerWeek, clamped)
		p.LimitPerWeek = clamped
	}
	if clamped := clampInt64(p.LimitPerMonth, 0, SecondsPerMonth); clamped != p.LimitPerMonth {
		note("clamped monthly limit %d to %d", p.LimitPerMonth, clamped)
		p.LimitPerMonth = clamped
	}

	if p.HourWindows == nil {
		p.HourWindows = make(map[int]map[int]Window)
	}
	for d, hours := range p.HourWindows {
		if d < 1 || d > 7 {
			delete(p.HourWindows, d)
			note("dropped hour windows for weekday %d", d)
			continue
		}
		for h, w := range hours {
			if h < 0 || h > 23 {
				delete(hours, h)
				note("dropped hour %d on weekday %d", h, d)
				continue
			}
			fixed := w
			fixed.StartMinute = clampInt(w.StartMinute, 0, 60)
			fixed.EndMinute = clampInt(w.EndMinute, 0, 60)
			if fixed.EndMinute < fixed.StartMinute {
				fixed.EndMinute = fixed.StartMinute
			}
			if fixed != w {
				hours[h] = fixed
				note("clamped window %d:%02d-%02d on weekday %d", h, w.StartMinute, w.EndMinute, d)
			}
		}
	}

	if lt, err := ParseLockoutType(string(p.LockoutType)); err != nil {
		note("%v, using %s", err, lt)
		p.LockoutType = lt
	} else {
		p.LockoutType = lt
	}

	from := clampInt(p.WakeupWindow.FromHour, 0, 23)
	to := clampInt(p.WakeupWindow.ToHour, 0, 23)
	if to < from {
		to = from
	}
	if from != p.WakeupWindow.FromHour || to != p.WakeupWindow.ToHour {
		note("clamped wakeup window %d-%d to %d-%d", p.WakeupWindow.FromHour, p.WakeupWindow.ToHour, from, to)
		p.WakeupWindow = WakeupWindow{FromHour: from, ToHour: to}
	}

	return changes
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
