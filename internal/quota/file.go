package quota

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// PolicyFileExt is the extension of per-user policy files.
const PolicyFileExt = ".yaml"

// fileConfig mirrors the on-disk layout of a user policy file.
type fileConfig struct {
	AllowedWeekdays []string            `mapstructure:"allowed_weekdays"`
	DailyLimits     map[string]string   `mapstructure:"daily_limits"`
	WeeklyLimit     string              `mapstructure:"weekly_limit"`
	MonthlyLimit    string              `mapstructure:"monthly_limit"`
	Hours           map[string][]string `mapstructure:"hours"`
	TrackInactive   bool                `mapstructure:"track_inactive"`
	Lockout         lockoutConfig       `mapstructure:"lockout"`
}

type lockoutConfig struct {
	Type       string `mapstructure:"type"`
	WakeupFrom int    `mapstructure:"wakeup_from"`
	WakeupTo   int    `mapstructure:"wakeup_to"`
}

// LoadFile reads a policy file. Values that parse but are out of range are
// clamped; the returned warnings list every adjustment made.
func LoadFile(path, user string) (*Policy, []string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("allowed_weekdays", []string{"1", "2", "3", "4", "5", "6", "7"})
	v.SetDefault("track_inactive", false)
	v.SetDefault("lockout.type", string(LockoutTerminate))
	v.SetDefault("lockout.wakeup_from", 0)
	v.SetDefault("lockout.wakeup_to", 23)

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal policy file: %w", err)
	}

	return fc.toPolicy(user)
}

func (fc *fileConfig) toPolicy(user string) (*Policy, []string, error) {
	var warnings []string
	p := &Policy{
		User:            user,
		AllowedWeekdays: make(map[int]bool),
		HourWindows:     make(map[int]map[int]Window),
		LimitPerWeekday: make(map[int]int64),
		TrackInactive:   fc.TrackInactive,
		LockoutType:     LockoutType(fc.Lockout.Type),
		WakeupWindow: WakeupWindow{
			FromHour: fc.Lockout.WakeupFrom,
			ToHour:   fc.Lockout.WakeupTo,
		},
	}

	for _, name := range fc.AllowedWeekdays {
		day, err := ParseWeekday(name)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		p.AllowedWeekdays[day] = true
	}

	for name, value := range fc.DailyLimits {
		day, err := ParseWeekday(name)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		p.LimitPerWeekday[day] = parseSeconds(value, &warnings)
	}

	p.LimitPerWeek = parseSeconds(fc.WeeklyLimit, &warnings)
	p.LimitPerMonth = parseSeconds(fc.MonthlyLimit, &warnings)

	for name, entries := range fc.Hours {
		day, err := ParseWeekday(name)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		hours := make(map[int]Window, len(entries))
		for _, entry := range entries {
			hour, w, err := ParseHourEntry(entry)
			if err != nil {
				warnings = append(warnings, err.Error())
				continue
			}
			hours[hour] = w
		}
		p.HourWindows[day] = hours
	}

	warnings = append(warnings, p.Normalize()...)
	return p, warnings, nil
}

var weekdayNames = map[string]int{
	"mon": 1, "monday": 1,
	"tue": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
	"sun": 7, "sunday": 7,
}

// ParseWeekday accepts an ISO weekday number or an English day name.
func ParseWeekday(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if day, ok := weekdayNames[s]; ok {
		return day, nil
	}
	day, err := strconv.Atoi(s)
	if err != nil || day < 1 || day > 7 {
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
	return day, nil
}

var hourEntryRe = regexp.MustCompile(`^(!?)(\d{1,2})(?:\[(\d{1,2})-(\d{1,2})\])?$`)

// ParseHourEntry parses an hour specification such as "8", "10[0-30]" or
// "!20". A leading "!" marks the hour as unaccounted.
func ParseHourEntry(s string) (int, Window, error) {
	m := hourEntryRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, Window{}, fmt.Errorf("invalid hour entry %q", s)
	}
	hour, _ := strconv.Atoi(m[2])
	if hour > 23 {
		return 0, Window{}, fmt.Errorf("invalid hour entry %q: hour out of range", s)
	}
	w := Window{StartMinute: 0, EndMinute: 60, Unaccounted: m[1] == "!"}
	if m[3] != "" {
		w.StartMinute, _ = strconv.Atoi(m[3])
		w.EndMinute, _ = strconv.Atoi(m[4])
	}
	return hour, w, nil
}

// parseSeconds accepts a Go duration ("2h30m") or a plain number of
// seconds. Unparseable values count as unset.
func parseSeconds(s string, warnings *[]string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("invalid limit %q treated as unset", s))
		return 0
	}
	return int64(d / time.Second)
}

// Loader reads per-user policy files from a directory.
type Loader struct {
	dir    string
	logger zerolog.Logger
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// Dir returns the policy directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Path returns the policy file path for user.
func (l *Loader) Path(user string) string {
	return filepath.Join(l.dir, user+PolicyFileExt)
}

// Users lists the users that have a policy file.
func (l *Loader) Users() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list policy directory: %w", err)
	}

	var users []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != PolicyFileExt {
			continue
		}
		users = append(users, strings.TrimSuffix(entry.Name(), PolicyFileExt))
	}
	sort.Strings(users)
	return users, nil
}

// Managed reports whether user has a policy file.
func (l *Loader) Managed(user string) bool {
	_, err := os.Stat(l.Path(user))
	return err == nil
}

// Load returns the user's policy. It never fails: a missing or unreadable
// file yields the default policy and ok=false.
func (l *Loader) Load(user string) (*Policy, bool) {
	p, warnings, err := LoadFile(l.Path(user), user)
	if err != nil {
		l.logger.Error().
			Err(err).
			Str("user", user).
			Msg("Policy file unreadable, using default policy")
		return Default(user), false
	}

	for _, w := range warnings {
		l.logger.Warn().
			Str("user", user).
			Str("adjustment", w).
			Msg("Policy value adjusted")
	}

	return p, true
}
