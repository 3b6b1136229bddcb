package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/ledger"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkDay   string
	checkTime  string
	checkSpent string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] USER",
	Short: "Check a user's policy interactively",
	Long: `Load USER's policy file and show how much time they would have left at a
given day and time, without contacting the daemon.`,
	Example: `  kquota check alice
  kquota -c config.yaml check --day saturday --time 18:30 --spent 1h alice`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	checkCmd.Flags().StringVar(&checkSpent, "spent", "0", "Time already used today, this week and this month")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	user := args[0]

	at, err := parseCheckTime(time.Now(), checkDay, checkTime)
	if err != nil {
		return fmt.Errorf("invalid time specification: %w", err)
	}
	spent, err := parseAmount(checkSpent)
	if err != nil {
		return fmt.Errorf("invalid --spent: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	loader := quota.NewLoader(cfg.Policy.Dir, zerolog.Nop())
	p, warnings, err := quota.LoadFile(loader.Path(user), user)
	if err != nil {
		return fmt.Errorf("failed to load policy for %s: %w", user, err)
	}

	l := ledger.FromRecord(&storage.LedgerRecord{
		User:        user,
		SpentDay:    spent,
		SpentWeek:   spent,
		SpentMonth:  spent,
		BalanceDay:  spent,
		LastChecked: at,
	})
	printCheckResult(p, warnings, at, spent, l.Remaining(at, p))
	return nil
}

// printCheckResult prints the check result with colors
func printCheckResult(p *quota.Policy, warnings []string, at time.Time, spent int64, rem ledger.Remaining) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("TIME POLICY CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("User:       %s\n", p.User)
	fmt.Printf("Check Time: %s (%s)\n", at.Format("2006-01-02 15:04"), at.Weekday())
	fmt.Printf("Spent:      %s\n", time.Duration(spent)*time.Second)
	if limit, ok := p.DayLimit(quota.ISOWeekday(at)); ok {
		fmt.Printf("Day Limit:  %s\n", time.Duration(limit)*time.Second)
	}
	fmt.Printf("Lockout:    %s\n", p.LockoutType)
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	switch {
	case rem.Unlimited:
		_, _ = green.Println("UNLIMITED")
		fmt.Println("            → No budget applies at this time")
	case rem.Exhausted():
		_, _ = red.Println("LOCKED OUT")
		fmt.Printf("            → Limited by %s\n", rem.Reason)
	default:
		_, _ = green.Printf("%s LEFT\n", rem.Duration())
		fmt.Printf("            → Limited by %s\n", rem.Reason)
	}

	for _, w := range warnings {
		_, _ = yellow.Printf("Warning:    %s\n", w)
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// parseCheckTime resolves day and time flags to the next matching moment
// on or after now.
func parseCheckTime(now time.Time, dayStr, timeStr string) (time.Time, error) {
	hour := now.Hour()
	minute := now.Minute()

	if timeStr != "" {
		parts := strings.Split(timeStr, ":")
		if len(parts) != 2 {
			return time.Time{}, fmt.Errorf("time must be in HH:MM format")
		}
		if _, err := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute); err != nil {
			return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time: hour must be 0-23, minute must be 0-59")
		}
	}

	days := 0
	if dayStr != "" {
		day, err := quota.ParseWeekday(dayStr)
		if err != nil {
			return time.Time{}, err
		}
		days = day - quota.ISOWeekday(now)
		if days < 0 {
			days += 7
		}
	}

	target := now.AddDate(0, 0, days)
	return time.Date(target.Year(), target.Month(), target.Day(), hour, minute, 0, 0, now.Location()), nil
}

// parseAmount accepts a Go duration ("1h30m") or a number of seconds.
func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("amount must not be negative")
		}
		return secs, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("amount must not be negative")
	}
	return int64(d / time.Second), nil
}
