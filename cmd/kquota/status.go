package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kquota/internal/admin"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/engine"
	"github.com/goodtune/kquota/internal/resilience"
	"github.com/spf13/cobra"
)

var (
	socketPath     string
	requestTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status [USER]",
	Short: "Show enforcement status from the running daemon",
	Long: `Without USER, list the users with a running engine, the users with a stored
ledger and the state of every external endpoint. With USER, show that user's
budget and state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Admin socket path (defaults to admin.socket from the configuration)")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second, "Admin request timeout")
	rootCmd.AddCommand(statusCmd)
}

// adminClient connects to the admin socket named by --socket or, failing
// that, the configuration file.
func adminClient() *admin.Client {
	path := socketPath
	if path == "" {
		path = config.Default().Admin.Socket
		if cfg, err := config.Load(configPath); err == nil {
			path = cfg.Admin.Socket
		}
	}
	return admin.NewClient(path, requestTimeout)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := adminClient()
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	if len(args) == 1 {
		st, err := client.Status(ctx, args[0])
		if err != nil {
			return err
		}
		printStatus(st)
		return nil
	}

	users, err := client.Users(ctx)
	if err != nil {
		return err
	}
	stored, err := client.StoredUsers(ctx)
	if err != nil {
		return err
	}
	eps, err := client.Endpoints(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Println("[users]")
	if len(users) == 0 {
		fmt.Println("  (none logged in)")
	}
	for _, u := range users {
		fmt.Printf("  %s\n", u)
	}

	_, _ = cyan.Println("\n[ledgers]")
	if len(stored) == 0 {
		fmt.Println("  (none stored)")
	}
	for _, u := range stored {
		fmt.Printf("  %s\n", u)
	}

	_, _ = cyan.Println("\n[endpoints]")
	for _, ep := range eps {
		c := green
		if ep.State != resilience.Connected.String() {
			c = red
		}
		_, _ = c.Printf("  %-24s %s (retries left: %d)\n", ep.Name, ep.State, ep.RetriesLeft)
	}
	return nil
}

// printStatus prints a user's status with colors
func printStatus(st *engine.Status) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Printf("[%s]\n", st.User)

	stateColor := green
	switch st.State {
	case engine.Warning.String(), engine.FinalCountdown.String():
		stateColor = yellow
	case engine.Terminating.String(), engine.Cooldown.String():
		stateColor = red
	}
	fmt.Print("  state:       ")
	_, _ = stateColor.Println(st.State)

	fmt.Print("  remaining:   ")
	switch {
	case st.Remaining.Unlimited:
		_, _ = green.Println("unlimited")
	case st.Remaining.Exhausted():
		_, _ = red.Printf("none (%s)\n", st.Remaining.Reason)
	default:
		fmt.Printf("%s (%s)\n", st.Remaining.Duration(), st.Remaining.Reason)
	}

	fmt.Printf("  spent:       %s today, %s this week, %s this month\n",
		seconds(st.SpentDay), seconds(st.SpentWeek), seconds(st.SpentMonth))
	if st.BalanceDay != st.SpentDay {
		fmt.Printf("  balance:     %s charged today after adjustments\n", seconds(st.BalanceDay))
	}
	if len(st.Sessions) > 0 {
		fmt.Printf("  sessions:    %s\n", strings.Join(st.Sessions, ", "))
	}
	if st.Degraded {
		_, _ = yellow.Println("  ledger:      degraded, could not be loaded from storage")
	}
}

func seconds(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
