package main

import (
	"context"
	"fmt"

	"github.com/goodtune/kquota/internal/ledger"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/spf13/cobra"
)

var adjustCmd = &cobra.Command{
	Use:   "adjust USER add|subtract|set AMOUNT",
	Short: "Change a user's charged time for today",
	Long: `Adjust the time charged against USER today. "add" charges more time and
so takes time away, "subtract" gives time back, "set" replaces the charged
total. AMOUNT is a number of seconds or a duration such as 30m.`,
	Example: `  kquota adjust alice subtract 30m
  kquota adjust alice set 0`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := ledger.ParseOp(args[1])
		if err != nil {
			return err
		}
		return adjust(cmd.Context(), args[0], op, args[2])
	},
}

var grantCmd = &cobra.Command{
	Use:     "grant USER AMOUNT",
	Short:   "Give a user extra time today",
	Example: `  kquota grant alice 15m`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adjust(cmd.Context(), args[0], ledger.OpSubtract, args[1])
	},
}

var revokeCmd = &cobra.Command{
	Use:     "revoke USER AMOUNT",
	Short:   "Take time away from a user today",
	Example: `  kquota revoke alice 15m`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adjust(cmd.Context(), args[0], ledger.OpAdd, args[1])
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy USER FILE",
	Short: "Apply a policy file to a logged in user",
	Long: `Parse FILE as a policy and hand it to USER's running engine. The change
lasts until USER's policy file in the policy directory next changes.`,
	Args: cobra.ExactArgs(2),
	RunE: runPolicy,
}

var resetCmd = &cobra.Command{
	Use:   "reset USER",
	Short: "Delete a logged out user's stored ledger",
	Long: `Remove USER's stored ledger so their next session starts with nothing
spent today, this week or this month. USER must be logged out.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if err := adminClient().ResetLedger(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Ledger for %s reset\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adjustCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(resetCmd)
}

func adjust(ctx context.Context, user string, op ledger.Op, amount string) error {
	secs, err := parseAmount(amount)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	st, err := adminClient().Adjust(ctx, user, string(op), secs)
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func runPolicy(cmd *cobra.Command, args []string) error {
	user, path := args[0], args[1]

	p, warnings, err := quota.LoadFile(path, user)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Printf("warning: %s\n", w)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	st, err := adminClient().SetPolicy(ctx, user, p)
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}
