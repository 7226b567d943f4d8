package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/app"
	"github.com/punchamoorthee/settlehub/internal/config"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/service"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the settlement core",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log service activity to stderr")

	rootCmd.AddCommand(checkLedgerCmd())
	rootCmd.AddCommand(recoverTransfersCmd())
	rootCmd.AddCommand(expireOrdersCmd())
	rootCmd.AddCommand(releaseRoutesCmd())
	rootCmd.AddCommand(executeDueCmd())
	rootCmd.AddCommand(balanceCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// open connects to the core configured by the environment.
func open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	var out io.Writer = io.Discard
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		out = os.Stderr
	}
	return app.Open(cmd.Context(), cfg, slog.New(slog.NewTextHandler(out, nil)))
}

func checkLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-ledger",
		Short: "Verify that credits equal debits for every currency",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := open(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			totals, err := core.Ledger.TrialBalance(cmd.Context())
			if err != nil {
				return err
			}
			return printTrialBalance(cmd.OutOrStdout(), totals)
		},
	}
}

// printTrialBalance writes one row per currency and fails if any differs.
func printTrialBalance(w io.Writer, totals []domain.CurrencyTotals) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CURRENCY\tCREDITS\tDEBITS\tSTATUS")
	for _, t := range totals {
		status := "ok"
		if !t.Credits.Equal(t.Debits) {
			status = "UNBALANCED"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.CurrencyID, t.Credits, t.Debits, status)
	}
	tw.Flush()
	if bad := service.Unbalanced(totals); len(bad) > 0 {
		ids := make([]string, 0, len(bad))
		for _, t := range bad {
			ids = append(ids, t.CurrencyID)
		}
		return fmt.Errorf("ledger does not balance for %s", strings.Join(ids, ", "))
	}
	return nil
}

func recoverTransfersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover-transfers",
		Short: "Settle executing transfers whose outcome was lost",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")
			core, err := open(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			report, err := core.Engine.Recover(cmd.Context(), olderThan, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "confirmed: %d\nfailed: %d\npending: %d\n", report.Confirmed, report.Failed, report.Pending)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 5*time.Minute, "Only transfers executing for longer than this")
	cmd.Flags().IntP("limit", "n", 100, "Maximum transfers to look at")
	return cmd
}

func expireOrdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire-orders",
		Short: "Close the routes of orders past their expiration",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			core, err := open(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			n, err := core.Orders.ExpireDue(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired: %d\n", n)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "Maximum orders to expire")
	return cmd
}

func releaseRoutesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release-routes",
		Short: "Return identifiers of routes closed past their grace window to the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			core, err := open(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			n, err := core.Allocator.ReleaseDue(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released: %d\n", n)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "Maximum routes to release per network")
	return cmd
}

func executeDueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute-due",
		Short: "Execute scheduled transfers whose time has come",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			core, err := open(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			n, err := core.Engine.ExecuteDue(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "executed: %d\n", n)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "Maximum transfers to execute")
	return cmd
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance [account-id]",
		Short: "Show the balance of an account in one currency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid account id %q: %w", args[0], err)
			}
			network, _ := cmd.Flags().GetString("network")
			address, _ := cmd.Flags().GetString("address")
			core, err := open(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			c := domain.Currency{Network: network, Address: address}
			bal, err := core.Ledger.Balance(cmd.Context(), id, c)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", bal, c.ID())
			return nil
		},
	}
	cmd.Flags().String("network", "", "Currency network")
	cmd.Flags().String("address", "", "Currency address")
	cmd.MarkFlagRequired("network")
	cmd.MarkFlagRequired("address")
	return cmd
}
