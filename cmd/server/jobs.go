package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/ledger-engine/cashback"
	"github.com/warp/ledger-engine/factory"
	"github.com/warp/ledger-engine/generic"
)

// ─── reconcile ──────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Detect and repair balance drift",
}

var reconcileAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Reconcile every balance row",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, app *factory.App) error {
			report, err := app.Handler.Reconciler.ReconcileAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var reconcilePairCmd = &cobra.Command{
	Use:   "pair OWNER RESOURCE",
	Short: "Reconcile one (owner, resource) pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resource := generic.LookupResource(args[1])
		if resource == nil {
			return fmt.Errorf("unknown resource %q", args[1])
		}
		return withApp(cmd, func(ctx context.Context, app *factory.App) error {
			report, err := app.Handler.Reconciler.Reconcile(ctx, generic.OwnerID(args[0]), resource)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

// ─── cashback ───────────────────────────────────────────────────────────────

var cashbackCmd = &cobra.Command{
	Use:   "cashback",
	Short: "Annual purchase cashback",
}

var cashbackBatchCmd = &cobra.Command{
	Use:   "batch PERIOD [OWNER...]",
	Short: "Process cashback for many owners",
	Long: `Process cashback for the given owners, or for every eligible owner in
the customer directory when none are given. Interrupting the command stops
between owners; the report marks the run as interrupted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		period, err := parsePeriod(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		author, _ := cmd.Flags().GetString("author")
		owners := make([]generic.OwnerID, 0, len(args)-1)
		for _, a := range args[1:] {
			owners = append(owners, generic.OwnerID(a))
		}
		return withApp(cmd, func(ctx context.Context, app *factory.App) error {
			proc, err := app.RequireCashback()
			if err != nil {
				return err
			}
			report, err := proc.ProcessBatch(ctx, period, owners, cashback.ProcessOptions{Force: force, AuthorID: author})
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var cashbackProcessCmd = &cobra.Command{
	Use:   "process PERIOD OWNER",
	Short: "Process cashback for one owner",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		period, err := parsePeriod(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		author, _ := cmd.Flags().GetString("author")
		return withApp(cmd, func(ctx context.Context, app *factory.App) error {
			proc, err := app.RequireCashback()
			if err != nil {
				return err
			}
			rec, err := proc.Process(ctx, generic.OwnerID(args[1]), period, cashback.ProcessOptions{Force: force, AuthorID: author})
			if err != nil {
				return err
			}
			return printJSON(rec)
		})
	},
}

var cashbackReverseCmd = &cobra.Command{
	Use:   "reverse RECORD_ID",
	Short: "Reverse a processed cashback record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		author, _ := cmd.Flags().GetString("author")
		return withApp(cmd, func(ctx context.Context, app *factory.App) error {
			proc, err := app.RequireCashback()
			if err != nil {
				return err
			}
			rec, err := proc.Reverse(ctx, args[0], reason, author)
			if err != nil {
				return err
			}
			return printJSON(rec)
		})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd, cashbackCmd)
	reconcileCmd.AddCommand(reconcileAllCmd, reconcilePairCmd)
	cashbackCmd.AddCommand(cashbackBatchCmd, cashbackProcessCmd, cashbackReverseCmd)

	for _, c := range []*cobra.Command{cashbackBatchCmd, cashbackProcessCmd} {
		c.Flags().Bool("force", false, "Replace an existing record for the period")
	}
	cashbackCmd.PersistentFlags().String("author", "cli", "Author recorded on the movements")
	cashbackReverseCmd.Flags().String("reason", "", "Why the record is reversed (required)")
	_ = cashbackReverseCmd.MarkFlagRequired("reason")
}

// ─── helpers ────────────────────────────────────────────────────────────────

func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *factory.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	defer app.Logger.Sync()
	return fn(ctx, app)
}

func parsePeriod(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 {
		return 0, fmt.Errorf("period must be a calendar year, got %q", s)
	}
	return p, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
