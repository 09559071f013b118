package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/api"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(scenarioCmd)
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the store migrates it.
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		a.logger.Info("schema up to date", zap.String("driver", string(a.store.Driver())))
		return nil
	},
}

// ─── audit-balances ─────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit-balances",
	Short: "Recompute every account balance and repair drift",
	Long: `Recomputes each account balance from its transactions and compares it
with the cached balance. Accounts that drifted are corrected and the
correction is audited. Exits non-zero only when the audit itself fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		scheduler := api.NewBalanceAuditScheduler(a.engine, a.logger)
		scheduler.Actor = a.cfg.Audit.Actor
		drifts := scheduler.RunOnce(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "%d account(s) repaired\n", len(drifts))
		for _, d := range drifts {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: cached %s, recomputed %s\n", d.AccountID, d.Cached, d.Recomputed)
		}
		return nil
	},
}

// ─── scenario ───────────────────────────────────────────────────────────────

var scenarioCmd = &cobra.Command{
	Use:   "scenario ID",
	Short: "Reset the database and load a demo scenario",
	Long: `Resets the configured database and loads one of the demo scenarios:
credit-reduction, overpayment, invoice-deletion, task-cascade or all.
Only use against development databases.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		h := api.NewHandler(a.engine, a.logger.Named("api"))
		if err := h.Load(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scenario %s loaded\n", args[0])
		return nil
	},
}
