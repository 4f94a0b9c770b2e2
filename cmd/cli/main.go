// Command cli is the operator tool for the billing core: dead-letter triage,
// manual ledger adjustments, and on-demand reconciliation.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/db"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// connect opens a database handle from the environment configuration.
func connect() (*db.DB, error) {
	godotenv.Load() //nolint:errcheck

	cfg := config.Load()
	database, err := db.New(&db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "switchboard",
		Short:   "Switchboard billing core operator tool",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}

	rootCmd.AddCommand(newOrgCmd())
	rootCmd.AddCommand(newDeadLetterCmd())
	rootCmd.AddCommand(newAdjustCmd())
	rootCmd.AddCommand(newRefundCmd())
	rootCmd.AddCommand(newReconcileCmd())

	return rootCmd
}

func newOrgCmd() *cobra.Command {
	orgCmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}

	var debtLimit int64
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, err := connect()
			if err != nil {
				return err
			}
			defer database.Close()

			org, err := database.CreateOrganization(ctx, args[0], resolveDebtLimit(cmd, debtLimit))
			if err != nil {
				return err
			}
			fmt.Printf("Created organization %s (%s)\n", org.ID, org.Name)
			return nil
		},
	}
	createCmd.Flags().Int64Var(&debtLimit, "debt-limit", 0, "Debt limit in pence (default BILLING_DEFAULT_DEBT_LIMIT_PENCE)")

	showCmd := &cobra.Command{
		Use:   "show <org-id>",
		Short: "Show an organization's wallet state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid org id: %w", err)
			}

			ctx := cmd.Context()
			database, err := connect()
			if err != nil {
				return err
			}
			defer database.Close()

			org, err := database.GetOrganizationByID(ctx, orgID)
			if err != nil {
				return err
			}
			fmt.Printf("Organization: %s\n", org.Name)
			fmt.Printf("  ID:           %s\n", org.ID)
			fmt.Printf("  Balance:      %d pence\n", org.WalletBalancePence)
			fmt.Printf("  Debt limit:   %d pence\n", org.DebtLimitPence)
			fmt.Printf("  Created:      %s\n", org.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}

	setDebtLimitCmd := &cobra.Command{
		Use:   "set-debt-limit <org-id> <pence>",
		Short: "Update an organization's debt limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid org id: %w", err)
			}
			var pence int64
			if _, err := fmt.Sscanf(args[1], "%d", &pence); err != nil {
				return fmt.Errorf("invalid debt limit: %w", err)
			}

			ctx := cmd.Context()
			database, err := connect()
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.UpdateDebtLimit(ctx, orgID, pence); err != nil {
				return err
			}
			fmt.Printf("Debt limit for %s set to %d pence\n", orgID, pence)
			return nil
		},
	}

	orgCmd.AddCommand(createCmd, showCmd, setDebtLimitCmd)
	return orgCmd
}

// resolveDebtLimit returns the --debt-limit flag when the operator set it,
// otherwise the configured billing default.
func resolveDebtLimit(cmd *cobra.Command, flagValue int64) int64 {
	if cmd.Flags().Changed("debt-limit") {
		return flagValue
	}
	return config.Load().Billing.DefaultDebtLimitPence
}

func newDeadLetterCmd() *cobra.Command {
	dlCmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and requeue dead-lettered webhook jobs",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, err := connect()
			if err != nil {
				return err
			}
			defer database.Close()

			jobs, err := database.ListWebhookJobsByStatus(ctx, db.WebhookJobStatusDeadLetter, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No dead-lettered jobs")
				return nil
			}

			for _, job := range jobs {
				lastError := ""
				if job.LastError != nil {
					lastError = *job.LastError
				}
				fmt.Printf("%s  %s/%s  %s  attempts=%d  %s\n",
					job.ID, job.Provider, job.EventID, job.EventType,
					job.AttemptCount, lastError)
			}
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 100, "Maximum jobs to list")

	requeueCmd := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Return a dead-lettered job to the queue with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}

			ctx := cmd.Context()
			database, err := connect()
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.RequeueDeadLetterJob(ctx, jobID); err != nil {
				return err
			}
			fmt.Printf("Job %s requeued\n", jobID)
			return nil
		},
	}

	dlCmd.AddCommand(listCmd, requeueCmd)
	return dlCmd
}

// applyManualEntry runs an operator-initiated ledger mutation through the same
// path as webhook-driven mutations.
func applyManualEntry(ctx context.Context, entryType db.EntryType, orgIDArg, amountArg, ref, description string) error {
	orgID, err := uuid.Parse(orgIDArg)
	if err != nil {
		return fmt.Errorf("invalid org id: %w", err)
	}
	var amount int64
	if _, err := fmt.Sscanf(amountArg, "%d", &amount); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}

	database, err := connect()
	if err != nil {
		return err
	}
	defer database.Close()

	var externalRef *string
	if ref != "" {
		externalRef = &ref
	}

	entry, applied, err := database.ApplyLedgerMutation(ctx, db.LedgerMutation{
		OrgID:       orgID,
		AmountPence: amount,
		Type:        entryType,
		ExternalRef: externalRef,
		Description: description,
	})
	if err != nil {
		return err
	}
	if !applied {
		fmt.Printf("Duplicate reference, existing entry %s left untouched\n", entry.ID)
		return nil
	}
	fmt.Printf("Entry %s applied: %+d pence, balance %d -> %d\n",
		entry.ID, entry.AmountPence, entry.BalanceBefore, entry.BalanceAfter)
	return nil
}

func newAdjustCmd() *cobra.Command {
	var description, ref string
	adjustCmd := &cobra.Command{
		Use:   "adjust <org-id> <amount-pence>",
		Short: "Apply a manual balance adjustment (signed amount in pence)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if description == "" {
				return fmt.Errorf("--description is required for adjustments")
			}
			return applyManualEntry(cmd.Context(), db.EntryTypeAdjustment, args[0], args[1], ref, description)
		},
	}
	adjustCmd.Flags().StringVar(&description, "description", "", "Reason for the adjustment (required)")
	adjustCmd.Flags().StringVar(&ref, "ref", "", "Optional idempotency reference")
	return adjustCmd
}

func newRefundCmd() *cobra.Command {
	var description, ref string
	refundCmd := &cobra.Command{
		Use:   "refund <org-id> <amount-pence>",
		Short: "Refund pence to an organization's wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyManualEntry(cmd.Context(), db.EntryTypeRefund, args[0], args[1], ref, description)
		},
	}
	refundCmd.Flags().StringVar(&description, "description", "operator refund", "Reason for the refund")
	refundCmd.Flags().StringVar(&ref, "ref", "", "Optional idempotency reference")
	return refundCmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation sweep and report drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, err := connect()
			if err != nil {
				return err
			}
			defer database.Close()

			drifts, err := database.FindBalanceDrift(ctx)
			if err != nil {
				return err
			}
			for _, d := range drifts {
				fmt.Printf("DRIFT %s wallet=%d ledger=%d diff=%d\n",
					d.OrgID, d.WalletBalancePence, d.LedgerSumPence,
					d.WalletBalancePence-d.LedgerSumPence)
			}
			if len(drifts) == 0 {
				fmt.Println("No balance drift detected")
			}

			cfg := config.Load()
			requeued, err := database.RequeueStuckWebhookJobs(ctx, cfg.Reconcile.StuckTimeout)
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d stuck jobs\n", requeued)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
