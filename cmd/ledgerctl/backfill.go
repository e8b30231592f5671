package main

import (
	"context"

	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	backfilldomain "github.com/smallbiznis/allocledger/internal/backfill/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func backfillCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Retrofit ledger lines for legacy allocations",
	}
	cmd.AddCommand(backfillDryRunCmd(v))
	cmd.AddCommand(backfillActiveCmd(v))
	cmd.AddCommand(backfillOrphansCmd(v))
	return cmd
}

func backfillDryRunCmd(v *viper.Viper) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Count legacy allocations that would get a ledger line",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(v, func(ctx context.Context, d deps) error {
				result, err := d.Backfill.DryRun(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Sample size (0 uses the configured cap)")
	return cmd
}

func backfillActiveCmd(v *viper.Viper) *cobra.Command {
	var req backfilldomain.ActiveRequest
	cmd := &cobra.Command{
		Use:   "active",
		Short: "Insert synthetic ledger lines for legacy allocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorOf(v)
			if err != nil {
				return err
			}
			return withApp(v, func(ctx context.Context, d deps) error {
				result, err := d.Backfill.Active(ctx, req)
				if err != nil {
					return err
				}
				recordAudit(ctx, d, actor, auditdomain.ActionBackfillActive, "payment_allocations", map[string]any{
					"inserted": result.Inserted,
					"skipped":  result.Skipped,
					"failed":   result.Failed,
					"batches":  result.Batches,
				})
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().IntVar(&req.BatchSize, "batch-size", 0, "Rows per batch (0 uses the configured size)")
	cmd.Flags().IntVar(&req.MaxBatches, "max-batches", 0, "Stop after this many batches (0 runs to completion)")
	cmd.Flags().DurationVar(&req.Sleep, "sleep", 0, "Pause between batches (0 uses the configured pause)")
	return cmd
}

func backfillOrphansCmd(v *viper.Viper) *cobra.Command {
	var req backfilldomain.OrphanRequest
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Distribute allocated payments that never referenced an invoice",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorOf(v)
			if err != nil {
				return err
			}
			return withApp(v, func(ctx context.Context, d deps) error {
				result, err := d.Backfill.DistributePartialOrphans(ctx, req)
				if err != nil {
					return err
				}
				recordAudit(ctx, d, actor, auditdomain.ActionBackfillOrphans, "payment_allocations", map[string]any{
					"payments":         result.Payments,
					"lines":            result.Lines,
					"unplaced":         result.Unplaced,
					"touched_invoices": result.TouchedInvoices,
				})
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().IntVar(&req.PaymentLimit, "payment-limit", 0, "Orphan payments per run (0 uses the configured limit)")
	cmd.Flags().IntVar(&req.InvoiceBatchLimit, "invoice-limit", 0, "Open invoices considered per payment (0 uses the configured limit)")
	return cmd
}
