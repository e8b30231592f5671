package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/allocledger/internal/invariant"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func checkCmd(v *viper.Viper) *cobra.Command {
	var invoice string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify ledger invariants and exit non-zero on violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := parseOptionalID(invoice)
			if err != nil {
				return fmt.Errorf("invalid --invoice: %w", err)
			}
			return withApp(v, func(ctx context.Context, d deps) error {
				var (
					report invariant.Report
					err    error
				)
				if invoiceID != nil {
					report, err = d.Checker.CheckInvoice(ctx, *invoiceID)
				} else {
					report, err = d.Checker.Check(ctx)
				}
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.OK() {
					return fmt.Errorf("%d invariant violations", len(report.Violations))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&invoice, "invoice", "", "Only check one invoice")
	return cmd
}
