package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func cacheCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the invoice balance cache",
	}
	cmd.AddCommand(cacheRebuildCmd(v))
	return cmd
}

func cacheRebuildCmd(v *viper.Viper) *cobra.Command {
	var (
		req            balancedomain.RebuildRequest
		representative string
		drop           bool
	)
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute cached balances from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorOf(v)
			if err != nil {
				return err
			}
			representativeID, err := parseOptionalID(representative)
			if err != nil {
				return fmt.Errorf("invalid --representative: %w", err)
			}
			req.RepresentativeID = representativeID

			return withApp(v, func(ctx context.Context, d deps) error {
				var dropped int64
				if drop {
					dropped, err = d.Balance.Drop(ctx, representativeID)
					if err != nil {
						return err
					}
				}
				result, err := d.Balance.RecomputeAll(ctx, req)
				if err != nil {
					return err
				}
				result.Dropped = dropped

				metadata := map[string]any{
					"processed": result.Processed,
					"anomalies": result.Anomalies,
					"dropped":   dropped,
				}
				if representativeID != nil {
					metadata["representative_id"] = representativeID.String()
				}
				recordAudit(ctx, d, actor, auditdomain.ActionCacheRebuilt, "balance_cache", metadata)
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&representative, "representative", "", "Only rebuild invoices of this representative")
	cmd.Flags().IntVar(&req.BatchSize, "batch-size", 0, "Invoices per batch (0 uses the default)")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "Stop after this many invoices (0 rebuilds all)")
	cmd.Flags().DurationVar(&req.Sleep, "sleep", 0, "Pause between batches")
	cmd.Flags().BoolVar(&drop, "drop", false, "Delete cached rows before rebuilding")
	return cmd
}

func parseOptionalID(value string) (*snowflake.ID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	id, err := snowflake.ParseString(value)
	if err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, errors.New("id must be positive")
	}
	return &id, nil
}
