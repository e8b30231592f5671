package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
	"github.com/smallbiznis/allocledger/internal/ledger/export"
	"github.com/smallbiznis/allocledger/pkg/db/pagination"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func exportCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export ledger data for offline review",
	}
	cmd.AddCommand(exportLinesCmd(v))
	return cmd
}

func exportLinesCmd(v *viper.Viper) *cobra.Command {
	var (
		out            string
		representative string
		method         string
		synthetic      string
	)
	cmd := &cobra.Command{
		Use:   "lines",
		Short: "Write ledger lines to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ledgerdomain.ListLinesRequest{
				Pagination: pagination.Pagination{PageSize: pagination.MaxPageSize},
			}
			representativeID, err := parseOptionalID(representative)
			if err != nil {
				return fmt.Errorf("invalid --representative: %w", err)
			}
			req.RepresentativeID = representativeID
			if method = strings.TrimSpace(method); method != "" {
				parsed, err := ledgerdomain.ParseMethod(method)
				if err != nil {
					return err
				}
				req.Method = &parsed
			}
			if synthetic = strings.TrimSpace(synthetic); synthetic != "" {
				parsed, err := strconv.ParseBool(synthetic)
				if err != nil {
					return fmt.Errorf("invalid --synthetic: %w", err)
				}
				req.Synthetic = &parsed
			}

			return withApp(v, func(ctx context.Context, d deps) error {
				var lines []ledgerdomain.Line
				for {
					resp, err := d.Ledger.ListLines(ctx, req)
					if err != nil {
						return err
					}
					lines = append(lines, resp.Lines...)
					if !resp.PageInfo.HasMore {
						break
					}
					req.PageToken = resp.PageInfo.NextPageToken
				}

				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := export.Lines(f, lines, d.Config.Allocation.CurrencyMinorDigits); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d lines to %s\n", len(lines), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "ledger-lines.xlsx", "Output file")
	cmd.Flags().StringVar(&representative, "representative", "", "Filter by representative")
	cmd.Flags().StringVar(&method, "method", "", "Filter by method (manual, auto, backfill)")
	cmd.Flags().StringVar(&synthetic, "synthetic", "", "Filter by synthetic lines (true or false)")
	return cmd
}
