package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func maintenanceCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run the scheduled maintenance jobs by hand",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the invariant sweep and cache repair once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(v, func(ctx context.Context, d deps) error {
				if err := d.Maint.RunOnce(ctx); err != nil {
					return err
				}
				report, err := d.Checker.Check(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.OK() {
					return fmt.Errorf("%d invariant violations remain", len(report.Violations))
				}
				return nil
			})
		},
	}
	run.Flags().StringSlice("jobs", nil, "Jobs to run (invariant_sweep, cache_repair); empty runs all")
	_ = v.BindPFlag("maintenance.jobs", run.Flags().Lookup("jobs"))

	cmd.AddCommand(run)
	return cmd
}
