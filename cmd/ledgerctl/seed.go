package main

import (
	"context"
	"errors"

	"github.com/smallbiznis/allocledger/internal/seed"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func seedCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert fixture data into a development store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "demo",
		Short: "Seed one representative with legacy payments and open invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(v, func(ctx context.Context, d deps) error {
				if d.Config.IsProduction() {
					return errors.New("refusing to seed a production environment")
				}
				result, err := seed.Demo(ctx, d.DB, d.Node, d.Clock.Now())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	})
	return cmd
}
