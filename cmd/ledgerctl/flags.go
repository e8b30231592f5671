package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func flagsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Inspect and move the migration flags",
	}
	cmd.AddCommand(flagsListCmd(v))
	cmd.AddCommand(flagsGetCmd(v))
	cmd.AddCommand(flagsSetCmd(v))
	return cmd
}

func flagsListCmd(v *viper.Viper) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every flag with its current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(v, func(ctx context.Context, d deps) error {
				views := d.Flags.List()
				if asJSON {
					return printJSON(cmd.OutOrStdout(), views)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSTATE\tNEXT\tMODIFIED BY")
				for _, view := range views {
					next := make([]string, 0, len(view.Next))
					for _, state := range view.Next {
						next = append(next, string(state))
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", view.Name, view.State, strings.Join(next, ","), view.ModifiedBy)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func flagsGetCmd(v *viper.Viper) *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "get [name]",
		Short: "Show one flag and its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := flagsdomain.ParseName(args[0])
			if err != nil {
				return err
			}
			return withApp(v, func(ctx context.Context, d deps) error {
				view, err := d.Flags.Get(name)
				if err != nil {
					return err
				}
				audits, err := d.Flags.History(ctx, name, history)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"flag":    view,
					"history": audits,
				})
			})
		},
	}
	cmd.Flags().IntVar(&history, "history", 20, "Number of transitions to show")
	return cmd
}

func flagsSetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "set [name] [state]",
		Short: "Move a flag to a new state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorOf(v)
			if err != nil {
				return err
			}
			name, err := flagsdomain.ParseName(args[0])
			if err != nil {
				return err
			}
			state := flagsdomain.State(strings.TrimSpace(args[1]))

			return withApp(v, func(ctx context.Context, d deps) error {
				change, err := d.Flags.SetState(ctx, name, state, actor)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), change)
			})
		},
	}
}
