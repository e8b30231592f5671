package main

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the payment allocation ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfigFile(v)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Config file (yaml, json or toml)")
	flags.String("database-type", "", "Database type (postgres, mysql, sqlite)")
	flags.String("database-host", "", "Database host")
	flags.String("database-port", "", "Database port")
	flags.String("database-name", "", "Database name or sqlite file")
	flags.String("database-user", "", "Database user")
	flags.String("database-password", "", "Database password")
	flags.String("redis-addr", "", "Redis address for the backfill lock")
	flags.Bool("auto-migrate", false, "Create missing tables before running")
	flags.String("log-level", "warn", "Log level written to stderr")
	flags.String("actor", defaultActor(), "Operator recorded in audit trails")

	for _, name := range []string{
		"config",
		"database-type",
		"database-host",
		"database-port",
		"database-name",
		"database-user",
		"database-password",
		"redis-addr",
		"auto-migrate",
		"log-level",
		"actor",
	} {
		_ = v.BindPFlag(configKey(name), flags.Lookup(name))
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	root.AddCommand(backfillCmd(v))
	root.AddCommand(cacheCmd(v))
	root.AddCommand(flagsCmd(v))
	root.AddCommand(checkCmd(v))
	root.AddCommand(exportCmd(v))
	root.AddCommand(seedCmd(v))
	root.AddCommand(maintenanceCmd(v))

	return root
}

// configKey maps a flag name to its viper key, so database-host binds to
// database.host and reads DATABASE_HOST from the environment.
func configKey(flag string) string {
	return strings.ReplaceAll(flag, "-", ".")
}

func readConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "ledgerctl:" + u.Username
	}
	return "ledgerctl"
}
