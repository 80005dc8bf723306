// Package cli handles the command-line interface logic
// using the Cobra library.
package cli

import (
	"log/slog"

	"github.com/BartekS5/tabsync/internal/config"
	"github.com/spf13/cobra"
)

// app carries what every command shares: settings from the environment
// and the process logger.
type app struct {
	cfg *config.Config
	log *slog.Logger
}

func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	a := &app{cfg: cfg, log: log}
	var credentials string

	rootCmd := &cobra.Command{
		Use:   "tabsync",
		Short: "tabsync - pull remote JSON collections into database tables",
		Long: `tabsync fetches paginated collections from JSON APIs and upserts them
into PostgreSQL, SQL Server or MongoDB, creating tables from the inferred
column types. Re-running a pipeline updates rows in place.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if credentials == "" {
				return nil
			}
			return a.cfg.ApplyCredentials(credentials)
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&credentials, "credentials", "", "Path to a {host,port,database,user,password} JSON file for PostgreSQL")

	rootCmd.AddCommand(NewRunCmd(a), NewLoadCmd(a))
	return rootCmd
}
