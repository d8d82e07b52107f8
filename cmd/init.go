package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/soundcord/soundcord/soundcord"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and sound data directory",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("database_type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}
		// Run database migrations
		if _, err := soundcord.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
		); err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		if err := os.MkdirAll(cfg.Sounds.DataDir, 0o755); err != nil {
			log.Fatalf("Error creating sound data directory: %v", err)
		}

		fmt.Fprintln(
			cmd.OutOrStdout(),
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
