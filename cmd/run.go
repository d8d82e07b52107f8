package cmd

import (
	"log"

	"github.com/soundcord/soundcord/soundcord"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Soundcord bot and (optionally) the web API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := soundcord.New(cfg)
		if err != nil {
			log.Fatalf("error creating soundcord: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running soundcord: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
