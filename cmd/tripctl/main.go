package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serverAddr string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "tripctl",
	Short: "Trip scoring tools",
	Long: `tripctl scores recorded GPS samples offline and queries a running
trip-scorer service for stored trips, statistics and history replays.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "addr", "a", "localhost:50051", "trip-scorer gRPC address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(scoreCmd, tripsCmd, statsCmd, devicesCmd, replayCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
