package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/birdframe/cmd/realtime"
	"github.com/tphakala/birdframe/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "birdframe",
		Short:   "BirdFrame bird detection pipeline",
		Long:    "BirdFrame identifies birds on Frigate NVR events, correlates them with BirdNET-Go audio detections and serves the results over HTTP and SSE.",
		Version: settings.Version,
	}

	rootCmd.PersistentFlags().BoolVar(&settings.Debug, "debug", settings.Debug, "enable debug logging")

	rootCmd.AddCommand(realtime.Command(settings))
	return rootCmd
}
