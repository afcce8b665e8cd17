package realtime

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/realtime"
)

// Command creates the realtime pipeline command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Run the detection pipeline",
		Long:  "Subscribe to NVR and audio events, classify detections and serve the API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return realtime.Run(settings)
		},
	}

	cmd.Flags().StringVar(&settings.WebServer.Port, "port", settings.WebServer.Port, "HTTP listen port")
	cmd.Flags().StringVar(&settings.Realtime.MQTT.Broker, "broker", settings.Realtime.MQTT.Broker, "MQTT broker URL")
	cmd.Flags().StringVar(&settings.Realtime.Frigate.URL, "frigate", settings.Realtime.Frigate.URL, "Frigate base URL")
	return cmd
}
