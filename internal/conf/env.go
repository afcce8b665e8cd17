// env.go: environment variable overrides. Environment always wins over the
// persisted config file, which wins over built-in defaults.
package conf

import (
	"os"
	"strconv"
)

// applyEnvOverrides applies well-known environment variables on top of the
// unmarshaled settings.
func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("FRIGATE_URL"); v != "" {
		s.Realtime.Frigate.URL = v
	}
	if v := os.Getenv("FRIGATE_AUTH_TOKEN"); v != "" {
		s.Realtime.Frigate.AuthToken = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		s.Realtime.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		s.Realtime.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		s.Realtime.MQTT.Password = v
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			s.Realtime.RetentionDays = days
		}
	}
	if v := os.Getenv("BIRDFRAME_PORT"); v != "" {
		s.WebServer.Port = v
	}
	if v := os.Getenv("BIRDFRAME_JWT_SECRET"); v != "" {
		s.Security.JWTSecret = v
	}
}
