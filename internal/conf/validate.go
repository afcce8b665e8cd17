// validate.go: settings validation applied on load and save.
package conf

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateSettings checks settings for values that would prevent the
// pipeline from starting. Best-effort subsystems (weather, taxonomy) are
// only validated when enabled.
func ValidateSettings(s *Settings) error {
	var problems []string

	if s.Realtime.MQTT.Broker == "" {
		problems = append(problems, "realtime.mqtt.broker must not be empty")
	} else if _, err := url.Parse(s.Realtime.MQTT.Broker); err != nil {
		problems = append(problems, fmt.Sprintf("realtime.mqtt.broker is not a valid URL: %v", err))
	}

	if s.Realtime.Frigate.URL == "" {
		problems = append(problems, "realtime.frigate.url must not be empty")
	} else if u, err := url.Parse(s.Realtime.Frigate.URL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "realtime.frigate.url must be an absolute URL")
	}

	if t := s.Realtime.Classifier.Threshold; t < 0 || t > 1 {
		problems = append(problems, "realtime.classifier.threshold must be between 0 and 1")
	}
	if c := s.Realtime.Classifier.MinConfidence; c < 0 || c > 1 {
		problems = append(problems, "realtime.classifier.minconfidence must be between 0 and 1")
	}

	if s.Realtime.Audio.BufferHours <= 0 {
		problems = append(problems, "realtime.audio.bufferhours must be positive")
	}
	if s.Realtime.Audio.CorrelationWindow <= 0 {
		problems = append(problems, "realtime.audio.correlationwindow must be positive")
	}

	if s.Realtime.VideoAnalysis.MaxFrames <= 0 {
		problems = append(problems, "realtime.videoanalysis.maxframes must be positive")
	}

	if s.Realtime.RetentionDays < 0 {
		problems = append(problems, "realtime.retentiondays must not be negative")
	}

	if s.Realtime.Weather.Enabled {
		if s.Realtime.Weather.APIKey == "" {
			problems = append(problems, "realtime.weather.apikey is required when weather is enabled")
		}
		if lat := s.Realtime.Weather.Latitude; lat < -90 || lat > 90 {
			problems = append(problems, "realtime.weather.latitude must be between -90 and 90")
		}
		if lon := s.Realtime.Weather.Longitude; lon < -180 || lon > 180 {
			problems = append(problems, "realtime.weather.longitude must be between -180 and 180")
		}
	}

	if s.Realtime.Taxonomy.Enabled && s.Realtime.Taxonomy.APIKey == "" {
		problems = append(problems, "realtime.taxonomy.apikey is required when taxonomy is enabled")
	}

	if !s.Output.SQLite.Enabled && !s.Output.MySQL.Enabled {
		problems = append(problems, "at least one of output.sqlite or output.mysql must be enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid settings:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
