// payload.go: lenient parsing of the two inbound message shapes.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tphakala/birdframe/internal/errors"
)

// NVRDetail is the before/after block of a Frigate event payload. Unknown
// fields are ignored; Frigate adds fields between releases.
type NVRDetail struct {
	ID          string   `json:"id"`
	Camera      string   `json:"camera"`
	Label       string   `json:"label"`
	SubLabel    *string  `json:"sub_label"`
	TopScore    *float64 `json:"top_score"`
	Score       *float64 `json:"score"`
	HasClip     bool     `json:"has_clip"`
	HasSnapshot bool     `json:"has_snapshot"`
	StartTime   float64  `json:"start_time"`
	EndTime     *float64 `json:"end_time"`
}

// NVREvent is one Frigate event bus payload.
type NVREvent struct {
	Type   string     `json:"type"` // new, update, end
	Before *NVRDetail `json:"before"`
	After  *NVRDetail `json:"after"`
}

// ParseNVREvent decodes a Frigate payload. Payloads without an after block
// or an event id are rejected; everything else is tolerated.
func ParseNVREvent(payload []byte) (*NVREvent, error) {
	var evt NVREvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, errors.Newf("malformed NVR payload: %w", err).
			Component("events").
			Category(errors.CategoryEventRouting).
			Build()
	}
	if evt.After == nil || evt.After.ID == "" {
		return nil, errors.Newf("NVR payload missing after.id: %w", errors.ErrInvalidInput).
			Component("events").
			Category(errors.CategoryEventRouting).
			Build()
	}
	return &evt, nil
}

// BestScore returns the upstream object-detection confidence, preferring
// top_score.
func (d *NVRDetail) BestScore() *float64 {
	if d.TopScore != nil {
		return d.TopScore
	}
	return d.Score
}

// AudioDetection is one BirdNET-Go detection. BirdNET-Go marshals its note
// struct without json tags, so the canonical field names are capitalized;
// snake_case variants are accepted for other publishers.
type AudioDetection struct {
	Sensor     string
	Species    string
	Score      float64
	ObservedAt time.Time
}

type audioPayload struct {
	Source         string  `json:"Source"`
	SourceNode     string  `json:"SourceNode"`
	SensorID       string  `json:"sensor_id"`
	CommonName     string  `json:"CommonName"`
	CommonNameAlt  string  `json:"common_name"`
	Confidence     float64 `json:"Confidence"`
	ConfidenceAlt  float64 `json:"confidence"`
	Date           string  `json:"Date"` // 2006-01-02
	Time           string  `json:"Time"` // 15:04:05
	TimestampIso   string  `json:"timestamp"`
	TimestampAlt   string  `json:"Timestamp"`
}

// ParseAudioDetection decodes a BirdNET-Go payload. The sensor falls back to
// the last topic segment when the payload does not carry one; a missing
// timestamp falls back to now.
func ParseAudioDetection(topic string, payload []byte) (*AudioDetection, error) {
	var p audioPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Newf("malformed audio payload: %w", err).
			Component("events").
			Category(errors.CategoryEventRouting).
			Build()
	}

	species := p.CommonName
	if species == "" {
		species = p.CommonNameAlt
	}
	if species == "" {
		return nil, errors.Newf("audio payload missing species: %w", errors.ErrInvalidInput).
			Component("events").
			Category(errors.CategoryEventRouting).
			Build()
	}

	score := p.Confidence
	if score == 0 {
		score = p.ConfidenceAlt
	}

	sensor := p.SensorID
	if sensor == "" {
		sensor = p.SourceNode
	}
	if sensor == "" {
		sensor = p.Source
	}
	if sensor == "" {
		if idx := strings.LastIndex(topic, "/"); idx >= 0 {
			sensor = topic[idx+1:]
		} else {
			sensor = topic
		}
	}

	return &AudioDetection{
		Sensor:     sensor,
		Species:    species,
		Score:      score,
		ObservedAt: parseAudioTime(&p),
	}, nil
}

func parseAudioTime(p *audioPayload) time.Time {
	if p.Date != "" && p.Time != "" {
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", p.Date+" "+p.Time, time.Local); err == nil {
			return t
		}
	}
	for _, raw := range []string{p.TimestampIso, p.TimestampAlt} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Now()
}
