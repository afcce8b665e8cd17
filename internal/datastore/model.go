// model.go this code defines the data model for the application
package datastore

import "time"

// canonicalTimeLayout is the single timestamp format used for every
// detection_time write and comparison. It is UTC, millisecond precision and
// lexicographically sortable, so range queries can compare strings directly.
const canonicalTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical storage format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(canonicalTimeLayout)
}

// ParseTime parses a canonical storage timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(canonicalTimeLayout, s)
}

// Detection represents a single bird detection produced by the pipeline.
// The external event id assigned by the NVR is the logical key; all writes
// are upserts on it.
type Detection struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	ExternalEventID string `gorm:"uniqueIndex:idx_detections_event_id;size:64" json:"external_event_id"`
	Camera          string `gorm:"index:idx_detections_camera" json:"camera"`
	DetectionTime   string `gorm:"index:idx_detections_time;size:32" json:"detection_time"`

	DisplayName  string  `gorm:"index:idx_detections_display_name" json:"display_name"`
	CategoryName string  `json:"category_name"`
	Score        float64 `gorm:"index:idx_detections_score" json:"score"`
	Source       string  `gorm:"size:16" json:"source"` // snapshot, video, frigate, manual

	FrigateScore *float64 `json:"frigate_score"`
	SubLabel     *string  `json:"sub_label"`

	AudioDetected  bool     `json:"audio_detected"`
	AudioConfirmed bool     `json:"audio_confirmed"`
	AudioSpecies   *string  `json:"audio_species"`
	AudioScore     *float64 `json:"audio_score"`

	VideoClassificationStatus string   `gorm:"size:16;default:none" json:"video_classification_status"` // none, in_progress, completed, failed
	VideoClassificationLabel  *string  `json:"video_classification_label"`
	VideoClassificationScore  *float64 `json:"video_classification_score"`

	Temperature      *float64 `json:"temperature"`
	WeatherCondition *string  `json:"weather_condition"`
	WindSpeed        *float64 `json:"wind_speed"`
	CloudCover       *int     `json:"cloud_cover"`
	Precipitation    *float64 `json:"precipitation"`

	ScientificName *string `json:"scientific_name"`
	CommonName     *string `json:"common_name"`
	TaxaID         *int64  `json:"taxa_id"`

	IsHidden bool `gorm:"index:idx_detections_hidden;default:false" json:"is_hidden"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaxonomyEntry caches taxonomy lookups keyed by scientific name.
type TaxonomyEntry struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ScientificName string    `gorm:"uniqueIndex:idx_taxonomy_sciname;size:128" json:"scientific_name"`
	CommonName     string    `json:"common_name"`
	TaxaID         int64     `json:"taxa_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AudioEvent is the durable projection of audio detections received from
// BirdNET-Go. The audio correlator keeps its own in-memory ring; this table
// lets a restart rebuild audio context for new detections.
type AudioEvent struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	SensorID   string  `gorm:"index:idx_audio_sensor_time;size:64" json:"sensor_id"`
	Species    string  `json:"species"`
	Score      float64 `json:"score"`
	ObservedAt string  `gorm:"index:idx_audio_sensor_time;size:32" json:"observed_at"`
}

// SpeciesSummary aggregates detections per display name.
type SpeciesSummary struct {
	DisplayName    string  `json:"display_name"`
	ScientificName *string `json:"scientific_name"`
	Count          int64   `json:"count"`
	MaxScore       float64 `json:"max_score"`
	FirstSeen      string  `json:"first_seen"`
	LastSeen       string  `json:"last_seen"`
}

// DailySummaryRow aggregates detections per calendar day.
type DailySummaryRow struct {
	Date         string `json:"date"`
	Count        int64  `json:"count"`
	SpeciesCount int64  `json:"species_count"`
}

// HeatmapCell is one hour bucket of the activity heatmap.
type HeatmapCell struct {
	Date  string `json:"date"`
	Hour  int    `json:"hour"`
	Count int64  `json:"count"`
}
