// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdframe/internal/conf"
)

// Sort orders accepted by List.
const (
	SortNewest     = "newest"
	SortOldest     = "oldest"
	SortConfidence = "confidence"
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// DetectionFilters narrows List and Count queries. Zero values mean "no
// constraint" except IncludeHidden, which defaults to excluding hidden rows.
type DetectionFilters struct {
	StartDate      string // canonical timestamp lower bound, inclusive
	EndDate        string // canonical timestamp upper bound, inclusive
	Camera         string
	Species        string // matches display name or scientific name
	MinScore       float64
	AudioConfirmed *bool
	IncludeHidden  bool
	AllowedCameras []string // non-nil restricts to these cameras (guest view)
}

// DetectionPatch carries partial mutations applied by Patch. Nil fields are
// left untouched.
type DetectionPatch struct {
	IsHidden    *bool
	DisplayName *string // manual relabel; also sets Source to "manual"

	// Upstream NVR metadata refresh on update payloads.
	FrigateScore *float64
	SubLabel     *string

	AudioDetected  *bool
	AudioConfirmed *bool
	AudioSpecies   *string
	AudioScore     *float64

	VideoClassificationStatus *string
	VideoClassificationLabel  *string
	VideoClassificationScore  *float64

	// Promotion of a video or manual result to the primary label.
	Score  *float64
	Source *string
}

// Interface abstracts the underlying database implementation and defines the
// interface for database operations.
type Interface interface {
	Open() error
	Close() error

	// Detections
	Upsert(ctx context.Context, detection *Detection) (created bool, err error)
	GetByExternalID(ctx context.Context, externalID string) (*Detection, error)
	List(ctx context.Context, filters *DetectionFilters, sort string, limit, offset int) ([]Detection, error)
	Count(ctx context.Context, filters *DetectionFilters) (int64, error)
	Patch(ctx context.Context, externalID string, patch *DetectionPatch) error
	DeleteByExternalID(ctx context.Context, externalID string) error

	// Aggregates
	SpeciesSummaries(ctx context.Context, filters *DetectionFilters) ([]SpeciesSummary, error)
	DailySummary(ctx context.Context, start, end string) ([]DailySummaryRow, error)
	ActivityHeatmap(ctx context.Context, start, end string) ([]HeatmapCell, error)

	// Taxonomy cache
	GetTaxonomy(ctx context.Context, scientificName string) (*TaxonomyEntry, error)
	SaveTaxonomy(ctx context.Context, entry *TaxonomyEntry) error

	// Audio projection
	SaveAudioEvent(ctx context.Context, event *AudioEvent) error
	AudioEventsSince(ctx context.Context, since time.Time) ([]AudioEvent, error)

	// Maintenance
	PruneOlderThan(ctx context.Context, cutoff time.Time) (detections, audioEvents int64, err error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new datastore instance based on the provided configuration.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// performAutoMigration runs GORM auto-migration for all models.
func performAutoMigration(db *gorm.DB) error {
	return db.AutoMigrate(&Detection{}, &TaxonomyEntry{}, &AudioEvent{})
}
