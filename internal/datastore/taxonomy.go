// taxonomy.go: taxonomy cache CRUD.
package datastore

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/birdframe/internal/errors"
)

// GetTaxonomy returns the cached taxonomy entry for a scientific name.
func (ds *DataStore) GetTaxonomy(ctx context.Context, scientificName string) (*TaxonomyEntry, error) {
	var entry TaxonomyEntry
	err := ds.DB.WithContext(ctx).Where("scientific_name = ?", scientificName).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Newf("taxonomy %s: %w", scientificName, errors.ErrNotFound).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return nil, errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return &entry, nil
}

// SaveTaxonomy creates or refreshes a taxonomy entry keyed on the
// scientific name.
func (ds *DataStore) SaveTaxonomy(ctx context.Context, entry *TaxonomyEntry) error {
	err := ds.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scientific_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"common_name", "taxa_id", "updated_at"}),
	}).Create(entry).Error
	if err != nil {
		return errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return nil
}
