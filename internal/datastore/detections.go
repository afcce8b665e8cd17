// detections.go: repository operations for detection rows.
package datastore

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/tphakala/birdframe/internal/errors"
)

// Upsert writes a detection keyed on its external event id. The operation is
// atomic: a concurrent reader sees either the full previous row or the full
// new row. The created/updated signal comes from the per-statement update
// count inside the transaction, never from cumulative counts on a pooled
// connection.
func (ds *DataStore) Upsert(ctx context.Context, detection *Detection) (bool, error) {
	if detection.ExternalEventID == "" {
		return false, errors.Newf("detection without external event id: %w", errors.ErrInvalidInput).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}

	created := false
	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Detection
		err := tx.Where("external_event_id = ?", detection.ExternalEventID).First(&existing).Error
		switch {
		case err == nil:
			detection.ID = existing.ID
			detection.CreatedAt = existing.CreatedAt
			if err := tx.Save(detection).Error; err != nil {
				return fmt.Errorf("updating detection %s: %w", detection.ExternalEventID, err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(detection).Error; err != nil {
				return fmt.Errorf("creating detection %s: %w", detection.ExternalEventID, err)
			}
			created = true
		default:
			return fmt.Errorf("looking up detection %s: %w", detection.ExternalEventID, err)
		}
		return nil
	})
	if err != nil {
		return false, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("external_event_id", detection.ExternalEventID).
			Build()
	}
	return created, nil
}

// GetByExternalID returns the detection with the given external event id.
func (ds *DataStore) GetByExternalID(ctx context.Context, externalID string) (*Detection, error) {
	var detection Detection
	err := ds.DB.WithContext(ctx).Where("external_event_id = ?", externalID).First(&detection).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Newf("detection %s: %w", externalID, errors.ErrNotFound).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return nil, errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return &detection, nil
}

// applyFilters narrows a detections query. Timestamps compare
// lexicographically because every write goes through the canonical
// formatter.
func applyFilters(query *gorm.DB, filters *DetectionFilters) *gorm.DB {
	if filters == nil {
		return query.Where("is_hidden = ?", false)
	}
	if !filters.IncludeHidden {
		query = query.Where("is_hidden = ?", false)
	}
	if filters.StartDate != "" {
		query = query.Where("detection_time >= ?", filters.StartDate)
	}
	if filters.EndDate != "" {
		query = query.Where("detection_time <= ?", filters.EndDate)
	}
	if filters.Camera != "" {
		query = query.Where("camera = ?", filters.Camera)
	}
	if filters.Species != "" {
		needle := "%" + strings.ToLower(filters.Species) + "%"
		query = query.Where("LOWER(display_name) LIKE ? OR LOWER(scientific_name) LIKE ?", needle, needle)
	}
	if filters.MinScore > 0 {
		query = query.Where("score >= ?", filters.MinScore)
	}
	if filters.AudioConfirmed != nil {
		query = query.Where("audio_confirmed = ?", *filters.AudioConfirmed)
	}
	if filters.AllowedCameras != nil {
		query = query.Where("camera IN ?", filters.AllowedCameras)
	}
	return query
}

// ValidateListLimit checks a caller-provided limit against the accepted
// range, applying the default for the zero value of an absent parameter.
func ValidateListLimit(limit int, provided bool) (int, error) {
	if !provided {
		return DefaultListLimit, nil
	}
	if limit < 1 || limit > MaxListLimit {
		return 0, errors.Newf("limit must be between 1 and %d: %w", MaxListLimit, errors.ErrInvalidInput).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	return limit, nil
}

// List returns detections matching the filters ordered per sort.
func (ds *DataStore) List(ctx context.Context, filters *DetectionFilters, sort string, limit, offset int) ([]Detection, error) {
	if limit < 1 || limit > MaxListLimit {
		return nil, errors.Newf("limit %d out of range: %w", limit, errors.ErrInvalidInput).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	if offset < 0 {
		offset = 0
	}

	var order string
	switch sort {
	case SortOldest:
		order = "detection_time ASC"
	case SortConfidence:
		order = "score DESC, detection_time DESC"
	case SortNewest, "":
		order = "detection_time DESC"
	default:
		return nil, errors.Newf("unknown sort %q: %w", sort, errors.ErrInvalidInput).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}

	var detections []Detection
	query := applyFilters(ds.DB.WithContext(ctx).Model(&Detection{}), filters)
	if err := query.Order(order).Limit(limit).Offset(offset).Find(&detections).Error; err != nil {
		return nil, errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return detections, nil
}

// Count returns the number of detections matching the filters.
func (ds *DataStore) Count(ctx context.Context, filters *DetectionFilters) (int64, error) {
	var count int64
	query := applyFilters(ds.DB.WithContext(ctx).Model(&Detection{}), filters)
	if err := query.Count(&count).Error; err != nil {
		return 0, errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return count, nil
}

// Patch applies a partial mutation to a detection. A manual relabel always
// sets source to "manual" and resets the score unless the patch carries one.
func (ds *DataStore) Patch(ctx context.Context, externalID string, patch *DetectionPatch) error {
	updates := map[string]any{}
	if patch.IsHidden != nil {
		updates["is_hidden"] = *patch.IsHidden
	}
	if patch.DisplayName != nil {
		updates["display_name"] = *patch.DisplayName
		updates["category_name"] = *patch.DisplayName
		if patch.Source == nil {
			updates["source"] = "manual"
		}
		if patch.Score == nil {
			updates["score"] = 1.0
		}
	}
	if patch.FrigateScore != nil {
		updates["frigate_score"] = *patch.FrigateScore
	}
	if patch.SubLabel != nil {
		updates["sub_label"] = *patch.SubLabel
	}
	if patch.AudioDetected != nil {
		updates["audio_detected"] = *patch.AudioDetected
	}
	if patch.AudioConfirmed != nil {
		updates["audio_confirmed"] = *patch.AudioConfirmed
	}
	if patch.AudioSpecies != nil {
		updates["audio_species"] = *patch.AudioSpecies
	}
	if patch.AudioScore != nil {
		updates["audio_score"] = *patch.AudioScore
	}
	if patch.VideoClassificationStatus != nil {
		updates["video_classification_status"] = *patch.VideoClassificationStatus
	}
	if patch.VideoClassificationLabel != nil {
		updates["video_classification_label"] = *patch.VideoClassificationLabel
	}
	if patch.VideoClassificationScore != nil {
		updates["video_classification_score"] = *patch.VideoClassificationScore
	}
	if patch.Score != nil {
		updates["score"] = *patch.Score
	}
	if patch.Source != nil {
		updates["source"] = *patch.Source
	}
	if len(updates) == 0 {
		return errors.Newf("empty patch: %w", errors.ErrInvalidInput).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}

	return ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Detection
		if err := tx.Where("external_event_id = ?", externalID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Newf("detection %s: %w", externalID, errors.ErrNotFound).
					Component("datastore").
					Category(errors.CategoryNotFound).
					Build()
			}
			return err
		}
		return tx.Model(&Detection{}).
			Where("external_event_id = ?", externalID).
			Updates(updates).Error
	})
}

// DeleteByExternalID removes a detection row.
func (ds *DataStore) DeleteByExternalID(ctx context.Context, externalID string) error {
	result := ds.DB.WithContext(ctx).Where("external_event_id = ?", externalID).Delete(&Detection{})
	if result.Error != nil {
		return errors.New(result.Error).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	if result.RowsAffected == 0 {
		return errors.Newf("detection %s: %w", externalID, errors.ErrNotFound).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Build()
	}
	return nil
}

// SpeciesSummaries aggregates detections per display name.
func (ds *DataStore) SpeciesSummaries(ctx context.Context, filters *DetectionFilters) ([]SpeciesSummary, error) {
	var summaries []SpeciesSummary
	query := applyFilters(ds.DB.WithContext(ctx).Model(&Detection{}), filters)
	err := query.
		Select("display_name, scientific_name, COUNT(*) as count, MAX(score) as max_score, MIN(detection_time) as first_seen, MAX(detection_time) as last_seen").
		Group("display_name, scientific_name").
		Order("count DESC").
		Scan(&summaries).Error
	if err != nil {
		return nil, errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return summaries, nil
}
