// audio.go: durable projection of BirdNET-Go audio detections.
package datastore

import (
	"context"
	"time"

	"github.com/tphakala/birdframe/internal/errors"
)

// SaveAudioEvent appends an audio detection to the durable projection.
func (ds *DataStore) SaveAudioEvent(ctx context.Context, event *AudioEvent) error {
	if err := ds.DB.WithContext(ctx).Create(event).Error; err != nil {
		return errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return nil
}

// AudioEventsSince returns audio events observed at or after the given time,
// oldest first. Used to rehydrate the correlator ring on startup.
func (ds *DataStore) AudioEventsSince(ctx context.Context, since time.Time) ([]AudioEvent, error) {
	var events []AudioEvent
	err := ds.DB.WithContext(ctx).
		Where("observed_at >= ?", FormatTime(since)).
		Order("observed_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return events, nil
}

// PruneOlderThan removes detections and audio projection rows older than the
// cutoff. Both tables share the same retention window.
func (ds *DataStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	canonical := FormatTime(cutoff)

	detResult := ds.DB.WithContext(ctx).Where("detection_time < ?", canonical).Delete(&Detection{})
	if detResult.Error != nil {
		return 0, 0, errors.New(detResult.Error).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	audioResult := ds.DB.WithContext(ctx).Where("observed_at < ?", canonical).Delete(&AudioEvent{})
	if audioResult.Error != nil {
		return detResult.RowsAffected, 0, errors.New(audioResult.Error).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return detResult.RowsAffected, audioResult.RowsAffected, nil
}
