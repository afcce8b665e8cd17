// analytics.go: summary and heatmap queries for the dashboard.
package datastore

import (
	"context"

	"github.com/tphakala/birdframe/internal/errors"
)

// DailySummary aggregates detection counts per calendar day within the
// canonical-timestamp range [start, end]. The date is derived from the
// canonical timestamp's leading 10 characters, which is valid because the
// format is fixed.
func (ds *DataStore) DailySummary(ctx context.Context, start, end string) ([]DailySummaryRow, error) {
	var rows []DailySummaryRow
	query := ds.DB.WithContext(ctx).Model(&Detection{}).Where("is_hidden = ?", false)
	if start != "" {
		query = query.Where("detection_time >= ?", start)
	}
	if end != "" {
		query = query.Where("detection_time <= ?", end)
	}
	err := query.
		Select("SUBSTR(detection_time, 1, 10) as date, COUNT(*) as count, COUNT(DISTINCT display_name) as species_count").
		Group("SUBSTR(detection_time, 1, 10)").
		Order("date ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return rows, nil
}

// ActivityHeatmap aggregates detection counts per day and hour. Hour is the
// canonical timestamp's characters 12-13.
func (ds *DataStore) ActivityHeatmap(ctx context.Context, start, end string) ([]HeatmapCell, error) {
	var cells []HeatmapCell
	query := ds.DB.WithContext(ctx).Model(&Detection{}).Where("is_hidden = ?", false)
	if start != "" {
		query = query.Where("detection_time >= ?", start)
	}
	if end != "" {
		query = query.Where("detection_time <= ?", end)
	}
	err := query.
		Select("SUBSTR(detection_time, 1, 10) as date, CAST(SUBSTR(detection_time, 12, 2) AS INTEGER) as hour, COUNT(*) as count").
		Group("date, hour").
		Order("date ASC, hour ASC").
		Scan(&cells).Error
	if err != nil {
		return nil, errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	return cells, nil
}
