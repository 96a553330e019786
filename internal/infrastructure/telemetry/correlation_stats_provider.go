package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormCorrelationStatsProvider implements CorrelationStatsProvider with
// aggregate queries over the correlation and sync log tables.
type GormCorrelationStatsProvider struct {
	db *gorm.DB
}

// NewGormCorrelationStatsProvider creates a new GormCorrelationStatsProvider.
func NewGormCorrelationStatsProvider(db *gorm.DB) *GormCorrelationStatsProvider {
	return &GormCorrelationStatsProvider{db: db}
}

type connectionCount struct {
	ConnectionID uuid.UUID `gorm:"column:connection_id"`
	Total        int64     `gorm:"column:total"`
}

func toCountMap(rows []connectionCount) map[uuid.UUID]int64 {
	m := make(map[uuid.UUID]int64, len(rows))
	for _, r := range rows {
		m[r.ConnectionID] = r.Total
	}
	return m
}

// CorrelationsByConnection returns the number of correlation entries per connection.
func (p *GormCorrelationStatsProvider) CorrelationsByConnection(ctx context.Context) (map[uuid.UUID]int64, error) {
	var rows []connectionCount
	err := p.db.WithContext(ctx).
		Table("crm_external_ids").
		Select("connection_id, COUNT(*) AS total").
		Group("connection_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toCountMap(rows), nil
}

// FailuresSince returns failed sync log entries per connection created after since.
func (p *GormCorrelationStatsProvider) FailuresSince(ctx context.Context, since time.Time) (map[uuid.UUID]int64, error) {
	var rows []connectionCount
	err := p.db.WithContext(ctx).
		Table("crm_sync_logs").
		Select("connection_id, COUNT(*) AS total").
		Where("status = ? AND created_at >= ?", "Failed", since).
		Group("connection_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toCountMap(rows), nil
}
