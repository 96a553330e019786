package persistence

import (
	"context"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultSyncLogLimit = 100

// GormSyncLogRepository implements crm.SyncLogRepository using GORM
type GormSyncLogRepository struct {
	db *gorm.DB
}

// NewGormSyncLogRepository creates a new GormSyncLogRepository
func NewGormSyncLogRepository(db *gorm.DB) *GormSyncLogRepository {
	return &GormSyncLogRepository{db: db}
}

var _ crm.SyncLogRepository = (*GormSyncLogRepository)(nil)

// Append inserts an audit row
func (r *GormSyncLogRepository) Append(ctx context.Context, log *crm.SyncLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(models.SyncLogModelFromDomain(log)).Error
}

// ListByConnection returns rows of a connection, newest first unless
// the filter names another whitelisted order
func (r *GormSyncLogRepository) ListByConnection(ctx context.Context, connectionID uuid.UUID, filter crm.SyncLogFilter) ([]crm.SyncLog, error) {
	query := r.db.WithContext(ctx).Where("connection_id = ?", connectionID)
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", *filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSyncLogLimit
	}

	var rows []models.SyncLogModel
	if err := query.Order(orderClause(filter.SortBy, filter.SortOrder, SyncLogSortFields, "created_at")).Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]crm.SyncLog, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToDomain()
	}
	return out, nil
}

// CountByStatus aggregates rows of a connection per status
func (r *GormSyncLogRepository) CountByStatus(ctx context.Context, connectionID uuid.UUID) (map[crm.SyncStatus]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&models.SyncLogModel{}).
		Select("status, COUNT(*) AS total").
		Where("connection_id = ?", connectionID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[crm.SyncStatus]int64, len(rows))
	for _, row := range rows {
		out[crm.SyncStatus(row.Status)] = row.Total
	}
	return out, nil
}
