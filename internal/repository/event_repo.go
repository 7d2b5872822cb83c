package repository

import (
	"context"
	"time"

	"creatorwallet/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessedEventRepository 渠道回调去重表
type ProcessedEventRepository struct {
	db *gorm.DB
}

func NewProcessedEventRepository(db *gorm.DB) *ProcessedEventRepository {
	return &ProcessedEventRepository{db: db}
}

// TryMark 记录事件ID；已存在返回 false。与结果应用放在同一个事务里保证恰好一次
func (r *ProcessedEventRepository) TryMark(ctx context.Context, tx *gorm.DB, eventID, eventType string, now, expiresAt time.Time) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&model.ProcessedEvent{
			EventID:     eventID,
			EventType:   eventType,
			ProcessedAt: now,
			ExpiresAt:   expiresAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *ProcessedEventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	return count > 0, err
}

// DeleteExpired 清理超出保留窗口的记录
func (r *ProcessedEventRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.ProcessedEvent{}).
		Where("expires_at < ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("event_id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	result := r.db.WithContext(ctx).
		Where("event_id IN ?", ids).
		Delete(&model.ProcessedEvent{})
	return result.RowsAffected, result.Error
}
