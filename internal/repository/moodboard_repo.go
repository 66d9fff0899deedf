package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

type MoodboardRepository struct {
	db *gorm.DB
}

func NewMoodboardRepository(db *gorm.DB) *MoodboardRepository {
	return &MoodboardRepository{db: db}
}

func (r *MoodboardRepository) GetByID(ctx context.Context, id int64) (*model.MoodboardItem, error) {
	var item model.MoodboardItem
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ApplyEnhancement 回写增强结果，同一任务重复回写结果不变
func (r *MoodboardRepository) ApplyEnhancement(ctx context.Context, itemID int64, taskID, url string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.MoodboardItem{}).
		Where("id = ?", itemID).
		Updates(map[string]interface{}{
			"enhanced_image_url":  url,
			"enhancement_task_id": taskID,
			"enhanced_at":         at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListLocalEnhancements OSS 不可用时结果落在本地目录，这些条目的 URL 是本地路径
func (r *MoodboardRepository) ListLocalEnhancements(ctx context.Context, limit int) ([]*model.MoodboardItem, error) {
	var items []*model.MoodboardItem
	err := r.db.WithContext(ctx).
		Where("enhanced_image_url <> '' AND enhanced_image_url NOT LIKE ?", "http%").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// ReplaceEnhancedURL 仅当 URL 仍为 from 时替换，期间被新任务覆盖则返回 ErrStaleState
func (r *MoodboardRepository) ReplaceEnhancedURL(ctx context.Context, itemID int64, from, to string) error {
	res := r.db.WithContext(ctx).Model(&model.MoodboardItem{}).
		Where("id = ? AND enhanced_image_url = ?", itemID, from).
		Update("enhanced_image_url", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}
