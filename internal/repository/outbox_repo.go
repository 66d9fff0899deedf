package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, events ...*model.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(events).Error
}

func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*model.OutboxEvent, error) {
	var event model.OutboxEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkDispatched 只有 pending 事件可以被标记，重复投递返回 ErrStaleState
func (r *OutboxRepository) MarkDispatched(ctx context.Context, id string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.OutboxPending).
		Updates(map[string]interface{}{
			"status":        model.OutboxDispatched,
			"dispatched_at": now,
			"attempts":      gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// MarkFailed 记录一次失败，dead 为 true 时不再重试
func (r *OutboxRepository) MarkFailed(ctx context.Context, id, lastError string, dead bool) error {
	status := model.OutboxPending
	if dead {
		status = model.OutboxDead
	}
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.OutboxPending).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastError,
		}).Error
}

// ListStale 返回 before 之前最后一次更新且仍未投递的事件
func (r *OutboxRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.OutboxPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Touch 刷新 updated_at，避免下一轮扫描重复入队
func (r *OutboxRepository) Touch(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id IN ?", ids).
		Update("updated_at", now).Error
}

func (r *OutboxRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("status = ?", status).Count(&count).Error
	return count, err
}
