package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

// AuditRepository 退款审计与运维告警，两张表都只追加
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// RecordRefund 同一任务重复写入时视为成功
func (r *AuditRepository) RecordRefund(ctx context.Context, record *model.RefundAuditRecord) error {
	err := r.db.WithContext(ctx).Create(record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

func (r *AuditRepository) GetRefundByTask(ctx context.Context, taskID string) (*model.RefundAuditRecord, error) {
	var record model.RefundAuditRecord
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// RaiseAlert 告警与其广播事件同事务写入
func (r *AuditRepository) RaiseAlert(ctx context.Context, alert *model.PlatformAlert, event *model.OutboxEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(alert).Error; err != nil {
			return err
		}
		if event == nil {
			return nil
		}
		return tx.Create(event).Error
	})
}

// ListAlerts 按时间倒序，severity 为空时不过滤
func (r *AuditRepository) ListAlerts(ctx context.Context, severity string, page, pageSize int) ([]*model.PlatformAlert, int64, error) {
	var alerts []*model.PlatformAlert
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PlatformAlert{})
	if severity != "" {
		query = query.Where("severity = ?", severity)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&alerts).Error
	return alerts, total, err
}
