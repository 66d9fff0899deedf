package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

var deductionTypes = []model.TransactionType{model.TxUserDeduction, model.TxPlatformDeduction}

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*model.CreditTransaction, error) {
	var entry model.CreditTransaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeductionForTask 返回任务对应的那条扣减流水（用户或平台池）
func (r *TransactionRepository) DeductionForTask(ctx context.Context, taskID string) (*model.CreditTransaction, error) {
	var entry model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("task_id = ? AND type IN ?", taskID, deductionTypes).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListByUser 按时间倒序返回用户流水
func (r *TransactionRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.CreditTransaction, error) {
	var entries []*model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
