package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.UserCreditAccount, error) {
	var account model.UserCreditAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Create 并发创建时返回 gorm.ErrDuplicatedKey
func (r *AccountRepository) Create(ctx context.Context, account *model.UserCreditAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

// Consume 余额充足时原子扣减并写入扣减流水，返回扣减后的余额
func (r *AccountRepository) Consume(ctx context.Context, userID, credits int64, entry *model.CreditTransaction) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.UserCreditAccount{}).
			Where("user_id = ? AND current_balance >= ?", userID, credits).
			Updates(map[string]interface{}{
				"current_balance":     gorm.Expr("current_balance - ?", credits),
				"consumed_this_month": gorm.Expr("consumed_this_month + ?", credits),
				"lifetime_consumed":   gorm.Expr("lifetime_consumed + ?", credits),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBalance
		}

		var err error
		if balance, err = currentBalance(tx, userID); err != nil {
			return err
		}
		entry.BalanceAfter = balance
		return tx.Create(entry).Error
	})
	return balance, err
}

// Refund 按任务退款，同一任务只会落账一次。
// 已退过款时返回既有流水且 applied=false，不做任何修改
func (r *AccountRepository) Refund(ctx context.Context, userID int64, taskID string, credits int64, entry *model.CreditTransaction) (*model.CreditTransaction, bool, error) {
	var result *model.CreditTransaction
	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findRefund(tx, taskID)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		// consumed_this_month 不低于 0，GREATEST 在 SQLite 上不可用
		consumed := gorm.Expr("CASE WHEN consumed_this_month > ? THEN consumed_this_month - ? ELSE 0 END", credits, credits)
		res := tx.Model(&model.UserCreditAccount{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"current_balance":     gorm.Expr("current_balance + ?", credits),
				"consumed_this_month": consumed,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		balance, err := currentBalance(tx, userID)
		if err != nil {
			return err
		}
		entry.TaskID = &taskID
		entry.BalanceAfter = balance
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		result = entry
		applied = true
		return nil
	})

	// 并发退款在唯一索引上冲突，回滚后读取胜出的那条
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, findErr := findRefund(r.db.WithContext(ctx), taskID)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}

// ResetIfDue 上次重置早于 monthStart 时恢复为整月额度，返回是否执行了重置
func (r *AccountRepository) ResetIfDue(ctx context.Context, userID int64, tier string, allowance int64, monthStart, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.UserCreditAccount{}).
		Where("user_id = ? AND last_reset_at < ?", userID, monthStart).
		Updates(resetFields(tier, allowance, now))
	return res.RowsAffected > 0, res.Error
}

// Reset 无条件把账户恢复为给定档位的整月额度（绝对值，不累加）
func (r *AccountRepository) Reset(ctx context.Context, userID int64, tier string, allowance int64, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.UserCreditAccount{}).
		Where("user_id = ?", userID).
		Updates(resetFields(tier, allowance, now))
	return res.RowsAffected > 0, res.Error
}

// ListAfter 按 user_id 升序分批读取账户，afterUserID 为上一批最后一个
func (r *AccountRepository) ListAfter(ctx context.Context, afterUserID int64, limit int) ([]*model.UserCreditAccount, error) {
	var accounts []*model.UserCreditAccount
	err := r.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *AccountRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.UserCreditAccount{}).Count(&count).Error
	return count, err
}

func resetFields(tier string, allowance int64, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"subscription_tier":   tier,
		"monthly_allowance":   allowance,
		"current_balance":     allowance,
		"consumed_this_month": 0,
		"last_reset_at":       now,
	}
}

func currentBalance(tx *gorm.DB, userID int64) (int64, error) {
	var account model.UserCreditAccount
	if err := tx.Select("current_balance").Where("user_id = ?", userID).First(&account).Error; err != nil {
		return 0, err
	}
	return account.CurrentBalance, nil
}

func findRefund(tx *gorm.DB, taskID string) (*model.CreditTransaction, error) {
	var entry model.CreditTransaction
	err := tx.Where("task_id = ? AND type = ?", taskID, model.TxRefund).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
