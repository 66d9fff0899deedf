package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

type PoolRepository struct {
	db *gorm.DB
}

func NewPoolRepository(db *gorm.DB) *PoolRepository {
	return &PoolRepository{db: db}
}

func (r *PoolRepository) GetByProvider(ctx context.Context, provider string) (*model.PlatformCreditPool, error) {
	var pool model.PlatformCreditPool
	err := r.db.WithContext(ctx).Where("provider = ?", provider).First(&pool).Error
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (r *PoolRepository) List(ctx context.Context) ([]*model.PlatformCreditPool, error) {
	var pools []*model.PlatformCreditPool
	err := r.db.WithContext(ctx).Order("id ASC").Find(&pools).Error
	return pools, err
}

// Ensure 按 provider 取池，不存在时用 seed 创建
func (r *PoolRepository) Ensure(ctx context.Context, seed *model.PlatformCreditPool) (*model.PlatformCreditPool, error) {
	var pool model.PlatformCreditPool
	err := r.db.WithContext(ctx).Where("provider = ?", seed.Provider).Attrs(*seed).FirstOrCreate(&pool).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return r.GetByProvider(ctx, seed.Provider)
	}
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

// Consume 平台池余额充足且处于 active 时原子扣减并写入扣减流水，返回扣减后的池余额
func (r *PoolRepository) Consume(ctx context.Context, provider string, credits int64, entry *model.CreditTransaction) (int64, error) {
	var available int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.PlatformCreditPool{}).
			Where("provider = ? AND status = ? AND available_balance >= ?", provider, model.PoolStatusActive, credits).
			Update("available_balance", gorm.Expr("available_balance - ?", credits))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBalance
		}

		var err error
		if available, err = poolBalance(tx, provider); err != nil {
			return err
		}
		entry.BalanceAfter = available
		return tx.Create(entry).Error
	})
	return available, err
}

// Credit 采购到账，返回到账后的池余额
func (r *PoolRepository) Credit(ctx context.Context, provider string, credits int64, now time.Time) (int64, error) {
	var available int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		available, err = creditPool(tx, provider, credits, now)
		return err
	})
	return available, err
}

// PendingPurchase 返回该 provider 尚未审批的采购单
func (r *PoolRepository) PendingPurchase(ctx context.Context, provider string) (*model.PoolPurchaseRequest, error) {
	var req model.PoolPurchaseRequest
	err := r.db.WithContext(ctx).
		Where("provider = ? AND status = ?", provider, model.PurchaseStatusPending).
		Order("id ASC").First(&req).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *PoolRepository) CreatePurchase(ctx context.Context, req *model.PoolPurchaseRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *PoolRepository) GetPurchase(ctx context.Context, id int64) (*model.PoolPurchaseRequest, error) {
	var req model.PoolPurchaseRequest
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&req).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ApprovePurchase 审批采购单并把积分计入对应池，同一采购单只会入账一次
func (r *PoolRepository) ApprovePurchase(ctx context.Context, id int64, now time.Time) (*model.PoolPurchaseRequest, error) {
	var req model.PoolPurchaseRequest
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&req).Error; err != nil {
			return err
		}

		res := tx.Model(&model.PoolPurchaseRequest{}).
			Where("id = ? AND status = ?", id, model.PurchaseStatusPending).
			Updates(map[string]interface{}{
				"status":      model.PurchaseStatusApproved,
				"approved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleState
		}

		if _, err := creditPool(tx, req.Provider, req.Credits, now); err != nil {
			return err
		}
		req.Status = model.PurchaseStatusApproved
		req.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func creditPool(tx *gorm.DB, provider string, credits int64, now time.Time) (int64, error) {
	res := tx.Model(&model.PlatformCreditPool{}).
		Where("provider = ?", provider).
		Updates(map[string]interface{}{
			"total_purchased":   gorm.Expr("total_purchased + ?", credits),
			"available_balance": gorm.Expr("available_balance + ?", credits),
			"last_refill_at":    now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return poolBalance(tx, provider)
}

func poolBalance(tx *gorm.DB, provider string) (int64, error) {
	var pool model.PlatformCreditPool
	if err := tx.Select("available_balance").Where("provider = ?", provider).First(&pool).Error; err != nil {
		return 0, err
	}
	return pool.AvailableBalance, nil
}
