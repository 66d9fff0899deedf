package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

// TestUser 创建测试用户
func TestUser(t *testing.T, db *gorm.DB, opts ...func(*model.User)) *model.User {
	t.Helper()

	user := &model.User{
		Username:          fmt.Sprintf("testuser_%d", time.Now().UnixNano()),
		SubscriptionLevel: "free",
	}

	for _, opt := range opts {
		opt(user)
	}

	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	return user
}

// WithSubscription 设置订阅级别
func WithSubscription(level string) func(*model.User) {
	return func(u *model.User) {
		u.SubscriptionLevel = level
	}
}

// TestAccount 创建测试积分账户
func TestAccount(t *testing.T, db *gorm.DB, userID int64, opts ...func(*model.UserCreditAccount)) *model.UserCreditAccount {
	t.Helper()

	account := &model.UserCreditAccount{
		UserID:           userID,
		SubscriptionTier: "free",
		MonthlyAllowance: 5,
		CurrentBalance:   5,
		LastResetAt:      time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(account)
	}

	if err := db.Create(account).Error; err != nil {
		t.Fatalf("Failed to create test account: %v", err)
	}

	return account
}

// WithTier 设置账户档位与月度额度
func WithTier(tier string, allowance int64) func(*model.UserCreditAccount) {
	return func(a *model.UserCreditAccount) {
		a.SubscriptionTier = tier
		a.MonthlyAllowance = allowance
	}
}

// WithBalance 设置当前余额
func WithBalance(balance int64) func(*model.UserCreditAccount) {
	return func(a *model.UserCreditAccount) {
		a.CurrentBalance = balance
	}
}

// WithConsumed 设置本月已消耗
func WithConsumed(consumed int64) func(*model.UserCreditAccount) {
	return func(a *model.UserCreditAccount) {
		a.ConsumedThisMonth = consumed
		a.LifetimeConsumed = consumed
	}
}

// WithLastReset 设置上次重置时间
func WithLastReset(at time.Time) func(*model.UserCreditAccount) {
	return func(a *model.UserCreditAccount) {
		a.LastResetAt = at
	}
}

// TestPool 创建测试平台积分池
func TestPool(t *testing.T, db *gorm.DB, provider string, available int64, opts ...func(*model.PlatformCreditPool)) *model.PlatformCreditPool {
	t.Helper()

	pool := &model.PlatformCreditPool{
		Provider:            provider,
		TotalPurchased:      available,
		AvailableBalance:    available,
		CostPerCredit:       decimal.RequireFromString("0.04"),
		AutoRefillThreshold: 10,
		AutoRefillAmount:    100,
		Status:              model.PoolStatusActive,
	}

	for _, opt := range opts {
		opt(pool)
	}

	if err := db.Create(pool).Error; err != nil {
		t.Fatalf("Failed to create test pool: %v", err)
	}

	return pool
}

// WithPoolStatus 设置积分池状态
func WithPoolStatus(status string) func(*model.PlatformCreditPool) {
	return func(p *model.PlatformCreditPool) {
		p.Status = status
	}
}

// TestDeduction 创建一条待结算的扣减流水
func TestDeduction(t *testing.T, db *gorm.DB, userID int64, txType model.TransactionType, credits int64) *model.CreditTransaction {
	t.Helper()

	tx := &model.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          txType,
		CreditsAmount: credits,
		CostUSD:       decimal.Zero,
		Provider:      "enhancer",
		Purpose:       "image_enhance",
		Status:        model.TxPending,
	}

	if err := db.Create(tx).Error; err != nil {
		t.Fatalf("Failed to create test transaction: %v", err)
	}

	return tx
}

// TestTask 创建测试增强任务，并关联扣减流水
func TestTask(t *testing.T, db *gorm.DB, userID int64, txID string, status model.TaskStatus) *model.EnhancementTask {
	t.Helper()

	task := &model.EnhancementTask{
		ID:            "task_" + uuid.NewString(),
		UserID:        userID,
		Provider:      "enhancer",
		TransactionID: txID,
		ArtifactRef:   "moodboard_item:1",
		Status:        status,
	}

	if err := db.Create(task).Error; err != nil {
		t.Fatalf("Failed to create test task: %v", err)
	}
	if err := db.Model(&model.CreditTransaction{}).Where("id = ?", txID).Update("task_id", task.ID).Error; err != nil {
		t.Fatalf("Failed to link test task: %v", err)
	}

	return task
}
