package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxUserDeduction     TransactionType = "user_deduction"
	TxPlatformDeduction TransactionType = "platform_deduction"
	TxRefund            TransactionType = "refund"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// CreditTransaction 积分流水。同一任务最多一条扣减、一条退款，由 (task_id, type) 唯一索引保证
type CreditTransaction struct {
	ID            string            `gorm:"primaryKey;size:36" json:"id"`
	UserID        int64             `gorm:"not null;index" json:"user_id"`
	Type          TransactionType   `gorm:"size:30;not null;uniqueIndex:ux_credit_tx_task_type,priority:2" json:"type"`
	CreditsAmount int64             `gorm:"not null" json:"credits_amount"` // 退款为负数
	CostUSD       decimal.Decimal   `gorm:"type:decimal(12,4);not null" json:"cost_usd"`
	BalanceAfter  int64             `gorm:"not null;default:0" json:"balance_after"` // 用户余额或平台池余额
	Provider      string            `gorm:"size:50" json:"provider,omitempty"`
	TaskID        *string           `gorm:"size:100;uniqueIndex:ux_credit_tx_task_type,priority:1" json:"task_id,omitempty"`
	Purpose       string            `gorm:"size:100" json:"purpose,omitempty"`
	Status        TransactionStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	CreatedAt     time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

func (t TransactionType) IsDeduction() bool {
	return t == TxUserDeduction || t == TxPlatformDeduction
}
