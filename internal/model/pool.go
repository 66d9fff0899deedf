package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PoolStatusActive    = "active"
	PoolStatusSuspended = "suspended"
)

// PlatformCreditPool 向服务商批量采购的平台积分池
type PlatformCreditPool struct {
	ID                  int64           `gorm:"primaryKey" json:"id"`
	Provider            string          `gorm:"size:50;not null;uniqueIndex" json:"provider"`
	TotalPurchased      int64           `gorm:"not null;default:0" json:"total_purchased"`
	AvailableBalance    int64           `gorm:"not null;default:0" json:"available_balance"`
	CostPerCredit       decimal.Decimal `gorm:"type:decimal(12,6);not null" json:"cost_per_credit"`
	AutoRefillThreshold int64           `gorm:"not null;default:0" json:"auto_refill_threshold"`
	AutoRefillAmount    int64           `gorm:"not null;default:0" json:"auto_refill_amount"`
	Status              string          `gorm:"size:20;not null;default:active" json:"status"`
	LastRefillAt        *time.Time      `json:"last_refill_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (PlatformCreditPool) TableName() string {
	return "platform_credit_pools"
}

func (p *PlatformCreditPool) Active() bool {
	return p.Status == PoolStatusActive
}

const (
	PurchaseStatusPending  = "pending"
	PurchaseStatusApproved = "approved"
	PurchaseStatusRejected = "rejected"
)

// PoolPurchaseRequest 无法直接扣款时生成的人工审批采购单
type PoolPurchaseRequest struct {
	ID          int64           `gorm:"primaryKey" json:"id"`
	Provider    string          `gorm:"size:50;not null;index" json:"provider"`
	Credits     int64           `gorm:"not null" json:"credits"`
	CostUSD     decimal.Decimal `gorm:"type:decimal(12,4);not null" json:"cost_usd"`
	Status      string          `gorm:"size:20;not null;default:pending;index" json:"status"`
	ExternalRef string          `gorm:"size:100" json:"external_ref,omitempty"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (PoolPurchaseRequest) TableName() string {
	return "pool_purchase_requests"
}
