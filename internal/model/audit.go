package model

import (
	"time"

	"gorm.io/datatypes"
)

// RefundAuditRecord 退款审计，只在退款真正落账后追加
type RefundAuditRecord struct {
	ID                int64     `gorm:"primaryKey" json:"id"`
	TaskID            string    `gorm:"size:100;not null;uniqueIndex" json:"task_id"`
	UserID            int64     `gorm:"not null;index" json:"user_id"`
	CreditsRefunded   int64     `gorm:"not null" json:"credits_refunded"`
	Reason            string    `gorm:"size:50;not null" json:"reason"`
	PlatformLossUnits float64   `gorm:"not null;default:0" json:"platform_loss_units"`
	PreviousBalance   int64     `gorm:"not null" json:"previous_balance"`
	NewBalance        int64     `gorm:"not null" json:"new_balance"`
	CreatedAt         time.Time `gorm:"index" json:"created_at"`
}

func (RefundAuditRecord) TableName() string {
	return "refund_audit_records"
}

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// 告警类别
const (
	AlertRefillSucceeded       = "refill_succeeded"
	AlertRefillFailed          = "refill_failed"
	AlertRefillPendingApproval = "refill_pending_approval"
	AlertPoolDepleted          = "pool_depleted"
	AlertRefundFailed          = "refund_failed"
	AlertSettlementFailed      = "settlement_failed"
	AlertSettlementError       = "settlement_error"
)

// PlatformAlert 运维告警，只追加
type PlatformAlert struct {
	ID        int64             `gorm:"primaryKey" json:"id"`
	Category  string            `gorm:"size:50;not null;index" json:"category"`
	Severity  AlertSeverity     `gorm:"size:20;not null;index" json:"severity"`
	Message   string            `gorm:"type:text" json:"message"`
	Metadata  datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"index" json:"created_at"`
}

func (PlatformAlert) TableName() string {
	return "platform_alerts"
}
