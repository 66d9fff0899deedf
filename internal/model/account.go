package model

import (
	"time"
)

// UserCreditAccount 用户积分账户，首次访问时按订阅档位惰性创建
type UserCreditAccount struct {
	ID                int64     `gorm:"primaryKey" json:"id"`
	UserID            int64     `gorm:"not null;uniqueIndex" json:"user_id"`
	SubscriptionTier  string    `gorm:"size:20;not null;default:free" json:"subscription_tier"`
	MonthlyAllowance  int64     `gorm:"not null;default:0" json:"monthly_allowance"`
	CurrentBalance    int64     `gorm:"not null;default:0" json:"current_balance"`
	ConsumedThisMonth int64     `gorm:"not null;default:0" json:"consumed_this_month"`
	LifetimeConsumed  int64     `gorm:"not null;default:0" json:"lifetime_consumed"`
	LastResetAt       time.Time `gorm:"not null" json:"last_reset_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (UserCreditAccount) TableName() string {
	return "user_credit_accounts"
}

// ResetDue 上次重置之后是否已跨过自然月
func (a *UserCreditAccount) ResetDue(now time.Time) bool {
	last := a.LastResetAt.UTC()
	now = now.UTC()
	return now.Year() > last.Year() || (now.Year() == last.Year() && now.Month() > last.Month())
}
