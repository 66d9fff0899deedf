package model

import (
	"time"
)

// User 宿主平台的用户表，本系统只读取订阅档位
type User struct {
	ID                    int64      `gorm:"primaryKey" json:"id"`
	Username              string     `gorm:"size:50;uniqueIndex;not null" json:"username"`
	SubscriptionLevel     string     `gorm:"size:20;default:free" json:"subscription_level"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// EffectiveTier 订阅过期后按 free 计算
func (u *User) EffectiveTier(now time.Time) string {
	if u.SubscriptionLevel == "" {
		return "free"
	}
	if u.SubscriptionExpiresAt != nil && now.After(*u.SubscriptionExpiresAt) {
		return "free"
	}
	return u.SubscriptionLevel
}
