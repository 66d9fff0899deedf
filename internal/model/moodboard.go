package model

import (
	"time"
)

// MoodboardItem 增强结果的归属对象，本系统只回写增强相关字段
type MoodboardItem struct {
	ID                int64      `gorm:"primaryKey" json:"id"`
	MoodboardID       int64      `gorm:"not null;index" json:"moodboard_id"`
	OriginalImageURL  string     `gorm:"size:500" json:"original_image_url"`
	EnhancedImageURL  string     `gorm:"size:500" json:"enhanced_image_url,omitempty"`
	EnhancementTaskID string     `gorm:"size:100;index" json:"enhancement_task_id,omitempty"`
	EnhancedAt        *time.Time `json:"enhanced_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (MoodboardItem) TableName() string {
	return "moodboard_items"
}
