package model

import (
	"fmt"
	"time"
)

// TaskStatus 增强任务状态
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// taskTransitions 合法状态迁移表，终态没有出边
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:   {TaskRunning},
	TaskRunning:   {TaskSucceeded, TaskFailed},
	TaskSucceeded: nil,
	TaskFailed:    nil,
}

func (s TaskStatus) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// CanTransition 判断 s -> next 是否合法
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PathTo 返回从 s 到 target 需要依次经过的状态，不可达时返回 error
func (s TaskStatus) PathTo(target TaskStatus) ([]TaskStatus, error) {
	if s.CanTransition(target) {
		return []TaskStatus{target}, nil
	}
	for _, mid := range taskTransitions[s] {
		if mid.CanTransition(target) {
			return []TaskStatus{mid, target}, nil
		}
	}
	return nil, fmt.Errorf("illegal task transition %s -> %s", s, target)
}

// ErrorCategory 失败分类
type ErrorCategory string

const (
	CategoryContentPolicy    ErrorCategory = "content_policy_violation"
	CategoryInternalError    ErrorCategory = "internal_error"
	CategoryGenerationFailed ErrorCategory = "generation_failed"
	CategoryStorageWrite     ErrorCategory = "storage_write_failure"
	CategoryUnknown          ErrorCategory = "unknown_error"
)

// EnhancementTask 已派发给服务商的增强任务，ID 为服务商任务号
type EnhancementTask struct {
	ID                string        `gorm:"primaryKey;size:100" json:"id"`
	UserID            int64         `gorm:"not null;index" json:"user_id"`
	Provider          string        `gorm:"size:50;not null" json:"provider"`
	TransactionID     string        `gorm:"size:36;not null;index" json:"transaction_id"`
	ArtifactRef       string        `gorm:"size:200" json:"artifact_ref,omitempty"`
	Status            TaskStatus    `gorm:"size:20;not null;default:pending;index" json:"status"`
	ErrorCategory     ErrorCategory `gorm:"size:50" json:"error_category,omitempty"`
	ErrorMessage      string        `gorm:"type:text" json:"error_message,omitempty"`
	ResultURL         string        `gorm:"size:500" json:"result_url,omitempty"`
	PlatformLossUnits float64       `gorm:"not null;default:0" json:"platform_loss_units"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	FailedAt          *time.Time    `json:"failed_at,omitempty"`
	CreatedAt         time.Time     `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (EnhancementTask) TableName() string {
	return "enhancement_tasks"
}
