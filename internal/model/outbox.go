package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	OutboxArtifactUpdate = "artifact_update"
	OutboxTaskSettled    = "task_settled"
	OutboxAlertRaised    = "alert_raised"
)

const (
	OutboxPending    = "pending"
	OutboxDispatched = "dispatched"
	OutboxDead       = "dead"
)

// OutboxEvent 与状态变更同事务写入的副作用意图，由 worker 异步投递
type OutboxEvent struct {
	ID           string            `gorm:"primaryKey;size:36" json:"id"`
	Kind         string            `gorm:"size:50;not null;index" json:"kind"`
	AggregateID  string            `gorm:"size:100;not null;index" json:"aggregate_id"`
	Payload      datatypes.JSONMap `gorm:"type:json" json:"payload"`
	Status       string            `gorm:"size:20;not null;default:pending;index" json:"status"`
	Attempts     int               `gorm:"not null;default:0" json:"attempts"`
	LastError    string            `gorm:"type:text" json:"last_error,omitempty"`
	DispatchedAt *time.Time        `json:"dispatched_at,omitempty"`
	CreatedAt    time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (OutboxEvent) TableName() string {
	return "outbox_events"
}

// NewOutboxEvent 生成待投递事件，ID 在写库前确定以便提交后直接入队
func NewOutboxEvent(kind, aggregateID string, payload map[string]interface{}) *OutboxEvent {
	return &OutboxEvent{
		ID:          uuid.NewString(),
		Kind:        kind,
		AggregateID: aggregateID,
		Payload:     datatypes.JSONMap(payload),
		Status:      OutboxPending,
	}
}
