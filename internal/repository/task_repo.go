package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

// TaskSettlement 一次终态结算需要在同一事务里落库的全部内容
type TaskSettlement struct {
	TaskID    string
	From      model.TaskStatus
	To        model.TaskStatus
	At        time.Time
	ResultURL string

	Category  model.ErrorCategory
	Message   string
	LossUnits float64

	// 关联扣减流水的新状态
	DeductionStatus model.TransactionStatus
	Events          []*model.OutboxEvent
}

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Open 创建 pending 任务并把扣减流水关联到该任务。
// 流水不存在、不属于该用户或已关联其他任务时返回 ErrStaleState
func (r *TaskRepository) Open(ctx context.Context, task *model.EnhancementTask) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.CreditTransaction{}).
			Where("id = ? AND user_id = ? AND task_id IS NULL AND type IN ?", task.TransactionID, task.UserID, deductionTypes).
			Update("task_id", task.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleState
		}
		return tx.Create(task).Error
	})
}

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*model.EnhancementTask, error) {
	var task model.EnhancementTask
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Transition 仅在当前状态仍为 from 时更新，否则返回 ErrStaleState
func (r *TaskRepository) Transition(ctx context.Context, id string, from, to model.TaskStatus, fields map[string]interface{}) error {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).Model(&model.EnhancementTask{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// Settle 写入终态、同步扣减流水状态并追加 outbox 事件，三者同一事务
func (r *TaskRepository) Settle(ctx context.Context, s *TaskSettlement) error {
	updates := map[string]interface{}{"status": s.To}
	if s.From == model.TaskPending {
		updates["started_at"] = s.At
	}
	switch s.To {
	case model.TaskSucceeded:
		updates["completed_at"] = s.At
		updates["result_url"] = s.ResultURL
	case model.TaskFailed:
		updates["failed_at"] = s.At
		updates["error_category"] = s.Category
		updates["error_message"] = s.Message
		updates["platform_loss_units"] = s.LossUnits
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.EnhancementTask{}).
			Where("id = ? AND status = ?", s.TaskID, s.From).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleState
		}

		if s.DeductionStatus != "" {
			err := tx.Model(&model.CreditTransaction{}).
				Where("task_id = ? AND type IN ?", s.TaskID, deductionTypes).
				Update("status", s.DeductionStatus).Error
			if err != nil {
				return err
			}
		}

		if len(s.Events) > 0 {
			return tx.Create(s.Events).Error
		}
		return nil
	})
}
