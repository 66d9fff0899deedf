package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/model"
	"github.com/qs3c/credit_ledger_server/internal/repository"
)

const (
	maxSettleAttempts = 3
	// 拉取结果之外留给落库、退款与告警的时间
	settleGrace = 30 * time.Second
)

// Callback 服务商回调
type Callback struct {
	TaskID    string `json:"task_id"`
	Code      int    `json:"code"`
	Message   string `json:"msg"`
	ResultURL string `json:"result_url"`
}

// 回调处理结果
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeDuplicate   = "duplicate"
	OutcomeUnknownTask = "unknown_task"
	OutcomeError       = "error"
)

// Ack 回调确认。无论处理成功与否都会返回，避免服务商无限重试
type Ack struct {
	Received bool   `json:"received"`
	TaskID   string `json:"task_id,omitempty"`
	Outcome  string `json:"outcome"`
}

// OpenTaskInput 派发任务后登记
type OpenTaskInput struct {
	TaskID        string `json:"task_id"`
	UserID        int64  `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	ArtifactRef   string `json:"artifact_ref"`
	Provider      string `json:"provider"`
}

type SettlementService struct {
	tasks        TaskStore
	ledger       *LedgerService
	audit        AuditSink
	alerts       *AlertService
	storage      ArtifactStorage
	queue        EventQueue
	policy       *RefundPolicy
	codes        config.ProviderCodeTable
	provider     string
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

func NewSettlementService(
	tasks TaskStore,
	ledger *LedgerService,
	audit AuditSink,
	alerts *AlertService,
	storage ArtifactStorage,
	queue EventQueue,
	policy *RefundPolicy,
	cfg *config.Config,
) *SettlementService {
	fetchTimeout := cfg.Settlement.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &SettlementService{
		tasks:        tasks,
		ledger:       ledger,
		audit:        audit,
		alerts:       alerts,
		storage:      storage,
		queue:        queue,
		policy:       policy,
		codes:        cfg.Provider.StatusCodes,
		provider:     cfg.Provider.Name,
		fetchTimeout: fetchTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default().With("component", "settlement"),
	}
}

// OpenTask 登记已派发给服务商的任务，并与预占时的扣减流水关联
func (s *SettlementService) OpenTask(ctx context.Context, in OpenTaskInput) (*model.EnhancementTask, error) {
	if in.TaskID == "" || in.UserID <= 0 || in.TransactionID == "" {
		return nil, ErrInvalidInput
	}
	provider := in.Provider
	if provider == "" {
		provider = s.provider
	}

	task := &model.EnhancementTask{
		ID:            in.TaskID,
		UserID:        in.UserID,
		Provider:      provider,
		TransactionID: in.TransactionID,
		ArtifactRef:   in.ArtifactRef,
		Status:        model.TaskPending,
	}
	if err := s.tasks.Open(ctx, task); err != nil {
		switch {
		case errors.Is(err, repository.ErrStaleState):
			return nil, fmt.Errorf("%w: transaction %s is not an unlinked deduction of user %d", ErrInvalidInput, in.TransactionID, in.UserID)
		case errors.Is(err, gorm.ErrDuplicatedKey):
			return nil, fmt.Errorf("%w: task %s already exists", ErrInvalidInput, in.TaskID)
		}
		return nil, err
	}
	return task, nil
}

// MarkRunning 服务商已受理任务
func (s *SettlementService) MarkRunning(ctx context.Context, taskID string) (*model.EnhancementTask, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransition(model.TaskRunning) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, task.Status, model.TaskRunning)
	}

	now := s.now()
	err = s.tasks.Transition(ctx, taskID, task.Status, model.TaskRunning, map[string]interface{}{"started_at": now})
	if errors.Is(err, repository.ErrStaleState) {
		return nil, fmt.Errorf("%w: task %s changed concurrently", ErrIllegalTransition, taskID)
	}
	if err != nil {
		return nil, err
	}

	task.Status = model.TaskRunning
	task.StartedAt = &now
	return task, nil
}

// HandleCallback 处理服务商回调，内部错误只记录和告警，调用方总能拿到确认
func (s *SettlementService) HandleCallback(ctx context.Context, cb Callback) Ack {
	ack := Ack{Received: true, TaskID: cb.TaskID}

	// 与回调请求解耦，服务商断开连接不能让结算停在半途
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout+settleGrace)
	defer cancel()

	outcome, err := s.settle(ctx, cb)
	switch {
	case err == nil:
		ack.Outcome = outcome
	case errors.Is(err, ErrTaskNotFound):
		s.logger.Warn("callback for unknown task", "task_id", cb.TaskID, "code", cb.Code)
		ack.Outcome = OutcomeUnknownTask
	case errors.Is(err, ErrDuplicateCallback):
		s.logger.Info("duplicate callback ignored", "task_id", cb.TaskID, "code", cb.Code)
		ack.Outcome = OutcomeDuplicate
	case errors.Is(err, ErrRefundProcessing):
		// 任务已落终态，退款失败已单独告警
		ack.Outcome = OutcomeFailed
	default:
		s.logger.Error("callback settlement failed", "task_id", cb.TaskID, "code", cb.Code, "error", err)
		s.alerts.Raise(ctx, model.AlertSettlementError, model.SeverityHigh,
			fmt.Sprintf("settlement of task %s failed: %v", cb.TaskID, err),
			map[string]interface{}{"task_id": cb.TaskID, "code": cb.Code})
		ack.Outcome = OutcomeError
	}
	return ack
}

func (s *SettlementService) settle(ctx context.Context, cb Callback) (string, error) {
	task, err := s.loadTask(ctx, cb.TaskID)
	if err != nil {
		return "", err
	}
	if task.Status.Terminal() {
		return "", ErrDuplicateCallback
	}

	if cb.Code != s.codes.Success {
		return OutcomeFailed, s.fail(ctx, task, s.Categorize(cb.Code), cb.Message)
	}

	url, err := s.persistResult(ctx, task, cb.ResultURL)
	if err != nil {
		s.logger.Warn("result persistence failed, settling as failure", "task_id", task.ID, "error", err)
		return OutcomeFailed, s.fail(ctx, task, model.CategoryStorageWrite, err.Error())
	}
	return OutcomeSucceeded, s.succeed(ctx, task, url)
}

// Categorize 回调状态码到失败分类
func (s *SettlementService) Categorize(code int) model.ErrorCategory {
	switch code {
	case s.codes.ContentPolicy:
		return model.CategoryContentPolicy
	case s.codes.InternalError:
		return model.CategoryInternalError
	case s.codes.GenerationFailed:
		return model.CategoryGenerationFailed
	default:
		return model.CategoryUnknown
	}
}

func (s *SettlementService) persistResult(ctx context.Context, task *model.EnhancementTask, resultURL string) (string, error) {
	if resultURL == "" {
		return "", fmt.Errorf("%w: empty result url", ErrStorageWrite)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	url, err := s.storage.Persist(fetchCtx, task.ID, resultURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	return url, nil
}

func (s *SettlementService) succeed(ctx context.Context, task *model.EnhancementTask, resultURL string) error {
	if _, err := task.Status.PathTo(model.TaskSucceeded); err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalTransition, err)
	}

	events := []*model.OutboxEvent{
		model.NewOutboxEvent(model.OutboxTaskSettled, task.ID, map[string]interface{}{
			"task_id":    task.ID,
			"user_id":    task.UserID,
			"status":     string(model.TaskSucceeded),
			"result_url": resultURL,
		}),
	}
	if task.ArtifactRef != "" {
		events = append(events, model.NewOutboxEvent(model.OutboxArtifactUpdate, task.ID, map[string]interface{}{
			"task_id":      task.ID,
			"artifact_ref": task.ArtifactRef,
			"result_url":   resultURL,
		}))
	}

	err := s.commit(ctx, task, &repository.TaskSettlement{
		TaskID:          task.ID,
		To:              model.TaskSucceeded,
		At:              s.now(),
		ResultURL:       resultURL,
		DeductionStatus: model.TxCompleted,
		Events:          events,
	})
	if err != nil {
		return err
	}

	s.logger.Info("task succeeded", "task_id", task.ID, "user_id", task.UserID, "result_url", resultURL)
	s.enqueue(ctx, events)
	return nil
}

// fail 失败结算。退款先于状态落库：退款按任务幂等，重投时可以补上
func (s *SettlementService) fail(ctx context.Context, task *model.EnhancementTask, category model.ErrorCategory, message string) error {
	if _, err := task.Status.PathTo(model.TaskFailed); err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalTransition, err)
	}
	verdict := s.policy.Decide(category)

	refundCredits := int64(0)
	deduction, err := s.ledger.DeductionForTask(ctx, task.ID)
	switch {
	case err == nil:
		// 平台池承担的扣减用户没有付出积分，池积分也不退
		if verdict.ShouldRefund && deduction.Type == model.TxUserDeduction {
			refundCredits = deduction.CreditsAmount * int64(verdict.RefundPercentage) / 100
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		s.logger.Warn("no deduction linked to failed task", "task_id", task.ID)
	default:
		return fmt.Errorf("load deduction: %w", err)
	}

	var refund *RefundResult
	var refundErr error
	if refundCredits > 0 {
		refund, refundErr = s.ledger.Refund(ctx, task.UserID, task.ID, refundCredits, string(category))
	}

	payload := map[string]interface{}{
		"task_id":             task.ID,
		"user_id":             task.UserID,
		"status":              string(model.TaskFailed),
		"error_category":      string(category),
		"platform_loss_units": verdict.PlatformLossUnits,
		"credits_refunded":    int64(0),
	}
	if refund != nil {
		payload["credits_refunded"] = refund.CreditsRefunded
		payload["balance"] = refund.NewBalance
	}
	events := []*model.OutboxEvent{model.NewOutboxEvent(model.OutboxTaskSettled, task.ID, payload)}

	err = s.commit(ctx, task, &repository.TaskSettlement{
		TaskID:          task.ID,
		To:              model.TaskFailed,
		At:              s.now(),
		Category:        category,
		Message:         message,
		LossUnits:       verdict.PlatformLossUnits,
		DeductionStatus: model.TxFailed,
		Events:          events,
	})
	if err != nil {
		return err
	}
	s.logger.Info("task failed", "task_id", task.ID, "user_id", task.UserID, "category", category,
		"refund_credits", refundCredits, "platform_loss_units", verdict.PlatformLossUnits)
	s.enqueue(ctx, events)

	if refund != nil {
		record := &model.RefundAuditRecord{
			TaskID:            task.ID,
			UserID:            task.UserID,
			CreditsRefunded:   refund.CreditsRefunded,
			Reason:            string(category),
			PlatformLossUnits: verdict.PlatformLossUnits,
			PreviousBalance:   refund.PreviousBalance,
			NewBalance:        refund.NewBalance,
		}
		if err := s.audit.RecordRefund(ctx, record); err != nil {
			s.logger.Error("failed to write refund audit", "task_id", task.ID, "error", err)
		}
	}

	if severity := s.policy.Severity(category); severity == model.SeverityHigh {
		s.alerts.Raise(ctx, model.AlertSettlementFailed, severity,
			fmt.Sprintf("task %s failed: %s", task.ID, verdict.Reason),
			map[string]interface{}{"task_id": task.ID, "user_id": task.UserID, "category": string(category), "message": message})
	}

	if refundErr != nil {
		s.alerts.Raise(ctx, model.AlertRefundFailed, model.SeverityCritical,
			fmt.Sprintf("refund of %d credits for task %s failed", refundCredits, task.ID),
			map[string]interface{}{"task_id": task.ID, "user_id": task.UserID, "credits": refundCredits, "error": refundErr.Error()})
		return fmt.Errorf("%w: %v", ErrRefundProcessing, refundErr)
	}
	return nil
}

// commit 落终态。状态被并发推进（如 pending -> running）时按最新状态重试，
// 只有任务已是终态才算重复回调
func (s *SettlementService) commit(ctx context.Context, task *model.EnhancementTask, st *repository.TaskSettlement) error {
	for attempt := 0; ; attempt++ {
		st.From = task.Status
		err := s.tasks.Settle(ctx, st)
		if !errors.Is(err, repository.ErrStaleState) {
			return err
		}

		current, err := s.loadTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return ErrDuplicateCallback
		}
		if attempt+1 >= maxSettleAttempts {
			return fmt.Errorf("%w: task %s kept changing during settlement", ErrIllegalTransition, task.ID)
		}
		if _, err := current.Status.PathTo(st.To); err != nil {
			return fmt.Errorf("%w: %v", ErrIllegalTransition, err)
		}
		s.logger.Info("task changed during settlement, retrying", "task_id", task.ID, "from", task.Status, "now", current.Status)
		task.Status = current.Status
	}
}

func (s *SettlementService) loadTask(ctx context.Context, taskID string) (*model.EnhancementTask, error) {
	if taskID == "" {
		return nil, ErrTaskNotFound
	}
	task, err := s.tasks.GetByID(ctx, taskID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SettlementService) enqueue(ctx context.Context, events []*model.OutboxEvent) {
	if s.queue == nil {
		return
	}
	for _, e := range events {
		if err := s.queue.Enqueue(ctx, e.ID); err != nil {
			s.logger.Warn("enqueue outbox event failed, left for sweep", "event_id", e.ID, "kind", e.Kind, "error", err)
		}
	}
}
