package service

import (
	"context"
	"log/slog"

	"gorm.io/datatypes"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

type AlertService struct {
	store  AlertStore
	queue  EventQueue
	logger *slog.Logger
}

func NewAlertService(store AlertStore, queue EventQueue) *AlertService {
	return &AlertService{
		store:  store,
		queue:  queue,
		logger: slog.Default().With("component", "alerts"),
	}
}

// Raise 记录告警；high 及以上同时写入广播事件。写入失败只记日志，告警不能反过来阻断业务
func (s *AlertService) Raise(ctx context.Context, category string, severity model.AlertSeverity, message string, metadata map[string]interface{}) {
	alert := &model.PlatformAlert{
		Category: category,
		Severity: severity,
		Message:  message,
		Metadata: datatypes.JSONMap(metadata),
	}

	var event *model.OutboxEvent
	if severity == model.SeverityHigh || severity == model.SeverityCritical {
		event = model.NewOutboxEvent(model.OutboxAlertRaised, category, map[string]interface{}{
			"category": category,
			"severity": string(severity),
			"message":  message,
			"metadata": metadata,
		})
	}

	if err := s.store.RaiseAlert(ctx, alert, event); err != nil {
		s.logger.Error("failed to record alert", "category", category, "severity", severity, "message", message, "error", err)
		return
	}
	s.logger.Warn("alert raised", "category", category, "severity", severity, "message", message)

	if event != nil && s.queue != nil {
		if err := s.queue.Enqueue(ctx, event.ID); err != nil {
			s.logger.Warn("enqueue alert event failed, left for sweep", "event_id", event.ID, "error", err)
		}
	}
}

func (s *AlertService) List(ctx context.Context, severity string, page, pageSize int) ([]*model.PlatformAlert, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.store.ListAlerts(ctx, severity, page, pageSize)
}
