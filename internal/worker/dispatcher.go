package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/model"
	"github.com/qs3c/credit_ledger_server/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger_server/internal/pkg/queue"
	"github.com/qs3c/credit_ledger_server/internal/repository"
)

// ErrUndeliverable 事件内容无法投递，重试也不会成功
var ErrUndeliverable = errors.New("undeliverable outbox event")

const (
	popTimeout     = 5 * time.Second
	sweepBatchSize = 100
)

type OutboxStore interface {
	GetByID(ctx context.Context, id string) (*model.OutboxEvent, error)
	MarkDispatched(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id, lastError string, dead bool) error
	ListStale(ctx context.Context, before time.Time, limit int) ([]*model.OutboxEvent, error)
	Touch(ctx context.Context, ids []string, now time.Time) error
}

// ArtifactOwner 增强结果的归属方，由 repository.MoodboardRepository 实现
type ArtifactOwner interface {
	ApplyEnhancement(ctx context.Context, itemID int64, taskID, url string, at time.Time) error
}

type Notifier interface {
	Publish(ctx context.Context, n *pubsub.Notification) error
}

type EventQueue interface {
	Enqueue(ctx context.Context, eventID string) error
	Pop(ctx context.Context, timeout time.Duration) (*queue.EventMessage, error)
}

// Dispatcher 投递 outbox 事件：回写归属对象、推送结算通知、广播告警
type Dispatcher struct {
	outbox      OutboxStore
	owner       ArtifactOwner
	notifier    Notifier
	queue       EventQueue
	maxAttempts int
	staleAfter  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewDispatcher(outbox OutboxStore, owner ArtifactOwner, notifier Notifier, q EventQueue, cfg *config.Config) *Dispatcher {
	maxAttempts := cfg.Queue.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	staleAfter := cfg.Cron.OutboxStaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Dispatcher{
		outbox:      outbox,
		owner:       owner,
		notifier:    notifier,
		queue:       q,
		maxAttempts: maxAttempts,
		staleAfter:  staleAfter,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default().With("component", "dispatcher"),
	}
}

// Run 启动 workers 个消费协程，阻塞到 ctx 结束
func (d *Dispatcher) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			d.loop(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("worker shutting down", "worker", workerID)
			return
		default:
		}

		msg, err := d.queue.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("failed to pop event", "worker", workerID, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue // 超时，继续等待
		}

		if err := d.Dispatch(ctx, msg.EventID); err != nil {
			d.logger.Warn("event dispatch failed", "worker", workerID, "event_id", msg.EventID, "error", err)
		}
	}
}

// Dispatch 投递单个事件。非 pending 事件直接跳过，同一事件重复入队是安全的
func (d *Dispatcher) Dispatch(ctx context.Context, eventID string) error {
	event, err := d.outbox.GetByID(ctx, eventID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d.logger.Warn("outbox event not found", "event_id", eventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if event.Status != model.OutboxPending {
		return nil
	}

	if err := d.deliver(ctx, event); err != nil {
		dead := errors.Is(err, ErrUndeliverable) || event.Attempts+1 >= d.maxAttempts
		if markErr := d.outbox.MarkFailed(ctx, event.ID, err.Error(), dead); markErr != nil {
			d.logger.Error("failed to record dispatch failure", "event_id", event.ID, "error", markErr)
		}
		if dead {
			d.logger.Error("outbox event dead", "event_id", event.ID, "kind", event.Kind, "attempts", event.Attempts+1, "error", err)
		}
		return err
	}

	err = d.outbox.MarkDispatched(ctx, event.ID, d.now())
	if errors.Is(err, repository.ErrStaleState) {
		return nil
	}
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, event *model.OutboxEvent) error {
	payload := map[string]interface{}(event.Payload)

	switch event.Kind {
	case model.OutboxArtifactUpdate:
		return d.applyArtifact(ctx, event, payload)
	case model.OutboxTaskSettled:
		return d.notifier.Publish(ctx, &pubsub.Notification{
			Type:   pubsub.TypeTaskSettled,
			UserID: int64Of(payload["user_id"]),
			TaskID: event.AggregateID,
			Data:   payload,
		})
	case model.OutboxAlertRaised:
		return d.notifier.Publish(ctx, &pubsub.Notification{
			Type: pubsub.TypeAlert,
			Data: payload,
		})
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrUndeliverable, event.Kind)
	}
}

func (d *Dispatcher) applyArtifact(ctx context.Context, event *model.OutboxEvent, payload map[string]interface{}) error {
	ref, _ := payload["artifact_ref"].(string)
	url, _ := payload["result_url"].(string)
	itemID, err := ParseArtifactRef(ref)
	if err != nil {
		return err
	}
	if url == "" {
		return fmt.Errorf("%w: missing result url", ErrUndeliverable)
	}

	err = d.owner.ApplyEnhancement(ctx, itemID, event.AggregateID, url, d.now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: moodboard item %d not found", ErrUndeliverable, itemID)
	}
	return err
}

// Sweep 把超过 staleAfter 仍未投递的事件重新入队，用于提交后入队失败或 worker 崩溃的情况
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	now := d.now()
	events, err := d.outbox.ListStale(ctx, now.Add(-d.staleAfter), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(events))
	for _, e := range events {
		if err := d.queue.Enqueue(ctx, e.ID); err != nil {
			return len(ids), fmt.Errorf("re-enqueue %s: %w", e.ID, err)
		}
		ids = append(ids, e.ID)
	}
	if err := d.outbox.Touch(ctx, ids, now); err != nil {
		return len(ids), fmt.Errorf("touch events: %w", err)
	}
	return len(ids), nil
}

// ParseArtifactRef 解析 "moodboard_item:<id>"
func ParseArtifactRef(ref string) (int64, error) {
	kind, rawID, ok := strings.Cut(ref, ":")
	if !ok || kind != "moodboard_item" {
		return 0, fmt.Errorf("%w: unsupported artifact ref %q", ErrUndeliverable, ref)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid artifact id %q", ErrUndeliverable, rawID)
	}
	return id, nil
}

// int64Of JSON 数字从库里读出后是 float64
func int64Of(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
