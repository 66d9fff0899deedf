package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/model"
	"github.com/qs3c/credit_ledger_server/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger_server/internal/pkg/queue"
	"github.com/qs3c/credit_ledger_server/internal/repository"
	"github.com/qs3c/credit_ledger_server/internal/testutil"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []*pubsub.Notification
	err  error
}

func (f *fakeNotifier) Publish(_ context.Context, n *pubsub.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

type dispatcherEnv struct {
	db         *gorm.DB
	outbox     *repository.OutboxRepository
	moodboards *repository.MoodboardRepository
	notifier   *fakeNotifier
	queue      *queue.Queue
	dispatcher *Dispatcher
}

func setupDispatcher(t *testing.T) *dispatcherEnv {
	t.Helper()

	db := testutil.SetupTestDB(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
		testutil.CleanupTestDB(t, db)
	})

	cfg := &config.Config{
		Queue: config.QueueConfig{MaxAttempts: 3},
		Cron:  config.CronConfig{OutboxStaleAfter: 2 * time.Minute},
	}
	env := &dispatcherEnv{
		db:         db,
		outbox:     repository.NewOutboxRepository(db),
		moodboards: repository.NewMoodboardRepository(db),
		notifier:   &fakeNotifier{},
		queue:      queue.NewQueue(rdb, "test_outbox"),
	}
	env.dispatcher = NewDispatcher(env.outbox, env.moodboards, env.notifier, env.queue, cfg)
	return env
}

func (e *dispatcherEnv) createEvent(t *testing.T, kind, aggregateID string, payload map[string]interface{}) *model.OutboxEvent {
	t.Helper()
	event := model.NewOutboxEvent(kind, aggregateID, payload)
	require.NoError(t, e.outbox.Create(context.Background(), event))
	return event
}

func (e *dispatcherEnv) status(t *testing.T, id string) *model.OutboxEvent {
	t.Helper()
	event, err := e.outbox.GetByID(context.Background(), id)
	require.NoError(t, err)
	return event
}

func TestDispatcher_ArtifactUpdate(t *testing.T) {
	env := setupDispatcher(t)
	ctx := context.Background()

	item := &model.MoodboardItem{MoodboardID: 1, OriginalImageURL: "https://img.example.com/raw.png"}
	require.NoError(t, env.db.Create(item).Error)

	event := env.createEvent(t, model.OutboxArtifactUpdate, "task_1", map[string]interface{}{
		"task_id":      "task_1",
		"artifact_ref": "moodboard_item:" + strconv.FormatInt(item.ID, 10),
		"result_url":   "https://cdn.example.com/enhanced/task_1.png",
	})

	require.NoError(t, env.dispatcher.Dispatch(ctx, event.ID))

	updated, err := env.moodboards.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/enhanced/task_1.png", updated.EnhancedImageURL)
	assert.Equal(t, "task_1", updated.EnhancementTaskID)
	assert.NotNil(t, updated.EnhancedAt)

	stored := env.status(t, event.ID)
	assert.Equal(t, model.OutboxDispatched, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	// 重复投递不再处理
	require.NoError(t, env.dispatcher.Dispatch(ctx, event.ID))
	assert.Equal(t, 1, env.status(t, event.ID).Attempts)
}

func TestDispatcher_TaskSettledNotifiesUser(t *testing.T) {
	env := setupDispatcher(t)

	event := env.createEvent(t, model.OutboxTaskSettled, "task_2", map[string]interface{}{
		"task_id": "task_2",
		"user_id": int64(42),
		"status":  "failed",
	})

	require.NoError(t, env.dispatcher.Dispatch(context.Background(), event.ID))

	require.Len(t, env.notifier.sent, 1)
	n := env.notifier.sent[0]
	assert.Equal(t, pubsub.TypeTaskSettled, n.Type)
	assert.Equal(t, int64(42), n.UserID)
	assert.Equal(t, "task_2", n.TaskID)
	assert.Equal(t, "failed", n.Data["status"])
	assert.Equal(t, model.OutboxDispatched, env.status(t, event.ID).Status)
}

func TestDispatcher_AlertIsBroadcast(t *testing.T) {
	env := setupDispatcher(t)

	event := env.createEvent(t, model.OutboxAlertRaised, model.AlertRefundFailed, map[string]interface{}{
		"category": model.AlertRefundFailed,
		"severity": "critical",
	})

	require.NoError(t, env.dispatcher.Dispatch(context.Background(), event.ID))

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, pubsub.TypeAlert, env.notifier.sent[0].Type)
	assert.True(t, env.notifier.sent[0].Broadcast())
}

func TestDispatcher_RetriesUntilDead(t *testing.T) {
	env := setupDispatcher(t)
	env.notifier.err = errors.New("redis unavailable")
	ctx := context.Background()

	event := env.createEvent(t, model.OutboxTaskSettled, "task_3", map[string]interface{}{"user_id": 1})

	for i := 1; i <= 2; i++ {
		assert.Error(t, env.dispatcher.Dispatch(ctx, event.ID))
		stored := env.status(t, event.ID)
		assert.Equal(t, model.OutboxPending, stored.Status)
		assert.Equal(t, i, stored.Attempts)
		assert.Equal(t, "redis unavailable", stored.LastError)
	}

	assert.Error(t, env.dispatcher.Dispatch(ctx, event.ID))
	stored := env.status(t, event.ID)
	assert.Equal(t, model.OutboxDead, stored.Status)
	assert.Equal(t, 3, stored.Attempts)

	// dead 事件不再尝试
	assert.NoError(t, env.dispatcher.Dispatch(ctx, event.ID))
	assert.Equal(t, 3, env.status(t, event.ID).Attempts)
}

func TestDispatcher_UndeliverableIsDeadImmediately(t *testing.T) {
	env := setupDispatcher(t)
	ctx := context.Background()

	missing := env.createEvent(t, model.OutboxArtifactUpdate, "task_4", map[string]interface{}{
		"artifact_ref": "moodboard_item:999",
		"result_url":   "https://cdn.example.com/x.png",
	})
	err := env.dispatcher.Dispatch(ctx, missing.ID)
	assert.ErrorIs(t, err, ErrUndeliverable)
	assert.Equal(t, model.OutboxDead, env.status(t, missing.ID).Status)

	unknown := env.createEvent(t, "mystery", "x", nil)
	assert.ErrorIs(t, env.dispatcher.Dispatch(ctx, unknown.ID), ErrUndeliverable)
	assert.Equal(t, model.OutboxDead, env.status(t, unknown.ID).Status)
}

func TestDispatcher_MissingEvent(t *testing.T) {
	env := setupDispatcher(t)
	assert.NoError(t, env.dispatcher.Dispatch(context.Background(), "does-not-exist"))
}

func TestDispatcher_Sweep(t *testing.T) {
	env := setupDispatcher(t)
	ctx := context.Background()

	stale := env.createEvent(t, model.OutboxTaskSettled, "task_5", map[string]interface{}{"user_id": 1})
	done := env.createEvent(t, model.OutboxTaskSettled, "task_6", map[string]interface{}{"user_id": 1})
	require.NoError(t, env.outbox.MarkDispatched(ctx, done.ID, time.Now().UTC()))

	// 刚写入的事件不算滞留
	n, err := env.dispatcher.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	later := time.Now().UTC().Add(5 * time.Minute)
	env.dispatcher.now = func() time.Time { return later }

	n, err = env.dispatcher.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err := env.queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, stale.ID, msg.EventID)

	// 已刷新 updated_at，同一轮不会重复入队
	n, err = env.dispatcher.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestParseArtifactRef(t *testing.T) {
	id, err := ParseArtifactRef("moodboard_item:12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	for _, ref := range []string{"", "moodboard_item", "moodboard_item:", "moodboard_item:abc", "moodboard_item:-1", "board:1"} {
		_, err := ParseArtifactRef(ref)
		assert.ErrorIs(t, err, ErrUndeliverable, ref)
	}
}

func TestInt64Of(t *testing.T) {
	assert.Equal(t, int64(7), int64Of(int64(7)))
	assert.Equal(t, int64(7), int64Of(7))
	assert.Equal(t, int64(7), int64Of(float64(7)))
	assert.Equal(t, int64(0), int64Of("7"))
	assert.Equal(t, int64(0), int64Of(nil))
}
