package worker

import (
	"context"
	"log/slog"

	"github.com/qs3c/credit_ledger_server/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger_server/internal/pkg/ws"
)

type Subscriber interface {
	Subscribe(ctx context.Context, handler func(*pubsub.Notification)) error
}

// Pusher 由 ws.Hub 实现
type Pusher interface {
	SendToUser(userID int64, msg *ws.Message) error
	Broadcast(msg *ws.Message) error
}

// RelayNotifications 把 worker 发布的通知转发到本进程的 WebSocket 连接，阻塞到 ctx 结束
func RelayNotifications(ctx context.Context, sub Subscriber, pusher Pusher) error {
	logger := slog.Default().With("component", "relay")
	return sub.Subscribe(ctx, func(n *pubsub.Notification) {
		msg := &ws.Message{Type: n.Type, Data: n}
		var err error
		if n.Broadcast() {
			err = pusher.Broadcast(msg)
		} else {
			err = pusher.SendToUser(n.UserID, msg)
		}
		if err != nil {
			logger.Warn("failed to push notification", "type", n.Type, "user_id", n.UserID, "error", err)
		}
	})
}
