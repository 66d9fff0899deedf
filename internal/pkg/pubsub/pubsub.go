package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// 通知类型
const (
	TypeTaskSettled = "task_settled"
	TypeAlert       = "platform_alert"
)

// Notification 结算与告警通知，UserID 为 0 时广播给所有在线连接
type Notification struct {
	Type   string                 `json:"type"`
	UserID int64                  `json:"user_id,omitempty"`
	TaskID string                 `json:"task_id,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Broadcast 是否面向所有连接
func (n *Notification) Broadcast() bool {
	return n.UserID == 0
}

// Publisher Redis 发布者
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// Publish 发布通知
func (p *Publisher) Publish(ctx context.Context, n *Notification) error {
	if n.Type == "" {
		return fmt.Errorf("notification type is required")
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	return p.client.Publish(ctx, p.channel, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client  *redis.Client
	channel string
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client, channel string) *Subscriber {
	return &Subscriber{client: client, channel: channel}
}

// Subscribe 订阅通知，阻塞到 ctx 结束
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*Notification)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	// 等待订阅确认，保证返回前不会丢掉紧随其后的消息
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", s.channel, err)
	}

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				continue // 忽略解析错误
			}

			handler(&n)
		}
	}
}
