package realtime

import (
	"context"
	"encoding/json"
	"time"

	apperrors "RapidResponse/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBridge 多实例部署时通过 Redis 频道转发变更事件
//
// Publish 先投递本地 Feed 再 PUBLISH，Run 把其它实例的事件写入本地 Feed，
// 自身发出的事件按 Origin 过滤。
type RedisBridge struct {
	client     *redis.Client
	channel    string
	feed       *Feed
	origin     string
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRedisBridge(client *redis.Client, channel string, feed *Feed) *RedisBridge {
	return &RedisBridge{
		client:     client,
		channel:    channel,
		feed:       feed,
		origin:     uuid.NewString(),
		minBackoff: 200 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
}

func (b *RedisBridge) Origin() string { return b.origin }

func (b *RedisBridge) Publish(ctx context.Context, ev ChangeEvent) error {
	if err := b.feed.Publish(ctx, ev); err != nil {
		return err
	}
	ev.Origin = b.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		return apperrors.Wrap(err, "encode change event")
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return apperrors.Transport(err, "redis publish")
	}
	return nil
}

// Run 阻塞直到 ctx 结束，订阅断开时标记本地订阅 stale 并退避重连
func (b *RedisBridge) Run(ctx context.Context) {
	backoff := b.minBackoff
	for {
		err := b.receive(ctx)
		if ctx.Err() != nil {
			return
		}
		logrus.WithError(err).WithField("channel", b.channel).Warn("realtime: redis subscription lost")
		b.feed.Fail(apperrors.Transport(err, "redis subscription lost"))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
		}
	}
}

func (b *RedisBridge) receive(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	logrus.WithField("channel", b.channel).Info("realtime: redis subscription ready")
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		b.handle(ctx, msg.Payload)
	}
}

func (b *RedisBridge) handle(ctx context.Context, payload string) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		logrus.WithError(err).Warn("realtime: drop undecodable event")
		return
	}
	if ev.Origin == b.origin {
		return
	}
	if ev.Record() == nil {
		logrus.WithField("id", ev.ID).Warn("realtime: drop event without record")
		return
	}
	if err := b.feed.Publish(ctx, ev); err != nil {
		logrus.WithError(err).Debug("realtime: local publish failed")
	}
}
