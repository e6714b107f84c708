package realtime

import (
	"context"
	"errors"
	"sync"

	"RapidResponse/pkg/logger"

	"go.uber.org/zap"
)

var ErrFeedClosed = errors.New("feed closed")

// Observer 订阅与发布的观测钩子，metrics 使用
type Observer interface {
	SubscriptionOpened()
	SubscriptionClosed()
	SubscriptionStale()
	RecordEvent(collection, kind string)
}

// Feed 进程内变更广播，每个订阅都是调用方持有的句柄
type Feed struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   uint64
	closed   bool
	observer Observer
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[uint64]*Subscription)}
}

func (f *Feed) WithObserver(o Observer) *Feed {
	f.observer = o
	return f
}

// Subscribe 在返回前完成注册，之后发布的事件都会进入该订阅的队列
func (f *Feed) Subscribe(filter Filter) *Subscription {
	f.mu.Lock()
	f.nextID++
	sub := newSubscription(f.nextID, f, filter)
	if f.closed {
		f.mu.Unlock()
		sub.Close()
		return sub
	}
	f.subs[sub.id] = sub
	f.mu.Unlock()

	if f.observer != nil {
		f.observer.SubscriptionOpened()
	}
	return sub
}

// Publish 把事件投递给所有匹配的订阅，不会阻塞
func (f *Feed) Publish(ctx context.Context, ev ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return ErrFeedClosed
	}
	matched := make([]*Subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.filter.Match(ev) {
			matched = append(matched, sub)
		}
	}
	f.mu.RUnlock()

	// 每个订阅拿到自己的记录副本
	for _, sub := range matched {
		sub.push(ev.Clone())
	}
	if f.observer != nil {
		f.observer.RecordEvent(ev.Collection, string(ev.Kind))
	}
	logger.Debug("change published",
		zap.String("collection", ev.Collection),
		zap.String("id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.Int64("revision", ev.Revision),
		zap.Int("subscribers", len(matched)))
	return nil
}

// Fail 上游传输中断，所有订阅标记为 stale
func (f *Feed) Fail(err error) {
	f.mu.RLock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()

	for _, sub := range subs {
		if sub.fail(err) && f.observer != nil {
			f.observer.SubscriptionStale()
		}
	}
	logger.Warn("change feed failed", zap.Error(err), zap.Int("subscribers", len(subs)))
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := make([]*Subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (f *Feed) remove(id uint64) {
	f.mu.Lock()
	_, ok := f.subs[id]
	delete(f.subs, id)
	f.mu.Unlock()
	if ok && f.observer != nil {
		f.observer.SubscriptionClosed()
	}
}
