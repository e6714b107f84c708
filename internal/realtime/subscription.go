package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

// StaleError 上游传输中断；订阅仍可继续读取，但数据可能已落后
type StaleError struct {
	Err error
}

func (e *StaleError) Error() string {
	if e.Err == nil {
		return "subscription stale"
	}
	return "subscription stale: " + e.Err.Error()
}

func (e *StaleError) Unwrap() error { return e.Err }

func IsStale(err error) bool {
	var se *StaleError
	return errors.As(err, &se)
}

// Subscription 一个订阅句柄，持有无界 FIFO 队列，调用方负责 Close
type Subscription struct {
	id     uint64
	feed   *Feed
	filter Filter

	mu     sync.Mutex
	queue  []ChangeEvent
	closed bool

	notify  chan struct{}
	done    chan struct{}
	errs    chan error
	stale   atomic.Bool
	lastErr atomic.Value
}

func newSubscription(id uint64, feed *Feed, filter Filter) *Subscription {
	return &Subscription{
		id:     id,
		feed:   feed,
		filter: filter,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		errs:   make(chan error, 1),
	}
}

func (s *Subscription) ID() uint64     { return s.id }
func (s *Subscription) Filter() Filter { return s.filter }

// Next 阻塞到下一个事件；Close 返回之后不会再交付任何事件。
// 上游失败时返回一次 *StaleError，调用方可以继续调用 Next。
func (s *Subscription) Next(ctx context.Context) (ChangeEvent, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ChangeEvent{}, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = ChangeEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case err := <-s.errs:
			return ChangeEvent{}, &StaleError{Err: err}
		case <-ctx.Done():
			return ChangeEvent{}, ctx.Err()
		}
	}
}

// TryNext 非阻塞读取
func (s *Subscription) TryNext() (ChangeEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return ChangeEvent{}, false
	}
	ev := s.queue[0]
	s.queue[0] = ChangeEvent{}
	s.queue = s.queue[1:]
	return ev, true
}

// Pending 队列中待读取的事件数
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) Stale() bool { return s.stale.Load() }

// Err 最近一次上游错误
func (s *Subscription) Err() error {
	if v, ok := s.lastErr.Load().(errBox); ok {
		return v.err
	}
	return nil
}

type errBox struct{ err error }

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()
	s.feed.remove(s.id)
}

func (s *Subscription) push(ev ChangeEvent) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// fail 只在第一次失败时向 Next 交付 StaleError，之后只更新 Err
func (s *Subscription) fail(err error) bool {
	s.lastErr.Store(errBox{err: err})
	if !s.stale.CompareAndSwap(false, true) {
		return false
	}
	select {
	case s.errs <- err:
	default:
	}
	return true
}
