package dispatch

import (
	"context"
	"sync"

	"RapidResponse/internal/models"
	"RapidResponse/internal/realtime"
)

// View 客户端侧的合并状态
//
// 以 collection/id 为键，按 revision 只接受更新的版本；Deleted 留下墓碑，
// 重复或过期的事件被忽略。Close 返回后不再发生任何修改。
type View struct {
	filter realtime.Filter
	sub    *realtime.Subscription

	mu        sync.RWMutex
	items     map[string]models.Record
	revisions map[string]int64
	deleted   map[string]bool
	closed    bool
	staleErr  error

	changes chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewView 创建一个不挂订阅的视图，事件通过 Apply 手动合并
func NewView(filter realtime.Filter) *View {
	return &View{
		filter:    filter,
		items:     make(map[string]models.Record),
		revisions: make(map[string]int64),
		deleted:   make(map[string]bool),
		changes:   make(chan struct{}, 1),
	}
}

func viewKey(collection, id string) string { return collection + "/" + id }

// Apply 合并一个事件，返回可见状态是否变化
func (v *View) Apply(ev realtime.ChangeEvent) bool {
	rec := ev.Record()
	if rec == nil {
		return false
	}
	v.mu.Lock()
	changed := v.applyLocked(ev.Kind, rec, ev.Revision)
	v.mu.Unlock()
	if changed {
		v.notify()
	}
	return changed
}

func (v *View) applyLocked(kind realtime.Kind, rec models.Record, revision int64) bool {
	if v.closed {
		return false
	}
	key := viewKey(rec.Collection(), rec.RecordID())
	known, seen := v.revisions[key]
	if kind == realtime.Deleted {
		// 删除事件携带被删除时的版本，不会再递增
		if v.deleted[key] || (seen && revision < known) {
			return false
		}
		v.revisions[key] = revision
		_, had := v.items[key]
		v.deleted[key] = true
		delete(v.items, key)
		return had
	}
	if seen && revision <= known {
		return false
	}
	v.revisions[key] = revision
	_, had := v.items[key]
	delete(v.deleted, key)
	if !v.filter.MatchRecord(rec) {
		delete(v.items, key)
		return had
	}
	v.items[key] = models.Clone(rec)
	return true
}

// Seed 用快照初始化，已经合并过的更新版本不会被覆盖
func (v *View) Seed(records []models.Record) {
	changed := false
	v.mu.Lock()
	for _, r := range records {
		if v.applyLocked(realtime.Updated, r, r.RecordRevision()) {
			changed = true
		}
	}
	v.mu.Unlock()
	if changed {
		v.notify()
	}
}

// Items 按创建时间倒序的副本
func (v *View) Items() []models.Record {
	v.mu.RLock()
	out := make([]models.Record, 0, len(v.items))
	for _, r := range v.items {
		out = append(out, models.Clone(r))
	}
	v.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

func (v *View) Get(collection, id string) (models.Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.items[viewKey(collection, id)]
	if !ok {
		return nil, false
	}
	return models.Clone(r), true
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.items)
}

// Stale 上游订阅出错后为 true，视图继续提供最后一次已知的状态
func (v *View) Stale() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.staleErr != nil
}

func (v *View) Err() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.staleErr
}

// Changes 可见状态变化时收到通知，多次变化可能合并为一次
func (v *View) Changes() <-chan struct{} { return v.changes }

func (v *View) Filter() realtime.Filter { return v.filter }

func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	if v.cancel != nil {
		v.cancel()
	}
	if v.sub != nil {
		v.sub.Close()
	}
	if v.done != nil {
		<-v.done
	}
}

func (v *View) notify() {
	select {
	case v.changes <- struct{}{}:
	default:
	}
}

// attach 在 seed 之后开始消费订阅队列
func (v *View) attach(sub *realtime.Subscription) {
	ctx, cancel := context.WithCancel(context.Background())
	v.sub = sub
	v.cancel = cancel
	v.done = make(chan struct{})

	go func() {
		defer close(v.done)
		for {
			ev, err := sub.Next(ctx)
			if realtime.IsStale(err) {
				v.mu.Lock()
				if !v.closed {
					v.staleErr = err
				}
				v.mu.Unlock()
				v.notify()
				continue
			}
			if err != nil {
				return
			}
			v.Apply(ev)
		}
	}()
}
