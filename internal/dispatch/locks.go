package dispatch

import (
	"hash/fnv"
	"sync"
)

// stripedLock 按 id 分片加锁，同一 id 的写入和事件发布串行
type stripedLock struct {
	shards []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	if n <= 0 {
		n = 64
	}
	return &stripedLock{shards: make([]sync.Mutex, n)}
}

func (l *stripedLock) Lock(key string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.shards[h.Sum32()%uint32(len(l.shards))]
	m.Lock()
	return m.Unlock
}
