package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// localCache 基于 golang-lru 的有界本地缓存，超出容量按 LRU 淘汰
type localCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, cacheItem]
}

// cacheItem 缓存项，expiration 为零表示只受 LRU 的全局 TTL 约束
type cacheItem struct {
	value      interface{}
	expiration time.Time
}

func (it cacheItem) expired(now time.Time) bool {
	return !it.expiration.IsZero() && now.After(it.expiration)
}

// NewLocalCache 创建本地缓存
func NewLocalCache(config LocalConfig) Cache {
	size := config.MaxSize
	if size <= 0 {
		size = 10000
	}
	return &localCache{
		lru: expirable.NewLRU[string, cacheItem](size, nil, config.DefaultExpiration),
	}
}

// Get 获取缓存值
func (lc *localCache) Get(ctx context.Context, key string) (interface{}, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	item, ok := lc.lru.Get(key)
	if !ok {
		return nil, false
	}
	if item.expired(time.Now()) {
		lc.lru.Remove(key)
		return nil, false
	}
	return item.value, true
}

// Set 设置缓存值
func (lc *localCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.lru.Add(key, newItem(value, expiration))
	return nil
}

// SetNX 检查与写入在同一把锁内完成
func (lc *localCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if item, ok := lc.lru.Peek(key); ok && !item.expired(time.Now()) {
		return false, nil
	}
	lc.lru.Add(key, newItem(value, expiration))
	return true, nil
}

// Delete 删除缓存
func (lc *localCache) Delete(ctx context.Context, key string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.lru.Remove(key)
	return nil
}

// Exists 检查键是否存在
func (lc *localCache) Exists(ctx context.Context, key string) bool {
	_, ok := lc.Get(ctx, key)
	return ok
}

// Close 清空缓存
func (lc *localCache) Close() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.lru.Purge()
	return nil
}

func newItem(value interface{}, expiration time.Duration) cacheItem {
	item := cacheItem{value: value}
	if expiration > 0 {
		item.expiration = time.Now().Add(expiration)
	}
	return item
}
