// Package cache 提供并发安全的泛型 LRU 缓存。
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// Config 配置 LRU 的容量与过期时间。
type Config struct {
	// Capacity 是最多保留的条目数, 必须为正数。
	Capacity int
	// TTL 为 0 时条目不过期。
	TTL time.Duration
	// OnEvict 在条目因容量或过期被移除时调用, 调用时不持有锁。
	OnEvict func(key, value any)
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// LRU 是一个按最近使用淘汰的缓存。
type LRU[K comparable, V any] struct {
	cfg   Config
	now   func() time.Time
	ll    *list.List
	items map[K]*list.Element
	mu    sync.Mutex
}

// New 创建 LRU。
func New[K comparable, V any](cfg Config) (*LRU[K, V], error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("LRU 容量必须为正数, 实际为 %d", cfg.Capacity)
	}
	return &LRU[K, V]{cfg: cfg, now: time.Now, ll: list.New(), items: make(map[K]*list.Element)}, nil
}

// Get 返回 key 对应的值并将其标记为最近使用。过期条目视为不存在。
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e) {
		c.remove(el)
		c.mu.Unlock()
		c.evicted(e)
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.mu.Unlock()
	return e.value, true
}

// GetOrCreate 返回已有的值, 不存在时用 create 创建并写入。
// create 在锁内调用, 不能再访问同一个缓存。
func (c *LRU[K, V]) GetOrCreate(key K, create func() V) V {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		if !c.expired(e) {
			c.ll.MoveToFront(el)
			c.mu.Unlock()
			return e.value
		}
		c.remove(el)
		defer c.evicted(e)
	}
	v := create()
	evicted := c.insert(key, v)
	c.mu.Unlock()
	for _, e := range evicted {
		c.evicted(e)
	}
	return v
}

// Put 写入或覆盖一个条目。
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = c.deadline()
		c.ll.MoveToFront(el)
		c.mu.Unlock()
		return
	}
	evicted := c.insert(key, value)
	c.mu.Unlock()
	for _, e := range evicted {
		c.evicted(e)
	}
}

// Delete 移除一个条目, 不触发 OnEvict。
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
}

// Len 返回当前条目数, 包括尚未被访问到的过期条目。
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// insert 假设已持有锁, 返回因超出容量被淘汰的条目。
func (c *LRU[K, V]) insert(key K, value V) []*entry[K, V] {
	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value, expiresAt: c.deadline()})
	var out []*entry[K, V]
	for c.ll.Len() > c.cfg.Capacity {
		back := c.ll.Back()
		out = append(out, back.Value.(*entry[K, V]))
		c.remove(back)
	}
	return out
}

func (c *LRU[K, V]) remove(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}

func (c *LRU[K, V]) deadline() time.Time {
	if c.cfg.TTL <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.cfg.TTL)
}

func (c *LRU[K, V]) expired(e *entry[K, V]) bool {
	return !e.expiresAt.IsZero() && c.now().After(e.expiresAt)
}

func (c *LRU[K, V]) evicted(e *entry[K, V]) {
	if c.cfg.OnEvict != nil {
		c.cfg.OnEvict(e.key, e.value)
	}
}
