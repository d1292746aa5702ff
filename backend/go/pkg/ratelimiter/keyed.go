package ratelimiter

import (
	"sync"
	"time"
)

// sweepEvery 次 Allow 调用后回收一次已补满的桶。
const sweepEvery = 1024

// KeyedTokenBucket 为每个 key 维护一个独立的令牌桶。
type KeyedTokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity int
	buckets  map[string]*TokenBucket
	calls    int
	now      func() time.Time
}

// NewKeyedTokenBucket 创建按 key 分桶的限流器。
func NewKeyedTokenBucket(rate float64, capacity int) *KeyedTokenBucket {
	return &KeyedTokenBucket{rate: rate, capacity: capacity, buckets: map[string]*TokenBucket{}, now: time.Now}
}

func (k *KeyedTokenBucket) Allow(key string) bool {
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = newTokenBucket(k.rate, k.capacity, k.now)
		k.buckets[key] = b
	}
	k.calls++
	if k.calls%sweepEvery == 0 {
		for id, other := range k.buckets {
			if id != key && other.full() {
				delete(k.buckets, id)
			}
		}
	}
	k.mu.Unlock()
	return b.Allow()
}

// Len 返回当前持有的桶数量。
func (k *KeyedTokenBucket) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
