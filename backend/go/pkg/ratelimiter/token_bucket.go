package ratelimiter

import (
	"sync"
	"time"
)

// TokenBucket 是令牌桶限流器, 允许不超过容量的突发请求。
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64 // 每秒生成的令牌数
	capacity float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket 创建一个装满令牌的桶。
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate float64, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{rate: rate, capacity: float64(capacity), tokens: float64(capacity), last: now(), now: now}
}

// Allow 先按经过的时间补充令牌, 有令牌时消耗一个并放行。
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// full 报告桶是否已补满, 用于回收空闲的桶。
func (tb *TokenBucket) full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens >= tb.capacity
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	if elapsed := now.Sub(tb.last); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.last = now
	}
}
