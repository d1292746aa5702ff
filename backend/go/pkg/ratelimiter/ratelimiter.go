// Package ratelimiter 提供令牌桶限流, 以及按调用方分桶的限流器。
package ratelimiter

// RateLimiter 判断一次请求是否放行。
type RateLimiter interface {
	Allow() bool
}

// KeyedLimiter 按 key (通常是用户 ID) 分别限流。
type KeyedLimiter interface {
	Allow(key string) bool
}
