// Package httpmiddleware 提供 gin 中间件: 按调用方限流与请求日志。
package httpmiddleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
	"linsight/backend/go/pkg/ratelimiter"
)

// KeyFunc 从请求中取出限流的 key。
type KeyFunc func(c *gin.Context) string

// ByClientIP 按客户端 IP 限流。
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByContextValue 优先使用上下文中的值 (例如认证中间件写入的用户 ID), 缺失时退回客户端 IP。
func ByContextValue(key string) KeyFunc {
	return func(c *gin.Context) string {
		if v := c.GetString(key); v != "" {
			return v
		}
		return c.ClientIP()
	}
}

// RateLimit 在 key 的令牌耗尽时返回 429。
func RateLimit(limiter ratelimiter.KeyedLimiter, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(key(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "请求过于频繁"})
			return
		}
		c.Next()
	}
}

// RequestLog 用结构化日志记录每个请求的状态码与耗时。
func RequestLog(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithRequest(models.RequestInfo{
			Method:     c.Request.Method,
			Path:       c.FullPath(),
			RemoteAddr: c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
		}).WithPayload(map[string]interface{}{
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("请求处理失败")
		case status >= http.StatusBadRequest:
			entry.Warn("请求被拒绝")
		default:
			entry.Debug("请求完成")
		}
	}
}
