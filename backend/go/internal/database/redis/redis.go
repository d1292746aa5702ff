// Package redis 管理状态总线与任务队列共用的 Redis 连接池。
package redis

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"linsight/backend/go/internal/config"
)

var (
	client  *redis.Client
	once    sync.Once
	initErr error
)

// Options 把配置转换成 go-redis 的连接参数。
// 阻塞命令 (BRPOPLPUSH, XREAD BLOCK) 会占住连接直到超时, ReadTimeout 不能小于它们的等待时间。
func Options(cfg *config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout.Std(),
		ReadTimeout: cfg.ReadTimeout.Std(),
	}
	if opts.ReadTimeout > 0 {
		opts.WriteTimeout = opts.ReadTimeout
	}
	return opts
}

// GetClient 首次调用时建立连接并 PING 一次, 之后返回同一个客户端。
func GetClient(cfg *config.RedisConfig) (*redis.Client, error) {
	once.Do(func() {
		opts := Options(cfg)
		rdb := redis.NewClient(opts)

		wait := opts.DialTimeout + opts.ReadTimeout
		if wait <= 0 {
			wait = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			initErr = fmt.Errorf("连接 Redis %s 失败: %w", cfg.Address, err)
			return
		}
		log.Printf("Redis 已连接: %s db=%d", cfg.Address, cfg.DB)
		client = rdb
	})
	return client, initErr
}

// Close 关闭连接池。
func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}

// HealthCheck PING 一次 Redis。
func HealthCheck(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("Redis 客户端未初始化")
	}
	return client.Ping(ctx).Err()
}
