// Package queue 是会话版本执行请求的持久化 FIFO 队列。
//
// 队列使用 Redis 中的三类键:
//
//	linsight:queue:pending          待执行的 session_version_id (LPUSH 写入, 右端弹出)
//	linsight:queue:processing       已被 worker 取走但尚未确认的 id
//	linsight:queue:lease:{id}       worker 持有的租约, 过期时间为可见性窗口
//
// worker 崩溃后租约过期, 清理协程把 processing 中没有租约的 id 放回 pending 的出队端,
// 并写入 linsight:queue:redeliver:{id} 标记, 下一个取到它的 worker 以接管方式恢复执行。
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"linsight/backend/go/pkg/logger"
)

const (
	PendingKey      = "linsight:queue:pending"
	ProcessingKey   = "linsight:queue:processing"
	leasePrefix     = "linsight:queue:lease:"
	redeliverPrefix = "linsight:queue:redeliver:"

	// redeliverTTL 是接管标记的保留时间。
	redeliverTTL = 24 * time.Hour
)

func leaseKey(id string) string     { return leasePrefix + id }
func redeliverKey(id string) string { return redeliverPrefix + id }

// requeueScript 在租约仍不存在时把 id 从 processing 移回 pending, 并写入接管标记。
var requeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return 0 end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then return 0 end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('SET', KEYS[4], '1', 'EX', ARGV[2])
return 1
`)

// Job 是一次出队得到的执行请求。
type Job struct {
	VersionID string
	// Redelivered 表示该 id 曾被其他 worker 取走但未确认。
	Redelivered bool
}

// Queue 是基于 Redis 列表的执行队列。
type Queue struct {
	rdb          *redis.Client
	visibility   time.Duration
	blockTimeout time.Duration
	log          *logger.Logger

	// suspects 记录上一轮清理时没有租约的 id, 连续两轮都没有租约才放回队列。
	suspects map[string]bool
}

// Option 配置 Queue。
type Option func(*Queue)

// WithBlockTimeout 设置单次阻塞出队的等待时间。
func WithBlockTimeout(d time.Duration) Option { return func(q *Queue) { q.blockTimeout = d } }

// New 创建 Queue。visibility 是租约的过期时间。
func New(rdb *redis.Client, visibility time.Duration, log *logger.Logger, opts ...Option) *Queue {
	if log == nil {
		log = logger.Discard()
	}
	if visibility <= 0 {
		visibility = 30 * time.Minute
	}
	q := &Queue{
		rdb:          rdb,
		visibility:   visibility,
		blockTimeout: 2 * time.Second,
		log:          log,
		suspects:     map[string]bool{},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Visibility 返回租约的过期时间。
func (q *Queue) Visibility() time.Duration { return q.visibility }

// Push 把会话版本加入队尾。
func (q *Queue) Push(ctx context.Context, versionID string) error {
	if err := q.rdb.LPush(ctx, PendingKey, versionID).Err(); err != nil {
		return fmt.Errorf("入队 %s 失败: %w", versionID, err)
	}
	return nil
}

// Pop 阻塞地取出队首并为其加上租约。等待超时返回 (nil, nil)。
func (q *Queue) Pop(ctx context.Context) (*Job, error) {
	id, err := q.rdb.BRPopLPush(ctx, PendingKey, ProcessingKey, q.blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("出队失败: %w", err)
	}
	if err := q.Extend(ctx, id); err != nil {
		return nil, err
	}
	n, err := q.rdb.Del(ctx, redeliverKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取接管标记失败: %w", err)
	}
	return &Job{VersionID: id, Redelivered: n > 0}, nil
}

// Extend 续期租约。租约已被清理时重新写入。
func (q *Queue) Extend(ctx context.Context, versionID string) error {
	if err := q.rdb.Set(ctx, leaseKey(versionID), "1", q.visibility).Err(); err != nil {
		return fmt.Errorf("续期租约 %s 失败: %w", versionID, err)
	}
	return nil
}

// Ack 确认执行结束, 从 processing 中移除并删除租约。
func (q *Queue) Ack(ctx context.Context, versionID string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ProcessingKey, 1, versionID)
		pipe.Del(ctx, leaseKey(versionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("确认 %s 失败: %w", versionID, err)
	}
	return nil
}

// Requeue 是清理协程的一轮扫描, 返回放回队列的数量。
// 同一个 Queue 上的 Requeue 不能并发调用。
func (q *Queue) Requeue(ctx context.Context) (int, error) {
	ids, err := q.rdb.LRange(ctx, ProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("读取 processing 失败: %w", err)
	}
	next := map[string]bool{}
	requeued := 0
	for _, id := range ids {
		exists, err := q.rdb.Exists(ctx, leaseKey(id)).Result()
		if err != nil {
			return requeued, fmt.Errorf("检查租约 %s 失败: %w", id, err)
		}
		if exists == 1 {
			continue
		}
		if !q.suspects[id] {
			next[id] = true
			continue
		}
		keys := []string{ProcessingKey, PendingKey, leaseKey(id), redeliverKey(id)}
		n, err := requeueScript.Run(ctx, q.rdb, keys, id, int(redeliverTTL/time.Second)).Int()
		if err != nil {
			return requeued, fmt.Errorf("放回 %s 失败: %w", id, err)
		}
		if n == 1 {
			requeued++
			q.log.WithTrace(id, "").Warn("租约过期, 会话版本重新入队")
		}
	}
	q.suspects = next
	return requeued, nil
}

// Len 返回待执行与执行中的数量。
func (q *Queue) Len(ctx context.Context) (pending, processing int64, err error) {
	pipe := q.rdb.Pipeline()
	p := pipe.LLen(ctx, PendingKey)
	r := pipe.LLen(ctx, ProcessingKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("读取队列长度失败: %w", err)
	}
	return p.Val(), r.Val(), nil
}
