// Package bus 是按 session_version_id 分区的状态与消息总线。
//
// 每个分区在 Redis 中维护以下键:
//
//	linsight:sv:{id}:info         会话版本的最新镜像 (JSON)
//	linsight:sv:{id}:tasks        全部任务的最新镜像 (hash, field 为 task id)
//	linsight:sv:{id}:stream       事件日志 (Redis stream)
//	linsight:sv:{id}:offset       事件 offset 计数器, 从 0 开始
//	linsight:sv:{id}:once:{kind}  EmitOnce 的去重标记
//
// 镜像只是缓存, 关系库才是权威数据, 重启后通过 Rehydrate 重建。
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

const keyPrefix = "linsight:sv:"

func infoKey(id string) string   { return keyPrefix + id + ":info" }
func tasksKey(id string) string  { return keyPrefix + id + ":tasks" }
func streamKey(id string) string { return keyPrefix + id + ":stream" }
func offsetKey(id string) string { return keyPrefix + id + ":offset" }

func onceKey(id string, kind models.EventKind) string {
	return keyPrefix + id + ":once:" + string(kind)
}

// pushScript 原子地分配 offset 并追加事件, 保证 offset 顺序与日志顺序一致。
var pushScript = redis.NewScript(`
local off = redis.call('INCR', KEYS[2]) - 1
redis.call('XADD', KEYS[1], '*', 'offset', off, 'event', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return off
`)

// EventSink 接收每个已写入总线的事件, 用于镜像到外部系统。
type EventSink interface {
	Publish(ctx context.Context, evt models.Event) error
}

// UserInputStore 是提交用户输入所需的持久化操作。
type UserInputStore interface {
	CompleteUserInput(ctx context.Context, taskID string, input models.CallUserInput) (bool, error)
	GetTask(ctx context.Context, id string) (*models.ExecutionTask, error)
}

// Bus 是基于 Redis 的状态与消息总线。
type Bus struct {
	rdb   *redis.Client
	ttl   time.Duration
	store UserInputStore
	sink  EventSink
	log   *logger.Logger

	pollInterval time.Duration
	blockTimeout time.Duration
}

// Option 配置 Bus。
type Option func(*Bus)

// WithSink 设置事件镜像。
func WithSink(sink EventSink) Option { return func(b *Bus) { b.sink = sink } }

// WithPollInterval 设置 WaitTaskStatus 的轮询间隔。
func WithPollInterval(d time.Duration) Option { return func(b *Bus) { b.pollInterval = d } }

// WithBlockTimeout 设置订阅时单次 XREAD 的阻塞时间。
func WithBlockTimeout(d time.Duration) Option { return func(b *Bus) { b.blockTimeout = d } }

// New 创建 Bus。ttl 为分区所有键的过期时间。
func New(rdb *redis.Client, store UserInputStore, ttl time.Duration, log *logger.Logger, opts ...Option) *Bus {
	if log == nil {
		log = logger.Discard()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	b := &Bus{
		rdb:          rdb,
		ttl:          ttl,
		store:        store,
		log:          log,
		pollInterval: 200 * time.Millisecond,
		blockTimeout: time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Mirror 是随事件一起写入的镜像更新。
type Mirror func(ctx context.Context, pipe redis.Pipeliner, ttl time.Duration) error

// WithSessionInfo 在推送事件前刷新会话版本镜像。
func WithSessionInfo(v *models.SessionVersion) Mirror {
	return func(ctx context.Context, pipe redis.Pipeliner, ttl time.Duration) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		pipe.Set(ctx, infoKey(v.ID), raw, ttl)
		return nil
	}
}

// WithTasks 在推送事件前刷新任务镜像。
func WithTasks(tasks ...*models.ExecutionTask) Mirror {
	return func(ctx context.Context, pipe redis.Pipeliner, ttl time.Duration) error {
		if len(tasks) == 0 {
			return nil
		}
		values := make([]interface{}, 0, len(tasks)*2)
		for _, t := range tasks {
			raw, err := json.Marshal(t)
			if err != nil {
				return err
			}
			values = append(values, t.ID, raw)
		}
		key := tasksKey(tasks[0].SessionVersionID)
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, ttl)
		return nil
	}
}

// UpdateMirror 只刷新镜像, 不产生事件。
func (b *Bus) UpdateMirror(ctx context.Context, mirrors ...Mirror) error {
	if len(mirrors) == 0 {
		return nil
	}
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range mirrors {
			if err := m(ctx, pipe, b.ttl); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("刷新状态镜像失败: %w", err)
	}
	return nil
}

// Push 先刷新镜像, 再把事件追加到分区日志, 返回带 offset 的事件。
func (b *Bus) Push(ctx context.Context, evt models.Event, mirrors ...Mirror) (models.Event, error) {
	if evt.SessionVersionID == "" {
		return evt, fmt.Errorf("事件缺少 session_version_id")
	}
	if err := b.UpdateMirror(ctx, mirrors...); err != nil {
		return evt, err
	}

	evt.Offset = 0
	raw, err := json.Marshal(evt)
	if err != nil {
		return evt, fmt.Errorf("序列化事件失败: %w", err)
	}
	id := evt.SessionVersionID
	off, err := pushScript.Run(ctx, b.rdb,
		[]string{streamKey(id), offsetKey(id)},
		string(raw), b.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return evt, fmt.Errorf("写入事件流失败: %w", err)
	}
	evt.Offset = off

	if b.sink != nil {
		if err := b.sink.Publish(ctx, evt); err != nil {
			b.log.WithTrace(id, "").WithError(models.ErrorInfoFrom(err)).Warn("事件镜像失败")
		}
	}
	return evt, nil
}

// Emit 构造并推送一个事件。
func (b *Bus) Emit(ctx context.Context, versionID string, kind models.EventKind, data any, mirrors ...Mirror) (models.Event, error) {
	evt, err := models.NewEvent(kind, versionID, data)
	if err != nil {
		return evt, err
	}
	return b.Push(ctx, evt, mirrors...)
}

// EmitOnce 与 Emit 相同, 但同一分区的同一种事件只推送一次。已推送过时只刷新镜像并返回 false。
func (b *Bus) EmitOnce(ctx context.Context, versionID string, kind models.EventKind, data any, mirrors ...Mirror) (bool, error) {
	key := onceKey(versionID, kind)
	first, err := b.rdb.SetNX(ctx, key, 1, b.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("写入事件去重标记失败: %w", err)
	}
	if !first {
		return false, b.UpdateMirror(ctx, mirrors...)
	}
	if _, err := b.Emit(ctx, versionID, kind, data, mirrors...); err != nil {
		// 推送失败时撤销标记, 允许重试
		if derr := b.rdb.Del(context.WithoutCancel(ctx), key).Err(); derr != nil {
			b.log.WithTrace(versionID, "").WithError(models.ErrorInfoFrom(derr)).Warn("撤销事件去重标记失败")
		}
		return false, err
	}
	return true, nil
}

// GetSessionInfo 读取会话版本镜像, 不存在时返回 ErrNotFound。
func (b *Bus) GetSessionInfo(ctx context.Context, versionID string) (*models.SessionVersion, error) {
	raw, err := b.rdb.Get(ctx, infoKey(versionID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("会话版本镜像 %s: %w", versionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话版本镜像失败: %w", err)
	}
	var v models.SessionVersion
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("解析会话版本镜像失败: %w", err)
	}
	return &v, nil
}

// GetTasks 读取全部任务镜像, 按创建时间与 position 排序。
func (b *Bus) GetTasks(ctx context.Context, versionID string) ([]*models.ExecutionTask, error) {
	all, err := b.rdb.HGetAll(ctx, tasksKey(versionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取任务镜像失败: %w", err)
	}
	tasks := make([]*models.ExecutionTask, 0, len(all))
	for _, raw := range all {
		var t models.ExecutionTask
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("解析任务镜像失败: %w", err)
		}
		tasks = append(tasks, &t)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// GetTask 读取单个任务镜像。
func (b *Bus) GetTask(ctx context.Context, versionID, taskID string) (*models.ExecutionTask, error) {
	raw, err := b.rdb.HGet(ctx, tasksKey(versionID), taskID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("任务镜像 %s: %w", taskID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("读取任务镜像失败: %w", err)
	}
	var t models.ExecutionTask
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("解析任务镜像失败: %w", err)
	}
	return &t, nil
}

// Rehydrate 用关系库中的数据重建分区镜像。
func (b *Bus) Rehydrate(ctx context.Context, v *models.SessionVersion, tasks []models.ExecutionTask) error {
	mirrors := []Mirror{WithSessionInfo(v)}
	if len(tasks) > 0 {
		ptrs := make([]*models.ExecutionTask, len(tasks))
		for i := range tasks {
			ptrs[i] = &tasks[i]
		}
		mirrors = append(mirrors, WithTasks(ptrs...))
	}
	return b.UpdateMirror(ctx, mirrors...)
}

// SetUserInput 记录用户对任务的回复: 追加 CallUserInput 步骤, 任务迁移到 user_input_completed,
// 并推送 user_input_completed 事件。任务不在等待状态时是空操作, 返回 false。
func (b *Bus) SetUserInput(ctx context.Context, versionID, taskID, text string, files []models.FileDescriptor) (bool, error) {
	if b.store == nil {
		return false, fmt.Errorf("总线未配置任务存储")
	}
	applied, err := b.store.CompleteUserInput(ctx, taskID, models.CallUserInput{UserInput: text, Files: files})
	if err != nil {
		return false, err
	}
	if !applied {
		b.log.WithTrace(versionID, "").WithPayload(map[string]interface{}{"task_id": taskID}).
			Info("任务不在等待用户输入状态, 忽略重复提交")
		return false, nil
	}
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return true, err
	}
	_, err = b.Emit(ctx, versionID, models.EventUserInputCompleted, models.UserInputCompletedData{
		TaskID:    taskID,
		UserInput: text,
		Files:     files,
	}, WithTasks(task))
	return true, err
}

// WaitTaskStatus 轮询任务镜像, 直到任务处于 statuses 之一或 ctx 结束。
func (b *Bus) WaitTaskStatus(ctx context.Context, versionID, taskID string, statuses ...models.TaskStatus) (*models.ExecutionTask, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		task, err := b.GetTask(ctx, versionID, taskID)
		if err != nil && ctx.Err() == nil {
			b.log.WithTrace(versionID, "").WithError(models.ErrorInfoFrom(err)).Debug("读取任务镜像失败, 稍后重试")
		}
		if task != nil {
			for _, s := range statuses {
				if task.Status == s {
					return task, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Len 返回分区中的事件数量。
func (b *Bus) Len(ctx context.Context, versionID string) (int64, error) {
	return b.rdb.XLen(ctx, streamKey(versionID)).Result()
}
