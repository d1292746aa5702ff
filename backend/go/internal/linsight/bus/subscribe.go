package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"

	"linsight/backend/go/internal/models"
)

// Subscription 是一次订阅。Events 在分区结束、ctx 取消或读取失败时关闭。
type Subscription struct {
	events chan models.Event

	mu  sync.Mutex
	err error
}

// Events 返回事件通道。
func (s *Subscription) Events() <-chan models.Event { return s.events }

// Err 在 Events 关闭后返回关闭原因; 分区正常结束时为 nil。
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

// Subscribe 从 from 开始回放分区日志, 然后持续跟随新事件。
// 投递一个终止事件后订阅结束。
func (b *Bus) Subscribe(ctx context.Context, versionID string, from int64) *Subscription {
	sub := &Subscription{events: make(chan models.Event, 64)}
	go func() {
		sub.finish(b.follow(ctx, versionID, from, sub.events))
	}()
	return sub
}

func (b *Bus) follow(ctx context.Context, versionID string, from int64, out chan<- models.Event) error {
	key := streamKey(versionID)

	// 回放
	msgs, err := b.rdb.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return b.readErr(ctx, err)
	}
	lastID := "0-0"
	for _, m := range msgs {
		lastID = m.ID
		done, err := deliver(ctx, m, from, out)
		if err != nil || done {
			return err
		}
	}

	// 跟随
	for {
		res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   100,
			Block:   b.blockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			closed, cerr := b.expired(ctx, versionID)
			if cerr != nil {
				return b.readErr(ctx, cerr)
			}
			if closed {
				return nil
			}
			continue
		}
		if err != nil {
			return b.readErr(ctx, err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				lastID = m.ID
				done, err := deliver(ctx, m, from, out)
				if err != nil || done {
					return err
				}
			}
		}
	}
}

// expired 判断分区是否已经过期: 日志不存在且会话版本已是终态 (或镜像也已过期)。
func (b *Bus) expired(ctx context.Context, versionID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, streamKey(versionID)).Result()
	if err != nil || n > 0 {
		return false, err
	}
	info, err := b.GetSessionInfo(ctx, versionID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Status.IsTerminal(), nil
}

func (b *Bus) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("订阅已取消: %w", models.ErrStreamClosed)
	}
	return fmt.Errorf("读取事件流失败: %w", err)
}

// deliver 解析并投递一条日志, 返回分区是否已结束。
func deliver(ctx context.Context, m redis.XMessage, from int64, out chan<- models.Event) (bool, error) {
	evt, err := decodeMessage(m)
	if err != nil {
		return false, err
	}
	if evt.Offset < from {
		return false, nil
	}
	select {
	case out <- evt:
	case <-ctx.Done():
		return false, fmt.Errorf("订阅已取消: %w", models.ErrStreamClosed)
	}
	return evt.IsTerminal(), nil
}

func decodeMessage(m redis.XMessage) (models.Event, error) {
	var evt models.Event
	raw, ok := m.Values["event"].(string)
	if !ok {
		return evt, fmt.Errorf("事件 %s 缺少 event 字段", m.ID)
	}
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return evt, fmt.Errorf("解析事件 %s 失败: %w", m.ID, err)
	}
	if s, ok := m.Values["offset"].(string); ok {
		off, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return evt, fmt.Errorf("事件 %s offset 非法: %w", m.ID, err)
		}
		evt.Offset = off
	}
	return evt, nil
}
