// Package agent 实现任务执行的三段流水线: SOP 撰写、任务拆解以及逐任务的工具调用推理循环。
//
// 所有状态写入先落关系库, 再刷新总线镜像并推送事件。
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"linsight/backend/go/internal/config"
	"linsight/backend/go/internal/linsight/blob"
	"linsight/backend/go/internal/linsight/bus"
	"linsight/backend/go/internal/linsight/store"
	"linsight/backend/go/internal/linsight/tools"
	"linsight/backend/go/internal/llm"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

// Config 是推理循环的可调参数。
type Config struct {
	MaxTurns              int
	LLMRetries            int
	RetryBackoff          time.Duration
	Temperature           float32
	DeductToolErrors      bool
	UserInputMaxWait      time.Duration
	RetrievalK            int
	ContinueOnTaskFailure bool
}

// ConfigFrom 从服务配置生成 Config。
func ConfigFrom(cfg config.LinsightConfig) Config {
	return Config{
		MaxTurns:              cfg.MaxTurns,
		LLMRetries:            cfg.LLMRetries,
		RetryBackoff:          time.Second,
		Temperature:           cfg.Temperature,
		DeductToolErrors:      cfg.ToolErrorsDeduct(),
		UserInputMaxWait:      cfg.UserInputMaxWait.Std(),
		RetrievalK:            cfg.RetrievalK,
		ContinueOnTaskFailure: cfg.ContinueOnTaskFailure,
	}
}

func (c *Config) defaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 20
	}
	if c.LLMRetries <= 0 {
		c.LLMRetries = 1
	}
	if c.RetrievalK <= 0 {
		c.RetrievalK = 3
	}
}

// Engine 驱动一个会话版本的 SOP 撰写与任务执行。
type Engine struct {
	llm   llm.LLM
	store *store.Store
	bus   *bus.Bus
	sops  tools.SOPSearcher
	blobs blob.Store
	cfg   Config
	log   *logger.Logger
}

// NewEngine 创建 Engine。sops 与 blobs 可以为 nil。
func NewEngine(model llm.LLM, st *store.Store, b *bus.Bus, sops tools.SOPSearcher, blobs blob.Store, cfg Config, log *logger.Logger) *Engine {
	cfg.defaults()
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{llm: model, store: st, bus: b, sops: sops, blobs: blobs, cfg: cfg, log: log}
}

// chat 调用模型, 失败时按 1s × 尝试次数退避重试, 全部失败返回 ErrLLM。
func (e *Engine) chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	if e.llm == nil {
		return nil, fmt.Errorf("未配置执行模型: %w", models.ErrConfigMissing)
	}
	var lastErr error
	for attempt := 1; attempt <= e.cfg.LLMRetries; attempt++ {
		resp, err := e.llm.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		e.log.WithPayload(map[string]interface{}{"attempt": attempt}).WithError(models.ErrorInfoFrom(err)).Warn("模型调用失败")
		if attempt < e.cfg.LLMRetries {
			if err := sleep(ctx, e.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", models.ErrLLM, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// versionMirror 重新读取会话版本并生成镜像。
func (e *Engine) versionMirror(ctx context.Context, versionID string) (bus.Mirror, *models.SessionVersion, error) {
	v, err := e.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	return bus.WithSessionInfo(v), v, nil
}

// taskMirror 重新读取任务并生成镜像。
func (e *Engine) taskMirror(ctx context.Context, taskID string) (bus.Mirror, *models.ExecutionTask, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return bus.WithTasks(t), t, nil
}

// stale 判断错误是否表示状态已被其他写入者 (通常是终止流程) 改变。
func stale(err error) bool {
	return errors.Is(err, models.ErrStaleTransition)
}
