package llm

import (
	"context"
	"fmt"

	"linsight/backend/go/internal/config"
	"linsight/backend/go/internal/models"
)

// LLM 定义了执行模型客户端必须实现的通用接口。
type LLM interface {
	// Chat 执行一次对话补全, 请求中带有工具时模型可能返回函数调用。
	Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error)
	// ChatStream 以流式方式返回文本增量, 通道关闭表示结束。
	ChatStream(ctx context.Context, req *models.ChatRequest) (<-chan models.ChatChunk, error)
}

// NewClient 是一个工厂函数，根据提供的配置创建并返回一个实现了 LLM 接口的客户端。
func NewClient(cfg config.LLMConfig) (LLM, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("未配置执行模型: %w", models.ErrConfigMissing)
	}
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
