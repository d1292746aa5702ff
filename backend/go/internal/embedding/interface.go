// Package embedding 为 SOP 库与知识库检索生成文本向量。
package embedding

import (
	"context"
	"fmt"
)

// Embedding 是所有向量模型的公共接口。
type Embedding interface {
	// Embed 为单个文本生成向量。
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch 为一批文本生成向量, 返回顺序与输入一致。
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ModelType 表示模型厂商。
type ModelType string

const (
	OpenAI ModelType = "openai" // OpenAI 及兼容服务。
	Google ModelType = "google" // Google GenAI。
	Ollama ModelType = "ollama" // 本地 Ollama。
)

// embedFunc 对一段输入做一次远程调用。
type embedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// batched 按厂商的单次上限切分输入, 逐段调用并校验返回数量。
func batched(ctx context.Context, texts []string, limit int, fn embedFunc) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += limit {
		end := min(start+limit, len(texts))
		vecs, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("期望 %d 个向量, 实际返回 %d 个", end-start, len(vecs))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// first 取单条输入的结果。
func first(vecs [][]float32, err error) ([]float32, error) {
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
