package embedding

import (
	"context"
	"fmt"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// openAIBatchLimit 是 /embeddings 单次请求允许的最大输入数。
const openAIBatchLimit = 2048

// OpenAIModel 调用 OpenAI 或兼容服务的 /embeddings 接口。
type OpenAIModel struct {
	client *openai.Client
	model  string
}

// NewOpenAIModel 创建客户端, baseURL 为空时使用官方地址。
func NewOpenAIModel(apiKey, modelName, baseURL string) *OpenAIModel {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIModel{client: openai.NewClientWithConfig(cfg), model: modelName}
}

func (m *OpenAIModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return first(m.EmbedBatch(ctx, []string{text}))
}

func (m *OpenAIModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return batched(ctx, texts, openAIBatchLimit, m.embedOnce)
}

func (m *OpenAIModel) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := m.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(m.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings (%s): %w", m.model, err)
	}
	// 服务端不保证按输入顺序返回, 以 Index 为准。
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = i
		}
		out[idx] = d.Embedding
	}
	return out, nil
}
