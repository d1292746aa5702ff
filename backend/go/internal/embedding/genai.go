package embedding

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// genaiBatchLimit 是 BatchEmbedContents 单次请求的上限。
const genaiBatchLimit = 100

// GoogleModel 调用 Gemini 的 embedding 接口。
type GoogleModel struct {
	model *genai.EmbeddingModel
	name  string
}

// NewGoogleModel 使用 API Key 创建客户端。
func NewGoogleModel(ctx context.Context, apiKey string, modelName string) (*GoogleModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("创建 GenAI 客户端失败: %w", err)
	}
	return &GoogleModel{model: client.EmbeddingModel(modelName), name: modelName}, nil
}

func (m *GoogleModel) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := m.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("genai embed (%s): %w", m.name, err)
	}
	if res.Embedding == nil {
		return nil, fmt.Errorf("genai embed (%s): 未返回向量", m.name)
	}
	return res.Embedding.Values, nil
}

func (m *GoogleModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return batched(ctx, texts, genaiBatchLimit, func(ctx context.Context, part []string) ([][]float32, error) {
		b := m.model.NewBatch()
		for _, text := range part {
			b.AddContent(genai.Text(text))
		}
		res, err := m.model.BatchEmbedContents(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("genai batch embed (%s): %w", m.name, err)
		}
		out := make([][]float32, len(res.Embeddings))
		for i, e := range res.Embeddings {
			if e != nil {
				out[i] = e.Values
			}
		}
		return out, nil
	})
}
