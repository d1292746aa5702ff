package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	ollama "github.com/ollama/ollama/api"
)

const (
	defaultOllamaURL = "http://localhost:11434"
	ollamaBatchLimit = 256
)

// OllamaModel 调用本地 Ollama 的 /api/embed。
type OllamaModel struct {
	client *ollama.Client
	model  string
}

// NewOllamaModel 创建客户端, baseURL 为空时连接本机默认端口。
func NewOllamaModel(model, baseURL string) (*OllamaModel, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama 地址无效 %q: %w", baseURL, err)
	}
	// 首次调用可能需要加载模型, 超时放宽。
	hc := &http.Client{Timeout: 2 * time.Minute}
	return &OllamaModel{client: ollama.NewClient(u, hc), model: model}, nil
}

func (m *OllamaModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return first(m.EmbedBatch(ctx, []string{text}))
}

func (m *OllamaModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return batched(ctx, texts, ollamaBatchLimit, func(ctx context.Context, part []string) ([][]float32, error) {
		resp, err := m.client.Embed(ctx, &ollama.EmbedRequest{Model: m.model, Input: part})
		if err != nil {
			return nil, fmt.Errorf("ollama embed (%s): %w", m.model, err)
		}
		return resp.Embeddings, nil
	})
}
