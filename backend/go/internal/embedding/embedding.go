package embedding

import (
	"context"
	"fmt"
	"time"

	"linsight/backend/go/internal/config"
	"linsight/backend/go/internal/models"
)

// NewFromConfig 根据配置创建向量模型。
// Provider 支持 "openai" (默认), "ollama", "google"/"gemini"。
// 配置了 Dim 时, 返回的模型会校验每个向量的维度, 避免写入 Milvus 时才失败。
func NewFromConfig(ctx context.Context, cfg config.EmbeddingConfig) (Embedding, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("未配置 embedding 模型: %w", models.ErrConfigMissing)
	}
	var (
		m   Embedding
		err error
	)
	switch ModelType(cfg.Provider) {
	case OpenAI, "":
		m = NewOpenAIModel(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case Ollama:
		m, err = NewOllamaModel(cfg.Model, cfg.BaseURL)
	case Google, "gemini":
		m, err = NewGoogleModel(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("不支持的 embedding 提供商: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Dim > 0 {
		return WithDimension(m, cfg.Dim), nil
	}
	return m, nil
}

// dimChecked 校验向量维度。
type dimChecked struct {
	Embedding
	dim int
}

// WithDimension 包装 m, 维度与 dim 不一致的结果会被当作错误返回。
func WithDimension(m Embedding, dim int) Embedding {
	return &dimChecked{Embedding: m, dim: dim}
}

func (d *dimChecked) check(vec []float32) error {
	if len(vec) != d.dim {
		return fmt.Errorf("向量维度为 %d, 配置为 %d", len(vec), d.dim)
	}
	return nil
}

func (d *dimChecked) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := d.Embedding.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := d.check(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func (d *dimChecked) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := d.Embedding.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, vec := range vecs {
		if err := d.check(vec); err != nil {
			return nil, fmt.Errorf("第 %d 条: %w", i, err)
		}
	}
	return vecs, nil
}

// Probe 对 embedding 服务做一次健康探测。
func Probe(ctx context.Context, m Embedding) error {
	if m == nil {
		return fmt.Errorf("embedding 模型未配置: %w", models.ErrConfigMissing)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	vec, err := m.Embed(ctx, "health")
	if err != nil {
		return fmt.Errorf("embedding 健康检查失败: %w", err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("embedding 健康检查返回空向量")
	}
	return nil
}
