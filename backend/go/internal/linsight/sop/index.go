// Package sop 实现 SOP 库: 主表 + 向量索引 + 关键词索引的混合检索。
package sop

import (
	"context"

	"linsight/backend/go/internal/models"
)

// Hit 是单个检索器返回的结果, ID 为 vector_store_id。
type Hit struct {
	ID    string
	Score float64
}

// VectorDoc 是写入向量索引的文档。
type VectorDoc struct {
	ID     string
	Text   string
	Vector []float32
}

// KeywordDoc 是写入关键词索引的文档。
type KeywordDoc struct {
	ID          string `json:"-"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

func keywordDocOf(s *models.SOP) KeywordDoc {
	return KeywordDoc{ID: s.VectorStoreID, Name: s.Name, Description: s.Description, Content: s.Content}
}

// VectorIndex 是稠密向量索引。
type VectorIndex interface {
	// Ensure 确保集合存在, dim 为向量维度。
	Ensure(ctx context.Context, dim int) error
	Upsert(ctx context.Context, docs []VectorDoc) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
	// Drop 删除整个集合, 重建时使用。
	Drop(ctx context.Context) error
}

// KeywordIndex 是倒排关键词索引。
type KeywordIndex interface {
	Upsert(ctx context.Context, docs []KeywordDoc) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, query string, k int) ([]Hit, error)
}

// Repository 是 SOP 主表的访问接口, 由任务存储实现。
type Repository interface {
	CreateSOP(ctx context.Context, s *models.SOP) error
	UpdateSOP(ctx context.Context, s *models.SOP) error
	GetSOP(ctx context.Context, id uint) (*models.SOP, error)
	GetSOPsByIDs(ctx context.Context, ids []uint) ([]models.SOP, error)
	GetSOPsByVectorIDs(ctx context.Context, vectorIDs []string) ([]models.SOP, error)
	DeleteSOPs(ctx context.Context, ids []uint) error
	ListSOPs(ctx context.Context, keyword string, page, pageSize int) ([]models.SOP, int64, error)
	// ListSOPsAfter 按 ID 升序返回 ID 大于 afterID 的至多 limit 条记录。
	ListSOPsAfter(ctx context.Context, afterID uint, limit int) ([]models.SOP, error)
}
