package sop

import (
	"context"
	"sync"

	"linsight/backend/go/internal/database/milvus"
)

// MilvusIndex 将 Milvus 集合适配为 VectorIndex。
type MilvusIndex struct {
	client *milvus.MilvusClient

	mu    sync.Mutex
	ready bool
}

// NewMilvusIndex 创建 Milvus 向量索引。
func NewMilvusIndex(client *milvus.MilvusClient) *MilvusIndex {
	return &MilvusIndex{client: client}
}

func (m *MilvusIndex) Ensure(ctx context.Context, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}
	if err := m.client.EnsureCollection(ctx, dim); err != nil {
		return err
	}
	m.ready = true
	return nil
}

func (m *MilvusIndex) Upsert(ctx context.Context, docs []VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}
	if err := m.Ensure(ctx, len(docs[0].Vector)); err != nil {
		return err
	}
	ids := make([]string, len(docs))
	texts := make([]string, len(docs))
	vectors := make([][]float32, len(docs))
	for i, d := range docs {
		ids[i], texts[i], vectors[i] = d.ID, d.Text, d.Vector
	}
	return m.client.Upsert(ctx, ids, texts, vectors)
}

func (m *MilvusIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return m.client.Delete(ctx, ids)
}

// Search 在集合尚未创建时返回错误, 由调用方降级为关键词检索。
func (m *MilvusIndex) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if err := m.Ensure(ctx, 0); err != nil {
		return nil, err
	}
	res, err := m.client.Search(ctx, vector, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(res))
	for i, h := range res {
		hits[i] = Hit{ID: h.ID, Score: float64(h.Score)}
	}
	return hits, nil
}

func (m *MilvusIndex) Drop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	return m.client.DropCollection(ctx)
}

// Flush 持久化最近的写入, 重建结束时调用。
func (m *MilvusIndex) Flush(ctx context.Context) error {
	return m.client.Flush(ctx)
}
