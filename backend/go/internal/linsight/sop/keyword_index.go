package sop

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// BleveIndex 使用 bleve (BM25) 实现 KeywordIndex。
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex 打开或创建关键词索引。path 为空时使用内存索引。
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildMapping())
		if err != nil {
			return nil, fmt.Errorf("创建内存 bleve 索引失败: %w", err)
		}
		return &BleveIndex{index: idx}, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		idx, err := bleve.New(path, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("创建 bleve 索引失败: %w", err)
		}
		return &BleveIndex{index: idx}, nil
	}
	idx, err := bleve.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开 bleve 索引失败: %w", err)
	}
	return &BleveIndex{index: idx}, nil
}

func buildMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("description", text)
	doc.AddFieldMappingsAt("content", text)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

func (b *BleveIndex) Upsert(_ context.Context, docs []KeywordDoc) error {
	if len(docs) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, d); err != nil {
			return fmt.Errorf("写入关键词索引失败: %w", err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("写入关键词索引失败: %w", err)
	}
	return nil
}

func (b *BleveIndex) Delete(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("删除关键词索引失败: %w", err)
	}
	return nil
}

// Search 在 name, description, content 三个字段上做匹配, name 权重更高。
func (b *BleveIndex) Search(ctx context.Context, text string, k int) ([]Hit, error) {
	if text == "" || k <= 0 {
		return nil, nil
	}
	fields := []struct {
		name  string
		boost float64
	}{{"name", 2}, {"description", 1}, {"content", 1}}

	queries := make([]query.Query, 0, len(fields))
	for _, f := range fields {
		q := bleve.NewMatchQuery(text)
		q.SetField(f.name)
		q.SetBoost(f.boost)
		queries = append(queries, q)
	}
	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(queries...), k, 0, false)
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("关键词检索失败: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Count 返回索引中的文档数量。
func (b *BleveIndex) Count() (uint64, error) {
	return b.index.DocCount()
}

// Close 关闭索引。
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
