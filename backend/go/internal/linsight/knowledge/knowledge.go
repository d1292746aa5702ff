// Package knowledge 把外部知识库的 Milvus 集合适配为知识检索工具的后端。
// 知识库的导入与切分由外部服务完成, 这里只做检索。
package knowledge

import (
	"context"
	"fmt"
	"strconv"

	"linsight/backend/go/internal/config"
	"linsight/backend/go/internal/database/milvus"
	"linsight/backend/go/internal/embedding"
	"linsight/backend/go/internal/linsight/tools"
	"linsight/backend/go/pkg/cache"
)

// Scope 决定检索是否按用户过滤。
type Scope int

const (
	// Personal 只返回 user_id 等于调用方的片段。
	Personal Scope = iota
	// Org 返回组织内所有片段。
	Org
)

func (s Scope) String() string {
	if s == Personal {
		return "personal_knowledge"
	}
	return "org_knowledge"
}

// PassageSearcher 是 Milvus 客户端的检索操作。
type PassageSearcher interface {
	SearchPassages(ctx context.Context, collection, expr, textField, sourceField string, vector []float32, topK int) ([]milvus.Passage, error)
}

// Searcher 实现 tools.KnowledgeSearcher。
type Searcher struct {
	scope      Scope
	collection string
	fields     config.KnowledgeConfig
	milvus     PassageSearcher
	embedder   embedding.Embedding
	vectors    *cache.LRU[string, []float32]
}

var _ tools.KnowledgeSearcher = (*Searcher)(nil)

// New 创建一个知识库检索后端。
func New(scope Scope, collection string, cfg config.KnowledgeConfig, m PassageSearcher, embedder embedding.Embedding) (*Searcher, error) {
	if collection == "" {
		return nil, fmt.Errorf("%s 未配置集合", scope)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%s 需要 embedding 模型", scope)
	}
	vectors, err := cache.New[string, []float32](cache.Config{Capacity: cfg.QueryCacheSize, TTL: cfg.QueryCacheTTL.Std()})
	if err != nil {
		return nil, err
	}
	return &Searcher{scope: scope, collection: collection, fields: cfg, milvus: m, embedder: embedder, vectors: vectors}, nil
}

// FromConfig 按配置创建个人与组织知识库后端, 未配置集合的一方返回 nil。
func FromConfig(cfg config.KnowledgeConfig, m PassageSearcher, embedder embedding.Embedding) (personal, org *Searcher, err error) {
	if cfg.PersonalCollection != "" {
		if personal, err = New(Personal, cfg.PersonalCollection, cfg, m, embedder); err != nil {
			return nil, nil, err
		}
	}
	if cfg.OrgCollection != "" {
		if org, err = New(Org, cfg.OrgCollection, cfg, m, embedder); err != nil {
			return nil, nil, err
		}
	}
	return personal, org, nil
}

func (s *Searcher) Name() string { return s.scope.String() }

func (s *Searcher) Search(ctx context.Context, userID, query string, k int) ([]tools.KnowledgeHit, error) {
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	passages, err := s.milvus.SearchPassages(ctx, s.collection, s.filter(userID), s.fields.TextField, s.fields.SourceField, vec, k)
	if err != nil {
		return nil, err
	}
	hits := make([]tools.KnowledgeHit, 0, len(passages))
	for _, p := range passages {
		hits = append(hits, tools.KnowledgeHit{Source: p.Source, Content: p.Text, Score: float64(p.Score)})
	}
	return hits, nil
}

func (s *Searcher) embed(ctx context.Context, query string) ([]float32, error) {
	if v, ok := s.vectors.Get(query); ok {
		return v, nil
	}
	v, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("生成查询向量失败: %w", err)
	}
	s.vectors.Put(query, v)
	return v, nil
}

// filter 生成 Milvus 过滤表达式。组织知识库不过滤。
func (s *Searcher) filter(userID string) string {
	if s.scope != Personal {
		return ""
	}
	return s.fields.UserField + " == " + strconv.Quote(userID)
}
