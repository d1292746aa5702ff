package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/backend/go/internal/config"
	"linsight/backend/go/internal/database/milvus"
	"linsight/backend/go/internal/linsight/tools"
)

type fakeMilvus struct {
	collection, expr string
	passages         []milvus.Passage
	err              error
}

func (f *fakeMilvus) SearchPassages(_ context.Context, collection, expr, _, _ string, _ []float32, _ int) ([]milvus.Passage, error) {
	f.collection, f.expr = collection, expr
	return f.passages, f.err
}

type countingEmbedder struct{ calls int }

func (e *countingEmbedder) Embed(context.Context, string) ([]float32, error) {
	e.calls++
	return []float32{1, 0}, nil
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = e.Embed(ctx, texts[i])
	}
	return out, nil
}

func testConfig() config.KnowledgeConfig {
	return config.KnowledgeConfig{
		PersonalCollection: "kb_personal",
		OrgCollection:      "kb_org",
		TextField:          "text",
		SourceField:        "file_name",
		UserField:          "user_id",
		QueryCacheSize:     8,
		QueryCacheTTL:      config.Duration(time.Minute),
	}
}

func TestPersonalSearch_FiltersByUser(t *testing.T) {
	m := &fakeMilvus{passages: []milvus.Passage{{Source: "a.md", Text: "内容", Score: 0.8}}}
	emb := &countingEmbedder{}
	personal, org, err := FromConfig(testConfig(), m, emb)
	require.NoError(t, err)
	require.NotNil(t, org)

	hits, err := personal.Search(context.Background(), `u"1`, "报销", 3)
	require.NoError(t, err)

	assert.Equal(t, "personal_knowledge", personal.Name())
	assert.Equal(t, "kb_personal", m.collection)
	assert.Equal(t, `user_id == "u\"1"`, m.expr)
	assert.Equal(t, []tools.KnowledgeHit{{Source: "a.md", Content: "内容", Score: float64(float32(0.8))}}, hits)
}

func TestOrgSearch_NoFilterAndCachedQueryVector(t *testing.T) {
	m := &fakeMilvus{}
	emb := &countingEmbedder{}
	s, err := New(Org, "kb_org", testConfig(), m, emb)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Search(context.Background(), "u1", "同一个问题", 3)
		require.NoError(t, err)
	}
	assert.Equal(t, "", m.expr)
	assert.Equal(t, "org_knowledge", s.Name())
	assert.Equal(t, 1, emb.calls)
}

func TestSearch_PropagatesMilvusError(t *testing.T) {
	m := &fakeMilvus{err: errors.New("collection not loaded")}
	s, err := New(Org, "kb_org", testConfig(), m, &countingEmbedder{})
	require.NoError(t, err)

	_, err = s.Search(context.Background(), "u1", "q", 3)
	assert.ErrorContains(t, err, "collection not loaded")
}

func TestFromConfig_SkipsUnconfiguredAndRequiresEmbedder(t *testing.T) {
	cfg := testConfig()
	cfg.OrgCollection = ""
	personal, org, err := FromConfig(cfg, &fakeMilvus{}, &countingEmbedder{})
	require.NoError(t, err)
	assert.NotNil(t, personal)
	assert.Nil(t, org)

	_, _, err = FromConfig(cfg, &fakeMilvus{}, nil)
	assert.Error(t, err)
}
