package milvus

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"linsight/backend/go/internal/config"
)

// SOP 集合的字段名。
const (
	FieldID        = "vector_store_id"
	FieldText      = "text"
	FieldEmbedding = "embedding"
)

var (
	instance *MilvusClient
	once     sync.Once
	initErr  error
)

// MilvusClient 包含了 Milvus 客户端实例和相关配置。
type MilvusClient struct {
	Client client.Client        // Milvus 客户端实例。
	Config *config.MilvusConfig // Milvus 配置。
}

// Hit 是一次向量检索的结果。
type Hit struct {
	ID    string
	Score float32
}

// GetClient 使用单例模式创建并返回一个 Milvus 客户端实例。
func GetClient(ctx context.Context, cfg *config.MilvusConfig) (*MilvusClient, error) {
	once.Do(func() {
		c, err := client.NewClient(ctx, client.Config{Address: cfg.Address})
		if err != nil {
			initErr = fmt.Errorf("无法连接到 Milvus: %w", err)
			return
		}
		log.Println("✅ 成功连接到 Milvus!")
		instance = &MilvusClient{Client: c, Config: cfg}
	})
	return instance, initErr
}

// Close 安全地关闭与 Milvus 的连接。
func (c *MilvusClient) Close() {
	if c.Client != nil {
		c.Client.Close()
		log.Println("ℹ️ 已安全关闭 Milvus 连接。")
	}
}

// HealthCheck 检查 Milvus 连接的健康状况。
func (c *MilvusClient) HealthCheck(ctx context.Context) error {
	if c.Client == nil {
		return fmt.Errorf("Milvus client is nil")
	}
	if _, err := c.Client.ListCollections(ctx); err != nil {
		return fmt.Errorf("Milvus health check failed: %w", err)
	}
	return nil
}

func (c *MilvusClient) collection() string {
	if c.Config.CollectionName == "" {
		return config.SOPCollection
	}
	return c.Config.CollectionName
}

// EnsureCollection 确保 SOP 集合存在并已加载。dim 为 embedding 维度。
func (c *MilvusClient) EnsureCollection(ctx context.Context, dim int) error {
	collName := c.collection()
	exists, err := c.Client.HasCollection(ctx, collName)
	if err != nil {
		return fmt.Errorf("检查集合是否存在时出错: %w", err)
	}
	if !exists {
		if dim <= 0 {
			return fmt.Errorf("创建集合 '%s' 需要正数的向量维度", collName)
		}
		textLen := c.Config.TextMaxLength
		if textLen <= 0 {
			textLen = 8192
		}
		schema := entity.NewSchema().
			WithName(collName).
			WithDescription("linsight sop library").
			WithField(entity.NewField().WithName(FieldID).WithDataType(entity.FieldTypeVarChar).
				WithIsPrimaryKey(true).WithMaxLength(64)).
			WithField(entity.NewField().WithName(FieldText).WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(int64(textLen))).
			WithField(entity.NewField().WithName(FieldEmbedding).WithDataType(entity.FieldTypeFloatVector).
				WithDim(int64(dim)))

		if err := c.Client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("创建集合失败: %w", err)
		}
		idx, err := c.buildIndexFromConfig()
		if err != nil {
			return err
		}
		if err := c.Client.CreateIndex(ctx, collName, FieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("为字段 '%s' 创建索引失败: %w", FieldEmbedding, err)
		}
		log.Printf("✅ 已创建集合 '%s' (dim=%d)", collName, dim)
	}

	if err := c.Client.LoadCollection(ctx, collName, false); err != nil {
		return fmt.Errorf("加载 Milvus 集合 '%s' 失败: %w", collName, err)
	}
	return nil
}

// DropCollection 删除 SOP 集合, 集合不存在时不报错。
func (c *MilvusClient) DropCollection(ctx context.Context) error {
	collName := c.collection()
	exists, err := c.Client.HasCollection(ctx, collName)
	if err != nil {
		return fmt.Errorf("检查集合是否存在时出错: %w", err)
	}
	if !exists {
		return nil
	}
	if err := c.Client.DropCollection(ctx, collName); err != nil {
		return fmt.Errorf("删除集合 '%s' 失败: %w", collName, err)
	}
	return nil
}

// Upsert 按 vector_store_id 写入或覆盖向量。
func (c *MilvusClient) Upsert(ctx context.Context, ids, texts []string, vectors [][]float32) error {
	if len(ids) != len(vectors) || len(ids) != len(texts) {
		return fmt.Errorf("mismatch between ids (%d), texts (%d) and vectors (%d)", len(ids), len(texts), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}
	maxLen := c.Config.TextMaxLength
	if maxLen <= 0 {
		maxLen = 8192
	}
	clipped := make([]string, len(texts))
	for i, t := range texts {
		clipped[i] = clipRunes(t, maxLen)
	}

	idCol := entity.NewColumnVarChar(FieldID, ids)
	textCol := entity.NewColumnVarChar(FieldText, clipped)
	vectorCol := entity.NewColumnFloatVector(FieldEmbedding, len(vectors[0]), vectors)

	if _, err := c.Client.Upsert(ctx, c.collection(), "", idCol, textCol, vectorCol); err != nil {
		return fmt.Errorf("failed to upsert data into Milvus: %w", err)
	}
	return nil
}

// Delete 按 vector_store_id 删除向量。
func (c *MilvusClient) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	expr := fmt.Sprintf("%s in [%s]", FieldID, strings.Join(quoted, ","))
	if err := c.Client.Delete(ctx, c.collection(), "", expr); err != nil {
		return fmt.Errorf("failed to delete data from Milvus: %w", err)
	}
	return nil
}

// Search 执行向量相似度检索, 返回按得分从高到低排列的结果。
func (c *MilvusClient) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	sp, err := c.searchParam()
	if err != nil {
		return nil, err
	}
	results, err := c.Client.Search(
		ctx,
		c.collection(),
		nil,
		"",
		[]string{FieldID},
		[]entity.Vector{entity.FloatVector(vector)},
		FieldEmbedding,
		c.metricType(),
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("在集合 '%s' 中搜索失败: %w", c.collection(), err)
	}

	var hits []Hit
	for _, res := range results {
		idCol, ok := res.IDs.(*entity.ColumnVarChar)
		if !ok {
			continue
		}
		ids := idCol.Data()
		for i := 0; i < res.ResultCount && i < len(ids); i++ {
			hits = append(hits, Hit{ID: ids[i], Score: res.Scores[i]})
		}
	}
	return hits, nil
}

// Flush 将内存中的数据写入持久化存储。
func (c *MilvusClient) Flush(ctx context.Context) error {
	if err := c.Client.Flush(ctx, c.collection(), false); err != nil {
		return fmt.Errorf("刷新集合 '%s' 失败: %w", c.collection(), err)
	}
	return nil
}

func (c *MilvusClient) metricType() entity.MetricType {
	if c.Config.MetricType == "" {
		return entity.COSINE
	}
	return entity.MetricType(c.Config.MetricType)
}

func (c *MilvusClient) searchParam() (entity.SearchParam, error) {
	switch c.Config.IndexType {
	case "HNSW":
		return entity.NewIndexHNSWSearchParam(64)
	case "IVF_FLAT", "IVF_SQ8", "IVF_PQ":
		return entity.NewIndexIvfFlatSearchParam(10)
	default:
		return entity.NewIndexAUTOINDEXSearchParam(1)
	}
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// buildIndexFromConfig 是一个辅助函数，用于从配置构建索引实体。
func (c *MilvusClient) buildIndexFromConfig() (entity.Index, error) {
	metricType := c.metricType()
	params := c.Config.Params

	switch c.Config.IndexType {
	case "IVF_FLAT":
		return entity.NewIndexIvfFlat(metricType, intParam(params, "nlist", 128))
	case "HNSW":
		return entity.NewIndexHNSW(metricType, intParam(params, "M", 8), intParam(params, "efConstruction", 96))
	case "IVF_SQ8":
		return entity.NewIndexIvfSQ8(metricType, intParam(params, "nlist", 128))
	case "IVF_PQ":
		return entity.NewIndexIvfPQ(metricType, intParam(params, "nlist", 128), intParam(params, "m", 16), intParam(params, "nbits", 8))
	case "AUTOINDEX", "":
		return entity.NewIndexAUTOINDEX(metricType)
	default:
		return nil, fmt.Errorf("不支持的索引类型: %s", c.Config.IndexType)
	}
}

func clipRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// Passage 是知识库集合中检索到的一段文本。
type Passage struct {
	Source string
	Text   string
	Score  float32
}

// SearchPassages 在外部知识库集合中检索。expr 是标量过滤表达式, 为空时不过滤。
// textField 与 sourceField 是输出字段名, sourceField 可以为空。
func (c *MilvusClient) SearchPassages(ctx context.Context, collection, expr, textField, sourceField string, vector []float32, topK int) ([]Passage, error) {
	sp, err := c.searchParam()
	if err != nil {
		return nil, err
	}
	outputs := []string{textField}
	if sourceField != "" {
		outputs = append(outputs, sourceField)
	}
	results, err := c.Client.Search(
		ctx,
		collection,
		nil,
		expr,
		outputs,
		[]entity.Vector{entity.FloatVector(vector)},
		FieldEmbedding,
		c.metricType(),
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("在集合 '%s' 中搜索失败: %w", collection, err)
	}
	return passagesFrom(results, textField, sourceField), nil
}

// passagesFrom 从检索结果中取出文本列, 缺少文本列的结果被跳过。
func passagesFrom(results []client.SearchResult, textField, sourceField string) []Passage {
	var out []Passage
	for _, res := range results {
		var texts, sources []string
		for _, col := range res.Fields {
			vc, ok := col.(*entity.ColumnVarChar)
			if !ok {
				continue
			}
			switch col.Name() {
			case textField:
				texts = vc.Data()
			case sourceField:
				sources = vc.Data()
			}
		}
		if texts == nil {
			continue
		}
		for i := 0; i < res.ResultCount && i < len(texts) && i < len(res.Scores); i++ {
			p := Passage{Text: texts[i], Score: res.Scores[i]}
			if i < len(sources) {
				p.Source = sources[i]
			}
			out = append(out, p)
		}
	}
	return out
}
