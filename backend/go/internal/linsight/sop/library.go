package sop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"linsight/backend/go/internal/config"
	"linsight/backend/go/internal/embedding"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

// Options 是检索与重建相关的参数。
type Options struct {
	Candidates    int     // 每个检索器的候选上限
	VectorWeight  float64 // 向量检索权重
	KeywordWeight float64 // 关键词检索权重
	BatchSize     int     // 重建时每批 embedding 的数量
	ProbeTimeout  time.Duration
}

// OptionsFromConfig 从配置构造检索参数。
func OptionsFromConfig(cfg config.LinsightConfig) Options {
	return Options{
		Candidates:    cfg.RetrievalCandidates,
		VectorWeight:  cfg.VectorWeight,
		KeywordWeight: cfg.KeywordWeight,
		BatchSize:     cfg.RebuildBatchSize,
	}
}

func (o *Options) defaults() {
	if o.Candidates <= 0 {
		o.Candidates = 100
	}
	if o.VectorWeight <= 0 && o.KeywordWeight <= 0 {
		o.VectorWeight, o.KeywordWeight = 0.5, 0.5
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
}

// Library 是 SOP 库。主表是权威数据, 两个索引都是可重建的缓存,
// 以 vector_store_id 作为唯一身份。
type Library struct {
	repo     Repository
	vector   VectorIndex
	keyword  KeywordIndex
	embedder embedding.Embedding
	opts     Options
	log      *logger.Logger

	// 写操作持有读锁, 重建持有写锁。
	mu sync.RWMutex
}

// NewLibrary 创建 SOP 库。vector 与 embedder 可以为 nil, 此时只使用关键词检索且不允许写入。
func NewLibrary(repo Repository, vector VectorIndex, keyword KeywordIndex, embedder embedding.Embedding, opts Options, log *logger.Logger) *Library {
	opts.defaults()
	if log == nil {
		log = logger.Discard()
	}
	return &Library{repo: repo, vector: vector, keyword: keyword, embedder: embedder, opts: opts, log: log}
}

func (l *Library) writable() error {
	if l.embedder == nil || l.vector == nil {
		return fmt.Errorf("SOP 库未配置 embedding 模型: %w", models.ErrConfigMissing)
	}
	return nil
}

// Add 写入主表并同步写入两个索引。任一索引写入失败时删除已写入的部分并返回错误。
func (l *Library) Add(ctx context.Context, s *models.SOP) error {
	if err := l.writable(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if s.VectorStoreID == "" {
		s.VectorStoreID = uuid.NewString()
	}
	if err := l.repo.CreateSOP(ctx, s); err != nil {
		return fmt.Errorf("保存 SOP 失败: %w", err)
	}
	if err := l.index(ctx, []models.SOP{*s}); err != nil {
		l.compensate(s)
		return err
	}
	l.log.WithPayload(map[string]interface{}{"sop_id": s.ID, "vector_store_id": s.VectorStoreID}).Info("SOP 已加入库")
	return nil
}

// compensate 使用独立的 context, 调用方取消后仍然能够清理。
func (l *Library) compensate(s *models.SOP) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ids := []string{s.VectorStoreID}
	if err := l.vector.Delete(ctx, ids); err != nil {
		l.log.WithError(models.ErrorInfoFrom(err)).Warn("回滚向量索引失败")
	}
	if l.keyword != nil {
		if err := l.keyword.Delete(ctx, ids); err != nil {
			l.log.WithError(models.ErrorInfoFrom(err)).Warn("回滚关键词索引失败")
		}
	}
	if err := l.repo.DeleteSOPs(ctx, []uint{s.ID}); err != nil {
		l.log.WithError(models.ErrorInfoFrom(err)).Error("回滚 SOP 主表失败")
	}
}

// index 为一批 SOP 计算向量并写入两个索引。
func (l *Library) index(ctx context.Context, sops []models.SOP) error {
	if len(sops) == 0 {
		return nil
	}
	texts := make([]string, len(sops))
	for i := range sops {
		texts[i] = sops[i].IndexText()
	}
	vectors, err := l.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("计算 SOP 向量失败: %w", err)
	}
	if len(vectors) != len(sops) {
		return fmt.Errorf("embedding 返回 %d 个向量, 期望 %d 个", len(vectors), len(sops))
	}

	vdocs := make([]VectorDoc, len(sops))
	kdocs := make([]KeywordDoc, len(sops))
	for i := range sops {
		vdocs[i] = VectorDoc{ID: sops[i].VectorStoreID, Text: texts[i], Vector: vectors[i]}
		kdocs[i] = keywordDocOf(&sops[i])
	}
	if err := l.vector.Ensure(ctx, len(vectors[0])); err != nil {
		return fmt.Errorf("准备向量集合失败: %w", err)
	}
	if err := l.vector.Upsert(ctx, vdocs); err != nil {
		return fmt.Errorf("写入向量索引失败: %w", err)
	}
	if l.keyword != nil {
		if err := l.keyword.Upsert(ctx, kdocs); err != nil {
			return fmt.Errorf("写入关键词索引失败: %w", err)
		}
	}
	return nil
}

// Update 更新主表并在原 vector_store_id 下重新写入两个索引。
func (l *Library) Update(ctx context.Context, s *models.SOP) error {
	if err := l.writable(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	existing, err := l.repo.GetSOP(ctx, s.ID)
	if err != nil {
		return err
	}
	s.VectorStoreID = existing.VectorStoreID
	s.UserID = existing.UserID
	s.CreatedAt = existing.CreatedAt
	if err := l.repo.UpdateSOP(ctx, s); err != nil {
		return fmt.Errorf("更新 SOP 失败: %w", err)
	}
	return l.index(ctx, []models.SOP{*s})
}

// Delete 先删除两个索引中的条目, 再删除主表记录。
func (l *Library) Delete(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.repo.GetSOPsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	vids := make([]string, 0, len(rows))
	for _, r := range rows {
		vids = append(vids, r.VectorStoreID)
	}
	if l.vector != nil {
		if err := l.vector.Delete(ctx, vids); err != nil {
			return fmt.Errorf("删除向量索引失败: %w", err)
		}
	}
	if l.keyword != nil {
		if err := l.keyword.Delete(ctx, vids); err != nil {
			return fmt.Errorf("删除关键词索引失败: %w", err)
		}
	}
	return l.repo.DeleteSOPs(ctx, ids)
}

// Get 按主键读取 SOP。
func (l *Library) Get(ctx context.Context, id uint) (*models.SOP, error) {
	return l.repo.GetSOP(ctx, id)
}

// List 分页列出 SOP, keyword 对名称与描述做模糊匹配。
func (l *Library) List(ctx context.Context, keyword string, page, pageSize int) ([]models.SOP, int64, error) {
	return l.repo.ListSOPs(ctx, keyword, page, pageSize)
}

// Search 执行混合检索, 返回至多 k 个 SOP。后端故障不会返回错误, 而是降级并给出提示。
func (l *Library) Search(ctx context.Context, query string, k int) ([]models.SOP, string) {
	if k <= 0 || query == "" {
		return nil, ""
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		warnings []string
		lists    []ranked
	)

	vectorHits, vErr := l.searchVector(ctx, query)
	keywordHits, kErr := l.searchKeyword(ctx, query)

	switch {
	case vErr == nil && kErr == nil:
		lists = append(lists, ranked{vectorHits, l.opts.VectorWeight}, ranked{keywordHits, l.opts.KeywordWeight})
	case vErr != nil && kErr == nil:
		l.log.WithError(models.ErrorInfoFrom(vErr)).Warn("向量检索不可用, 降级为关键词检索")
		warnings = append(warnings, "向量检索不可用, 本次只使用关键词检索")
		lists = append(lists, ranked{keywordHits, 1.0})
	case vErr == nil && kErr != nil:
		l.log.WithError(models.ErrorInfoFrom(kErr)).Warn("关键词检索不可用, 降级为向量检索")
		warnings = append(warnings, "关键词检索不可用, 本次只使用向量检索")
		lists = append(lists, ranked{vectorHits, 1.0})
	default:
		l.log.WithError(models.ErrorInfoFrom(errors.Join(vErr, kErr))).Warn("SOP 检索全部不可用")
		return nil, "SOP 检索服务暂不可用, 未参考已有 SOP"
	}

	scores := fuse(lists...)
	if len(scores) == 0 {
		return nil, joinWarnings(warnings)
	}
	vids := make([]string, 0, len(scores))
	for id := range scores {
		vids = append(vids, id)
	}
	rows, err := l.repo.GetSOPsByVectorIDs(ctx, vids)
	if err != nil {
		l.log.WithError(models.ErrorInfoFrom(err)).Warn("读取 SOP 主表失败")
		return nil, "SOP 检索服务暂不可用, 未参考已有 SOP"
	}
	return rank(rows, scores, k), joinWarnings(warnings)
}

func (l *Library) searchVector(ctx context.Context, query string) ([]Hit, error) {
	if l.embedder == nil || l.vector == nil {
		return nil, fmt.Errorf("未配置 embedding 模型: %w", models.ErrConfigMissing)
	}
	probeCtx, cancel := context.WithTimeout(ctx, l.opts.ProbeTimeout)
	vec, err := l.embedder.Embed(probeCtx, query)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embedding 健康检查失败: %w", err)
	}
	return l.vector.Search(ctx, vec, l.opts.Candidates)
}

func (l *Library) searchKeyword(ctx context.Context, query string) ([]Hit, error) {
	if l.keyword == nil {
		return nil, errors.New("未配置关键词索引")
	}
	return l.keyword.Search(ctx, query, l.opts.Candidates)
}

// Rebuild 删除向量集合并按批重新写入全部 SOP, vector_store_id 保持不变。
// 重建期间阻塞所有写操作与检索。
func (l *Library) Rebuild(ctx context.Context) (int, error) {
	if err := l.writable(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.vector.Drop(ctx); err != nil {
		return 0, fmt.Errorf("删除向量集合失败: %w", err)
	}
	var (
		afterID uint
		total   int
	)
	for {
		batch, err := l.repo.ListSOPsAfter(ctx, afterID, l.opts.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		if err := l.index(ctx, batch); err != nil {
			return total, err
		}
		total += len(batch)
		afterID = batch[len(batch)-1].ID
		l.log.WithPayload(map[string]interface{}{"indexed": total}).Debug("SOP 向量库重建进度")
	}
	if f, ok := l.vector.(interface{ Flush(context.Context) error }); ok {
		if err := f.Flush(ctx); err != nil {
			return total, err
		}
	}
	l.log.WithPayload(map[string]interface{}{"total": total}).Info("SOP 向量库重建完成")
	return total, nil
}

// Probe 检查 embedding 服务是否可用。
func (l *Library) Probe(ctx context.Context) error {
	return embedding.Probe(ctx, l.embedder)
}

func joinWarnings(ws []string) string {
	return strings.Join(ws, "; ")
}
