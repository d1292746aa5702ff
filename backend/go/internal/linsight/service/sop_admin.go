package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"linsight/backend/go/internal/linsight/tools"
	"linsight/backend/go/internal/models"
)

// AddSOP 把 SOP 加入库中。
func (s *Service) AddSOP(ctx context.Context, sop *models.SOP) error {
	if strings.TrimSpace(sop.Name) == "" || strings.TrimSpace(sop.Content) == "" {
		return fmt.Errorf("SOP 名称与内容不能为空: %w", models.ErrInvalidState)
	}
	return s.library.Add(ctx, sop)
}

// UpdateSOP 更新库中的 SOP 并重建其索引。
func (s *Service) UpdateSOP(ctx context.Context, sop *models.SOP) error {
	if sop.ID == 0 {
		return fmt.Errorf("缺少 SOP id: %w", models.ErrInvalidState)
	}
	return s.library.Update(ctx, sop)
}

// RemoveSOPs 删除 SOP 及其索引。
func (s *Service) RemoveSOPs(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.library.Delete(ctx, ids)
}

// ListSOPs 按关键字分页列出 SOP。
func (s *Service) ListSOPs(ctx context.Context, keyword string, page, pageSize int) ([]models.SOP, int64, error) {
	return s.library.List(ctx, keyword, page, pageSize)
}

// SearchSOPs 检索与问题相关的 SOP, 检索降级时附带警告。
func (s *Service) SearchSOPs(ctx context.Context, query string, k int) ([]models.SOP, string) {
	return s.library.Search(ctx, query, k)
}

// RebuildSOPIndex 重建 SOP 向量库, 返回重新索引的 SOP 数量。
func (s *Service) RebuildSOPIndex(ctx context.Context) (int, error) {
	n, err := s.library.Rebuild(ctx)
	if err != nil {
		s.log.WithError(models.ErrorInfoFrom(err)).Error("SOP 向量库重建失败")
		return n, err
	}
	return n, nil
}

// RegisterToolSpec 登记一个 OpenAPI 或 MCP 工具定义。
func (s *Service) RegisterToolSpec(ctx context.Context, spec *models.ToolSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("工具名称不能为空: %w", models.ErrInvalidState)
	}
	switch spec.Kind {
	case models.ToolKindOpenAPI:
		if spec.URL == "" {
			return fmt.Errorf("OpenAPI 工具 %s 缺少 url: %w", spec.Name, models.ErrInvalidState)
		}
	case models.ToolKindMCP:
		if spec.Command == "" && spec.URL == "" {
			return fmt.Errorf("MCP 工具 %s 缺少 command 或 url: %w", spec.Name, models.ErrInvalidState)
		}
	default:
		return fmt.Errorf("不支持的工具类型 %q: %w", spec.Kind, models.ErrInvalidState)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	return s.store.CreateToolSpec(ctx, spec)
}

// ListToolSpecs 列出工具定义, 敏感配置已脱敏。
func (s *Service) ListToolSpecs(ctx context.Context, kind models.ToolKind) ([]models.ToolSpec, error) {
	specs, err := s.store.ListToolSpecs(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i := range specs {
		specs[i].Config = tools.MaskConfig(specs[i].Config)
		specs[i].Headers = tools.MaskConfig(specs[i].Headers)
	}
	return specs, nil
}

// PromoteSOPRecord 把一次执行的 SOP 记录加入 SOP 库。
func (s *Service) PromoteSOPRecord(ctx context.Context, recordID uint) (*models.SOP, error) {
	rec, err := s.store.GetSOPRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	sop := &models.SOP{
		Name:        rec.Name,
		Description: rec.Description,
		Content:     rec.Content,
		UserID:      rec.UserID,
		Rating:      rec.Rating,
	}
	if err := s.AddSOP(ctx, sop); err != nil {
		return nil, err
	}
	s.log.WithTrace(rec.SessionVersionID, rec.UserID).WithPayload(map[string]interface{}{
		"record_id": recordID, "sop_id": sop.ID,
	}).Info("SOP 记录已加入 SOP 库")
	return sop, nil
}
