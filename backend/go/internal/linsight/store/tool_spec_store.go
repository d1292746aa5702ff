package store

import (
	"context"
	"fmt"

	"linsight/backend/go/internal/models"
)

// CreateToolSpec 注册一个外部工具定义。
func (s *Store) CreateToolSpec(ctx context.Context, spec *models.ToolSpec) error {
	if err := s.DB.WithContext(ctx).Create(spec).Error; err != nil {
		return fmt.Errorf("注册工具失败: %w", err)
	}
	return nil
}

// GetToolSpecs 按 ID 批量读取工具定义, 不存在的 ID 被忽略。
func (s *Store) GetToolSpecs(ctx context.Context, ids []string) ([]models.ToolSpec, error) {
	var out []models.ToolSpec
	if len(ids) == 0 {
		return out, nil
	}
	if err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("查询工具定义失败: %w", err)
	}
	return out, nil
}

// ListToolSpecs 列出某一类工具定义, kind 为空时返回全部。
func (s *Store) ListToolSpecs(ctx context.Context, kind models.ToolKind) ([]models.ToolSpec, error) {
	q := s.DB.WithContext(ctx)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var out []models.ToolSpec
	if err := q.Order("name").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
