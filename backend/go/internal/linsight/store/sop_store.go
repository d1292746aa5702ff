package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"linsight/backend/go/internal/models"
)

func (s *Store) CreateSOP(ctx context.Context, sop *models.SOP) error {
	return s.DB.WithContext(ctx).Create(sop).Error
}

func (s *Store) UpdateSOP(ctx context.Context, sop *models.SOP) error {
	res := s.DB.WithContext(ctx).Model(&models.SOP{}).Where("id = ?", sop.ID).Updates(map[string]interface{}{
		"name":        sop.Name,
		"description": sop.Description,
		"content":     sop.Content,
		"rating":      sop.Rating,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("SOP %d: %w", sop.ID, models.ErrNotFound)
	}
	return nil
}

func (s *Store) GetSOP(ctx context.Context, id uint) (*models.SOP, error) {
	var sop models.SOP
	if err := s.DB.WithContext(ctx).First(&sop, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("SOP %d", id))
	}
	return &sop, nil
}

func (s *Store) GetSOPsByIDs(ctx context.Context, ids []uint) ([]models.SOP, error) {
	var out []models.SOP
	if len(ids) == 0 {
		return out, nil
	}
	err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error
	return out, err
}

func (s *Store) GetSOPsByVectorIDs(ctx context.Context, vectorIDs []string) ([]models.SOP, error) {
	var out []models.SOP
	if len(vectorIDs) == 0 {
		return out, nil
	}
	err := s.DB.WithContext(ctx).Where("vector_store_id IN ?", vectorIDs).Find(&out).Error
	return out, err
}

func (s *Store) DeleteSOPs(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Where("id IN ?", ids).Delete(&models.SOP{}).Error
}

// ListSOPs 按更新时间倒序分页, keyword 对名称与描述做 LIKE 匹配。
func (s *Store) ListSOPs(ctx context.Context, keyword string, page, pageSize int) ([]models.SOP, int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.SOP{})
	if keyword != "" {
		like := "%" + keyword + "%"
		q = q.Where("name LIKE ? OR description LIKE ?", like, like)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.SOP
	if err := (Page{Page: page, PageSize: pageSize}).scope(q).Order("updated_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) ListSOPsAfter(ctx context.Context, afterID uint, limit int) ([]models.SOP, error) {
	var out []models.SOP
	err := s.DB.WithContext(ctx).Where("id > ?", afterID).Order("id ASC").Limit(limit).Find(&out).Error
	return out, err
}

// SaveSOPRecord 写入会话版本的 SOP 记录, 同一版本只保留一条。
func (s *Store) SaveSOPRecord(ctx context.Context, r *models.SOPRecord) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_version_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "content", "updated_at"}),
	}).Create(r).Error
}

// GetSOPRecord 通过 ID 查找 SOP 记录。
func (s *Store) GetSOPRecord(ctx context.Context, id uint) (*models.SOPRecord, error) {
	var r models.SOPRecord
	if err := s.DB.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("SOP 记录 %d", id))
	}
	return &r, nil
}

// SetSOPRecordRating 同步会话版本评分到 SOP 记录, 记录不存在时忽略。
func (s *Store) SetSOPRecordRating(ctx context.Context, versionID string, rating int) error {
	return s.DB.WithContext(ctx).Model(&models.SOPRecord{}).
		Where("session_version_id = ?", versionID).
		Update("rating", rating).Error
}

// DeleteSOPRecords 删除会话版本的 SOP 记录。
func (s *Store) DeleteSOPRecords(ctx context.Context, versionID string) error {
	return s.DB.WithContext(ctx).
		Where("session_version_id = ?", versionID).Delete(&models.SOPRecord{}).Error
}
