package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"linsight/backend/go/internal/models"
)

// CreateSession 在一个事务中创建会话及其第一个版本。
func (s *Store) CreateSession(ctx context.Context, sess *models.Session, v *models.SessionVersion) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sess).Error; err != nil {
			return fmt.Errorf("创建会话失败: %w", err)
		}
		v.SessionID = sess.ID
		if err := tx.Create(v).Error; err != nil {
			return fmt.Errorf("创建会话版本失败: %w", err)
		}
		return nil
	})
}

// GetSession 通过 ID 查找会话。
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.DB.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "会话 "+id)
	}
	return &sess, nil
}

// CreateVersion 为已有会话创建新版本 (重新生成或重新执行)。
func (s *Store) CreateVersion(ctx context.Context, v *models.SessionVersion) error {
	if err := s.DB.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("创建会话版本失败: %w", err)
	}
	return nil
}

// GetVersion 通过 ID 查找会话版本。
func (s *Store) GetVersion(ctx context.Context, id string) (*models.SessionVersion, error) {
	var v models.SessionVersion
	if err := s.DB.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "会话版本 "+id)
	}
	return &v, nil
}

// UpdateVersionFields 无条件更新会话版本的部分字段, 不允许修改 status。
func (s *Store) UpdateVersionFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if _, ok := fields["status"]; ok {
		return fmt.Errorf("status 只能通过 TransitionVersion 修改: %w", models.ErrInvalidState)
	}
	res := s.DB.WithContext(ctx).Model(&models.SessionVersion{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("更新会话版本失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("会话版本 %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// TransitionVersion 仅当当前状态属于 from 时把状态改为 to, 并同时写入 patch。
// 没有命中任何行时, 记录不存在返回 ErrNotFound, 否则返回 ErrStaleTransition。
func (s *Store) TransitionVersion(ctx context.Context, id string, from []models.SessionVersionStatus, to models.SessionVersionStatus, patch map[string]interface{}) error {
	fields := make(map[string]interface{}, len(patch)+1)
	for k, v := range patch {
		fields[k] = v
	}
	fields["status"] = to

	res := s.DB.WithContext(ctx).Model(&models.SessionVersion{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("更新会话版本状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetVersion(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("会话版本 %s -> %s: %w", id, to, models.ErrStaleTransition)
	}
	return nil
}

// VersionFilter 是会话版本列表的过滤条件。
type VersionFilter struct {
	UserID    string
	SessionID string
	Statuses  []models.SessionVersionStatus
	Page
}

// ListVersions 按创建时间倒序分页列出会话版本。
func (s *Store) ListVersions(ctx context.Context, f VersionFilter) ([]models.SessionVersion, int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.SessionVersion{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.SessionVersion
	if err := f.Page.scope(q).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
