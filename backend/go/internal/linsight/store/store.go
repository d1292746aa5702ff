// Package store 是任务执行核心的关系型持久化层。
//
// 所有写入都是单行或单个事务内的批量写入, 不做跨行锁。
// 状态迁移使用条件更新 (WHERE status IN ...), 先到者胜出, 后到者得到 ErrStaleTransition。
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"linsight/backend/go/internal/models"
)

// Store 封装 gorm 连接。
type Store struct {
	DB *gorm.DB
}

// New 创建 Store。
func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// AutoMigrate 创建或更新所有表。
func (s *Store) AutoMigrate(ctx context.Context) error {
	err := s.DB.WithContext(ctx).AutoMigrate(
		&models.Session{},
		&models.SessionVersion{},
		&models.ExecutionTask{},
		&models.ExecutionTaskStep{},
		&models.SOP{},
		&models.SOPRecord{},
		&models.ToolSpec{},
	)
	if err != nil {
		return fmt.Errorf("自动迁移失败: %w", err)
	}
	return nil
}

// notFound 将 gorm 的记录不存在转换为 ErrNotFound。
func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return err
}

// Page 是分页参数, 页码从 1 开始。
type Page struct {
	Page     int
	PageSize int
}

func (p Page) scope(db *gorm.DB) *gorm.DB {
	size := p.PageSize
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	return db.Offset((page - 1) * size).Limit(size)
}
