// Package mysql 管理任务表与 SOP 表所在的 MySQL 连接。
package mysql

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"linsight/backend/go/internal/config"
)

var (
	dbInstance *gorm.DB
	once       sync.Once
	initErr    error
)

// DSN 根据配置构建连接串。
// 时间列统一按 UTC 读写。
func DSN(cfg *config.MySQLConfig) string {
	params := url.Values{}
	params.Set("charset", "utf8mb4")
	params.Set("parseTime", "True")
	params.Set("loc", "UTC")
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?%s", cfg.Username, cfg.Password, cfg.Address, cfg.Database, params.Encode())
}

// Configure 按配置设置连接池, 零值字段保持 database/sql 的默认行为。
func Configure(db *gorm.DB, cfg *config.MySQLConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("获取底层连接池失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}
	return nil
}

// GetDB 首次调用时打开连接并配置连接池, 之后返回同一个实例。
func GetDB(cfg *config.MySQLConfig) (*gorm.DB, error) {
	once.Do(func() {
		db, err := gorm.Open(mysql.Open(DSN(cfg)), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			initErr = fmt.Errorf("连接 MySQL %s 失败: %w", cfg.Address, err)
			return
		}
		if err := Configure(db, cfg); err != nil {
			initErr = err
			return
		}
		log.Printf("MySQL 已连接: %s/%s", cfg.Address, cfg.Database)
		dbInstance = db
	})
	return dbInstance, initErr
}

// Close 关闭连接池。
func Close() error {
	if dbInstance == nil {
		return nil
	}
	sqlDB, err := dbInstance.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HealthCheck PING 一次数据库。
func HealthCheck(ctx context.Context) error {
	if dbInstance == nil {
		return fmt.Errorf("数据库连接未初始化")
	}
	sqlDB, err := dbInstance.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
