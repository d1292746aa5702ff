// Package minio 管理保存会话输入文件与最终产出的 MinIO 客户端。
package minio

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"linsight/backend/go/internal/config"
)

var (
	client  *minio.Client
	bucket  string
	once    sync.Once
	initErr error
)

// Options 把配置转换成客户端参数。
func Options(cfg *config.MinIOConfig) *minio.Options {
	return &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	}
}

// GetClient 首次调用时创建客户端并确保配置的存储桶存在, 之后返回同一个实例。
func GetClient(cfg *config.MinIOConfig) (*minio.Client, error) {
	once.Do(func() {
		c, err := minio.New(cfg.Endpoint, Options(cfg))
		if err != nil {
			initErr = fmt.Errorf("创建 MinIO 客户端失败: %w", err)
			return
		}
		if cfg.Bucket != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := EnsureBucket(ctx, c, cfg.Bucket, cfg.Region); err != nil {
				initErr = err
				return
			}
		}
		log.Printf("MinIO 已连接: %s bucket=%s", cfg.Endpoint, cfg.Bucket)
		client, bucket = c, cfg.Bucket
	})
	return client, initErr
}

// EnsureBucket 在存储桶不存在时创建它。
func EnsureBucket(ctx context.Context, c *minio.Client, name, region string) error {
	exists, err := c.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 失败: %w", name, err)
	}
	if exists {
		return nil
	}
	if err := c.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
	}
	log.Printf("已创建存储桶: %s", name)
	return nil
}

// HealthCheck 检查配置的存储桶是否可访问。
func HealthCheck(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("MinIO 客户端未初始化")
	}
	if bucket == "" {
		_, err := client.ListBuckets(ctx)
		return err
	}
	ok, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("MinIO 健康检查失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("存储桶 %s 不存在", bucket)
	}
	return nil
}
