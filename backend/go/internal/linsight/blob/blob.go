// Package blob 封装输入文件与最终产物所在的对象存储。
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"

	"linsight/backend/go/internal/models"
)

// Store 是对象存储的最小接口。
type Store interface {
	// Download 把对象写到本地 dest。
	Download(ctx context.Context, object, dest string) error
	// Upload 把本地 src 上传为 object。
	Upload(ctx context.Context, object, src string) error
}

// FinalObjectName 返回最终产物在对象存储中的名字。
func FinalObjectName(versionID, name string) string {
	return fmt.Sprintf("linsight/%s/%s", versionID, filepath.Base(name))
}

// MarkdownObjectName 返回输入文件解析出的 markdown 副本在对象存储中的名字。
func MarkdownObjectName(versionID, name string) string {
	return fmt.Sprintf("linsight/%s/markdown/%s", versionID, filepath.Base(name))
}

// MinIOStore 基于 minio-go 的实现。
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore 创建 MinIOStore, client 通常来自 database/minio.GetClient。
func NewMinIOStore(client *minio.Client, bucket string) *MinIOStore {
	return &MinIOStore{client: client, bucket: bucket}
}

func (s *MinIOStore) Download(ctx context.Context, object, dest string) error {
	if err := s.client.FGetObject(ctx, s.bucket, object, dest, minio.GetObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("object %s: %w", object, models.ErrNotFound)
		}
		return fmt.Errorf("下载对象 %s 失败: %w", object, err)
	}
	return nil
}

func (s *MinIOStore) Upload(ctx context.Context, object, src string) error {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if mt, err := mimetype.DetectFile(src); err == nil {
		opts.ContentType = mt.String()
	}
	if _, err := s.client.FPutObject(ctx, s.bucket, object, src, opts); err != nil {
		return fmt.Errorf("上传对象 %s 失败: %w", object, err)
	}
	return nil
}

// DirStore 把对象保存在本地目录, 用于单机部署与测试。
type DirStore struct {
	root string
}

// NewDirStore 创建以 root 为根的 DirStore。
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (s *DirStore) path(object string) (string, error) {
	clean := filepath.Clean("/" + object)
	if strings.Contains(object, "..") {
		return "", fmt.Errorf("invalid object name %q: %w", object, models.ErrUnauthorized)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *DirStore) Download(ctx context.Context, object, dest string) error {
	src, err := s.path(object)
	if err != nil {
		return err
	}
	if err := copyFile(ctx, src, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("object %s: %w", object, models.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *DirStore) Upload(ctx context.Context, object, src string) error {
	dest, err := s.path(object)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return copyFile(ctx, src, dest)
}

func copyFile(ctx context.Context, src, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
