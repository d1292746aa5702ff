// Package fileparse 把用户上传的输入文件转换为 markdown, 供 SOP 生成与任务执行阅读。
package fileparse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Converter 负责一类文件到 markdown 的转换。
type Converter interface {
	Name() string
	AcceptedExtensions() []string
	AcceptedMimeTypes() []string
	Convert(ctx context.Context, path string) (string, error)
}

// Parser 按 MIME 类型与扩展名选择转换器。
type Parser struct {
	converters []Converter
}

// New 创建注册了全部内置转换器的 Parser。
func New() *Parser {
	p := &Parser{}
	p.Register(NewCsvConverter())
	p.Register(NewExcelConverter())
	p.Register(NewHTMLConverter())
	p.Register(NewPdfConverter())
	p.Register(NewTextConverter())
	return p
}

// Register 追加一个转换器, 先注册的优先匹配。
func (p *Parser) Register(c Converter) {
	p.converters = append(p.converters, c)
}

// Convert 把 path 转换为 markdown 文本。
func (p *Parser) Convert(ctx context.Context, path string) (string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to detect MIME type: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, c := range p.converters {
		if accepts(mtype, ext, c) {
			return c.Convert(ctx, path)
		}
	}
	return "", fmt.Errorf("no converter found for %s (%s)", filepath.Base(path), mtype.String())
}

// ConvertToFile 转换 path 并在同一目录写入 <name>.md, 返回 markdown 文件路径。
// 输入本身是 markdown 时直接返回原路径。
func (p *Parser) ConvertToFile(ctx context.Context, path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".md") {
		return path, nil
	}
	md, err := p.Convert(ctx, path)
	if err != nil {
		return "", err
	}
	out := MarkdownName(path)
	if err := os.WriteFile(out, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("failed to write markdown %s: %w", out, err)
	}
	return out, nil
}

// MarkdownName 返回 path 对应的 markdown 文件路径。
func MarkdownName(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".md"
}

// Summary 返回 markdown 的前 limit 个字符。
func Summary(md string, limit int) string {
	r := []rune(md)
	if len(r) <= limit {
		return md
	}
	return string(r[:limit])
}

func accepts(mtype *mimetype.MIME, ext string, c Converter) bool {
	if slices.Contains(c.AcceptedExtensions(), ext) {
		return true
	}
	return slices.ContainsFunc(c.AcceptedMimeTypes(), mtype.Is)
}
