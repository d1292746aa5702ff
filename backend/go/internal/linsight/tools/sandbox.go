package tools

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"linsight/backend/go/internal/models"
)

// Sandbox 把所有路径限制在一个根目录内, 符号链接解析后仍必须位于根目录下。
type Sandbox struct {
	root string
}

// NewSandbox 创建沙箱, root 必须是已存在的目录。
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to access directory %s: %w", abs, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to access directory %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", resolved)
	}
	return &Sandbox{root: filepath.Clean(resolved)}, nil
}

// Root 返回根目录的真实路径。
func (s *Sandbox) Root() string { return s.root }

func (s *Sandbox) contains(p string) bool {
	if p == s.root {
		return true
	}
	return strings.HasPrefix(p, s.root+string(filepath.Separator))
}

// Resolve 把相对根目录或绝对路径转换为真实路径。越界时返回 ErrUnauthorized。
// 路径不存在时检查最近的已存在祖先目录。
func (s *Sandbox) Resolve(requested string) (string, error) {
	p := strings.TrimSpace(requested)
	if p == "" || p == "." || p == "./" {
		return s.root, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)
	if !s.contains(p) {
		return "", fmt.Errorf("access denied - path outside working directory: %s: %w", requested, models.ErrUnauthorized)
	}

	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		if !s.contains(resolved) {
			return "", fmt.Errorf("access denied - symlink target outside working directory: %s: %w", requested, models.ErrUnauthorized)
		}
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// 新文件: 向上找到第一个存在的祖先并校验
	ancestor := filepath.Dir(p)
	for {
		realParent, err := filepath.EvalSymlinks(ancestor)
		if err == nil {
			if !s.contains(realParent) {
				return "", fmt.Errorf("access denied - parent directory outside working directory: %s: %w", requested, models.ErrUnauthorized)
			}
			rel, _ := filepath.Rel(ancestor, p)
			return filepath.Join(realParent, rel), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		next := filepath.Dir(ancestor)
		if next == ancestor {
			return "", fmt.Errorf("parent directory does not exist: %s", filepath.Dir(p))
		}
		ancestor = next
	}
}

// Rel 返回相对根目录的路径, 用于展示给模型。
func (s *Sandbox) Rel(p string) string {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

// detectMimeType 尝试确定文件的 MIME 类型。
func detectMimeType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		if ext := filepath.Ext(path); ext != "" {
			if m := mime.TypeByExtension(ext); m != "" {
				return m
			}
		}
		return "application/octet-stream"
	}
	return mtype.String()
}

var textApplicationTypes = []string{
	"application/json",
	"application/xml",
	"application/javascript",
	"application/x-javascript",
	"application/x-yaml",
	"application/yaml",
	"application/toml",
	"application/x-sh",
	"application/x-shellscript",
}

// isTextFile 根据 MIME 类型判断文件是否可以按文本读取。
func isTextFile(mimeType string) bool {
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	if strings.HasPrefix(base, "text/") || slices.Contains(textApplicationTypes, base) {
		return true
	}
	return strings.Contains(base, "+xml") || strings.Contains(base, "+json") || strings.Contains(base, "+yaml")
}
