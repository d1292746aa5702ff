package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/djherbis/times"
	"github.com/gobwas/glob"

	"linsight/backend/go/internal/models"
)

const (
	// maxInlineSize 读取文件时允许内联的最大字节数 (5MB)
	maxInlineSize = 5 * 1024 * 1024
	// maxSearchableSize 超过此大小的文件不参与内容搜索 (10MB)
	maxSearchableSize = 10 * 1024 * 1024
	// maxSearchResults 内容搜索返回的最大匹配数
	maxSearchResults = 200
	// maxListEntries 列目录返回的最大条目数
	maxListEntries = 1000
	// defaultReadLines 未指定 end_line 时最多读取的行数
	defaultReadLines = 2000
)

// fileTool 是内置文件工具的公共部分。
type fileTool struct {
	name   string
	desc   string
	schema map[string]any
	run    func(ctx context.Context, args map[string]any) ToolResult
}

func (t *fileTool) Name() string                { return t.name }
func (t *fileTool) Description() string         { return t.desc }
func (t *fileTool) InputSchema() map[string]any { return t.schema }
func (t *fileTool) Kind() models.ToolKind       { return models.ToolKindBuiltin }
func (t *fileTool) Invoke(ctx context.Context, args map[string]any) ToolResult {
	if err := ctx.Err(); err != nil {
		return ErrorResult(err)
	}
	return t.run(ctx, args)
}

// 内置文件工具名称。
const (
	ToolListFiles        = "list_files"
	ToolGetFileInfo      = "get_file_info"
	ToolSearchFiles      = "search_files"
	ToolReadTextFile     = "read_text_file"
	ToolAddTextToFile    = "add_text_to_file"
	ToolReplaceFileLines = "replace_file_lines"
)

// NewFileTools 在 root 目录上创建全部内置文件工具。
func NewFileTools(root string) ([]Tool, error) {
	box, err := NewSandbox(root)
	if err != nil {
		return nil, err
	}
	h := &fileHandler{box: box}
	return []Tool{
		&fileTool{name: ToolListFiles, run: h.listFiles,
			desc: "List files and directories under a path in the working directory. Supports an optional glob pattern and recursive listing.",
			schema: objectSchema(nil, map[string]any{
				"path":      prop("string", "Directory path relative to the working directory. Defaults to '.'"),
				"pattern":   prop("string", "Optional glob matched against entry names, e.g. *.csv"),
				"recursive": prop("boolean", "List subdirectories recursively"),
			})},
		&fileTool{name: ToolGetFileInfo, run: h.getFileInfo,
			desc: "Get size, timestamps, permissions and MIME type of a file or directory.",
			schema: objectSchema([]string{"path"}, map[string]any{
				"path": prop("string", "File or directory path"),
			})},
		&fileTool{name: ToolSearchFiles, run: h.searchFiles,
			desc: "Search text file contents with a regular expression. Returns matching lines as path:line: content.",
			schema: objectSchema([]string{"pattern"}, map[string]any{
				"pattern":      prop("string", "Regular expression (RE2 syntax)"),
				"path":         prop("string", "Directory to search. Defaults to '.'"),
				"file_pattern": prop("string", "Optional glob restricting which file names are searched"),
			})},
		&fileTool{name: ToolReadTextFile, run: h.readTextFile,
			desc: "Read a text file. Lines are returned with 1-based line numbers. start_line and end_line are inclusive.",
			schema: objectSchema([]string{"file_path"}, map[string]any{
				"file_path":  prop("string", "File path"),
				"start_line": prop("integer", "First line to read, 1-based. Defaults to 1"),
				"end_line":   prop("integer", "Last line to read, inclusive. Defaults to end of file"),
			})},
		&fileTool{name: ToolAddTextToFile, run: h.addTextToFile,
			desc: "Append text to the end of a file. The file and its parent directories are created when missing.",
			schema: objectSchema([]string{"file_path", "content"}, map[string]any{
				"file_path": prop("string", "File path"),
				"content":   prop("string", "Text to append"),
			})},
		&fileTool{name: ToolReplaceFileLines, run: h.replaceFileLines,
			desc: "Replace lines start_line..end_line (1-based, inclusive) of a text file with new_content. Empty new_content deletes the lines.",
			schema: objectSchema([]string{"file_path", "start_line", "end_line", "new_content"}, map[string]any{
				"file_path":   prop("string", "File path"),
				"start_line":  prop("integer", "First line to replace, 1-based"),
				"end_line":    prop("integer", "Last line to replace, inclusive"),
				"new_content": prop("string", "Replacement text"),
			})},
	}, nil
}

type fileHandler struct {
	box *Sandbox
}

func (h *fileHandler) listFiles(ctx context.Context, args map[string]any) ToolResult {
	path, _ := argString(args, "path")
	dir, err := h.box.Resolve(path)
	if err != nil {
		return ErrorResult(err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return ErrorResult(err)
	}
	if !info.IsDir() {
		return Errorf("path is not a directory: %s", path)
	}

	var matcher glob.Glob
	if pattern, ok := argString(args, "pattern"); ok && pattern != "" {
		if matcher, err = glob.Compile(pattern); err != nil {
			return Errorf("invalid glob pattern %q: %v", pattern, err)
		}
	}
	recursive := argBool(args, "recursive")

	var (
		b     strings.Builder
		count int
	)
	walkErr := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == dir {
			return nil
		}
		if matcher == nil || matcher.Match(d.Name()) {
			if count >= maxListEntries {
				return filepath.SkipAll
			}
			count++
			if d.IsDir() {
				fmt.Fprintf(&b, "[DIR]  %s\n", h.box.Rel(p))
			} else if fi, err := d.Info(); err == nil {
				fmt.Fprintf(&b, "[FILE] %s (%d bytes)\n", h.box.Rel(p), fi.Size())
			}
		}
		if d.IsDir() && !recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		return ErrorResult(walkErr)
	}
	if count == 0 {
		return Text("No entries found in %s", h.box.Rel(dir))
	}
	return Text("%s", strings.TrimRight(b.String(), "\n"))
}

func (h *fileHandler) getFileInfo(_ context.Context, args map[string]any) ToolResult {
	path, err := requireString(args, "path")
	if err != nil {
		return ErrorResult(err)
	}
	p, err := h.box.Resolve(path)
	if err != nil {
		return ErrorResult(err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return ErrorResult(err)
	}
	ts, err := times.Stat(p)
	if err != nil {
		return Errorf("failed to get file times: %v", err)
	}
	created := "unknown"
	if ts.HasBirthTime() {
		created = ts.BirthTime().Format(time.RFC3339)
	}
	mimeType := "directory"
	if !info.IsDir() {
		mimeType = detectMimeType(p)
	}
	return Text("Path: %s\nSize: %d bytes\nCreated: %s\nModified: %s\nAccessed: %s\nIsDirectory: %v\nPermissions: %o\nMIME Type: %s",
		h.box.Rel(p), info.Size(), created,
		ts.ModTime().Format(time.RFC3339), ts.AccessTime().Format(time.RFC3339),
		info.IsDir(), info.Mode().Perm(), mimeType)
}

func (h *fileHandler) searchFiles(ctx context.Context, args map[string]any) ToolResult {
	pattern, err := requireString(args, "pattern")
	if err != nil {
		return ErrorResult(err)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Errorf("invalid regular expression %q: %v", pattern, err)
	}
	path, _ := argString(args, "path")
	dir, err := h.box.Resolve(path)
	if err != nil {
		return ErrorResult(err)
	}
	var nameMatcher glob.Glob
	if fp, ok := argString(args, "file_pattern"); ok && fp != "" {
		if nameMatcher, err = glob.Compile(fp); err != nil {
			return Errorf("invalid glob pattern %q: %v", fp, err)
		}
	}

	var (
		b     strings.Builder
		count int
	)
	walkErr := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if nameMatcher != nil && !nameMatcher.Match(d.Name()) {
			return nil
		}
		// 符号链接可能指向沙箱外
		if _, err := h.box.Resolve(p); err != nil {
			return nil
		}
		fi, err := d.Info()
		if err != nil || fi.Size() > maxSearchableSize || !isTextFile(detectMimeType(p)) {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), maxInlineSize)
		line := 0
		for sc.Scan() {
			line++
			if re.MatchString(sc.Text()) {
				fmt.Fprintf(&b, "%s:%d: %s\n", h.box.Rel(p), line, sc.Text())
				count++
				if count >= maxSearchResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return ErrorResult(walkErr)
	}
	if count == 0 {
		return Text("No matches found for pattern %q", pattern)
	}
	out := strings.TrimRight(b.String(), "\n")
	if count >= maxSearchResults {
		out += fmt.Sprintf("\n(results truncated at %d matches)", maxSearchResults)
	}
	return Text("%s", out)
}

func (h *fileHandler) readTextFile(_ context.Context, args map[string]any) ToolResult {
	path, err := requireString(args, "file_path")
	if err != nil {
		return ErrorResult(err)
	}
	start, err := argInt(args, "start_line", 1)
	if err != nil {
		return ErrorResult(err)
	}
	end, err := argInt(args, "end_line", 0)
	if err != nil {
		return ErrorResult(err)
	}
	if start < 1 {
		start = 1
	}
	if end != 0 && end < start {
		return Errorf("end_line (%d) must not be less than start_line (%d)", end, start)
	}
	p, err := h.box.Resolve(path)
	if err != nil {
		return ErrorResult(err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return ErrorResult(err)
	}
	if info.IsDir() {
		return Errorf("path is a directory: %s", path)
	}
	if info.Size() > maxInlineSize && end == 0 {
		return Errorf("file is too large (%d bytes); read it in ranges with start_line and end_line", info.Size())
	}
	if mt := detectMimeType(p); !isTextFile(mt) {
		return Errorf("file is not a text file (%s)", mt)
	}

	lines, err := readLines(p)
	if err != nil {
		return ErrorResult(err)
	}
	if len(lines) == 0 {
		return Text("(empty file)")
	}
	if start > len(lines) {
		return Errorf("start_line %d is beyond end of file (%d lines)", start, len(lines))
	}
	truncated := false
	if end == 0 {
		end = len(lines)
		if end-start+1 > defaultReadLines {
			end = start + defaultReadLines - 1
			truncated = true
		}
	}
	if end > len(lines) {
		end = len(lines)
	}
	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%d| %s\n", i, lines[i-1])
	}
	out := strings.TrimRight(b.String(), "\n")
	if truncated {
		out += fmt.Sprintf("\n(showing lines %d-%d of %d)", start, end, len(lines))
	}
	return Text("%s", out)
}

func (h *fileHandler) addTextToFile(_ context.Context, args map[string]any) ToolResult {
	path, err := requireString(args, "file_path")
	if err != nil {
		return ErrorResult(err)
	}
	content, _ := argString(args, "content")
	p, err := h.box.Resolve(path)
	if err != nil {
		return ErrorResult(err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return ErrorResult(err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return ErrorResult(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return ErrorResult(err)
	}
	rel := h.box.Rel(p)
	return ToolResult{Content: fmt.Sprintf("Appended %d bytes to %s", len(content), rel), Files: []string{rel}}
}

func (h *fileHandler) replaceFileLines(_ context.Context, args map[string]any) ToolResult {
	path, err := requireString(args, "file_path")
	if err != nil {
		return ErrorResult(err)
	}
	start, err := argInt(args, "start_line", 0)
	if err != nil {
		return ErrorResult(err)
	}
	end, err := argInt(args, "end_line", 0)
	if err != nil {
		return ErrorResult(err)
	}
	newContent, _ := argString(args, "new_content")
	p, err := h.box.Resolve(path)
	if err != nil {
		return ErrorResult(err)
	}
	lines, err := readLines(p)
	if err != nil {
		return ErrorResult(err)
	}
	if start < 1 || end < start || end > len(lines) {
		return Errorf("invalid line range %d-%d for file with %d lines", start, end, len(lines))
	}

	replacement := []string{}
	if newContent != "" {
		replacement = strings.Split(strings.TrimSuffix(newContent, "\n"), "\n")
	}
	out := make([]string, 0, len(lines)-(end-start+1)+len(replacement))
	out = append(out, lines[:start-1]...)
	out = append(out, replacement...)
	out = append(out, lines[end:]...)

	info, err := os.Stat(p)
	if err != nil {
		return ErrorResult(err)
	}
	body := strings.Join(out, "\n")
	if len(out) > 0 {
		body += "\n"
	}
	if err := os.WriteFile(p, []byte(body), info.Mode().Perm()); err != nil {
		return ErrorResult(err)
	}
	rel := h.box.Rel(p)
	return ToolResult{
		Content: fmt.Sprintf("Replaced lines %d-%d of %s with %d line(s)", start, end, rel, len(replacement)),
		Files:   []string{rel},
	}
}

// readLines 按行读取文件, 不包含换行符。
func readLines(p string) ([]string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n"), nil
}
