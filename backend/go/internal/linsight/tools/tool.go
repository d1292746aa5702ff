// Package tools 为智能体提供统一的工具调用入口, 覆盖内置文件工具、知识检索工具和外部 (OpenAPI / MCP) 工具。
//
// 工具调用失败不会返回 error, 而是返回 IsError 为真的 ToolResult, 由智能体自行纠正。
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"linsight/backend/go/internal/models"
)

// Tool 是智能体可以调用的一个能力。
type Tool interface {
	Name() string
	Description() string
	// InputSchema 返回 JSON Schema 形式的参数定义。
	InputSchema() map[string]any
	Kind() models.ToolKind
	Invoke(ctx context.Context, args map[string]any) ToolResult
}

// ToolResult 是一次工具调用的结果。Files 是本次调用写入的文件 (相对工作目录)。
type ToolResult struct {
	Content string   `json:"content"`
	IsError bool     `json:"is_error,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// Text 构造成功结果。
func Text(format string, a ...any) ToolResult {
	return ToolResult{Content: fmt.Sprintf(format, a...)}
}

// Errorf 构造失败结果。
func Errorf(format string, a ...any) ToolResult {
	return ToolResult{Content: "Error: " + fmt.Sprintf(format, a...), IsError: true}
}

// ErrorResult 把 error 转换为失败结果。
func ErrorResult(err error) ToolResult {
	kind := models.ErrorKind(err)
	if kind == "Internal" {
		return Errorf("%v", err)
	}
	return ToolResult{Content: fmt.Sprintf("Error (%s): %v", kind, err), IsError: true}
}

// Definitions 生成暴露给模型的工具目录。
func Definitions(tools []Tool) []models.ToolDefinition {
	defs := make([]models.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, models.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return defs
}

// objectSchema 是构造参数定义的辅助函数。
func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

// argString 读取字符串参数。
func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	default:
		return fmt.Sprint(s), true
	}
}

func requireString(args map[string]any, key string) (string, error) {
	s, ok := argString(args, key)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return s, nil
}

// argInt 读取整数参数, 兼容 JSON 数字与字符串。
func argInt(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		if strings.TrimSpace(n) == "" {
			return def, nil
		}
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("argument %q must be an integer", key)
		}
		return i, nil
	}
	return 0, fmt.Errorf("argument %q must be an integer", key)
}

func argBool(args map[string]any, key string) bool {
	switch b := args[key].(type) {
	case bool:
		return b
	case string:
		v, _ := strconv.ParseBool(b)
		return v
	}
	return false
}
