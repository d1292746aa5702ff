package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"linsight/backend/go/internal/models"
	linsighthttp "linsight/backend/go/pkg/http"
)

// maxResponseBody 是 OpenAPI 工具读取响应体的上限 (1MB)。
const maxResponseBody = 1 << 20

type openAPITool struct {
	spec   models.ToolSpec
	client linsighthttp.Doer
}

// NewOpenAPITool 根据已注册的工具定义创建 HTTP 工具。timeout 为 0 时使用 60 秒。
func NewOpenAPITool(spec models.ToolSpec, timeout time.Duration) Tool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return newOpenAPITool(spec, linsighthttp.NewClient(timeout, nil))
}

func newOpenAPITool(spec models.ToolSpec, client linsighthttp.Doer) Tool {
	return &openAPITool{spec: spec, client: client}
}

func (t *openAPITool) Name() string          { return t.spec.Name }
func (t *openAPITool) Description() string   { return t.spec.Description }
func (t *openAPITool) Kind() models.ToolKind { return models.ToolKindOpenAPI }

func (t *openAPITool) InputSchema() map[string]any {
	raw, err := json.Marshal(t.spec.Params.Data())
	if err != nil {
		return objectSchema(nil, map[string]any{})
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil || schema["type"] == nil {
		return objectSchema(nil, map[string]any{})
	}
	stripLocation(schema)
	return schema
}

// stripLocation 去掉模型不需要的 "in" 字段。
func stripLocation(schema map[string]any) {
	delete(schema, "in")
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, p := range props {
			if m, ok := p.(map[string]any); ok {
				stripLocation(m)
			}
		}
	}
}

func (t *openAPITool) Invoke(ctx context.Context, args map[string]any) ToolResult {
	req, err := t.buildRequest(ctx, args)
	if err != nil {
		return ErrorResult(fmt.Errorf("%w: %v", models.ErrToolInvocation, err))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Errorf("%w: request to %s failed: %v", models.ErrToolInvocation, t.spec.Name, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return ErrorResult(fmt.Errorf("%w: failed to read response: %v", models.ErrToolInvocation, err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Errorf("HTTP %d from %s: %s", resp.StatusCode, t.spec.Name, strings.TrimSpace(string(body)))
	}
	if len(body) == 0 {
		return Text("HTTP %d (empty body)", resp.StatusCode)
	}
	return ToolResult{Content: string(body)}
}

func (t *openAPITool) buildRequest(ctx context.Context, args map[string]any) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(t.spec.Method))
	if method == "" {
		method = http.MethodGet
	}
	target := t.spec.URL
	schema := t.spec.Params.Data()

	query := url.Values{}
	headers := http.Header{}
	body := map[string]any{}
	for name, v := range args {
		loc := ""
		if p, ok := schema.Properties[name]; ok && p != nil {
			loc = p.In
		}
		if loc == "" {
			if method == http.MethodGet || method == http.MethodDelete {
				loc = "query"
			} else {
				loc = "body"
			}
		}
		switch loc {
		case "path":
			target = strings.ReplaceAll(target, "{"+name+"}", url.PathEscape(fmt.Sprint(v)))
		case "query":
			query.Set(name, fmt.Sprint(v))
		case "header":
			headers.Set(name, fmt.Sprint(v))
		default:
			body[name] = v
		}
	}
	if strings.Contains(target, "{") {
		return nil, fmt.Errorf("missing path parameters in %s", target)
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", target, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.spec.Headers {
		req.Header.Set(k, fmt.Sprint(v))
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	if key, ok := t.spec.Config["api_key"].(string); ok && key != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}
