package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/mcp_host"
)

// mcpTool 把 MCP 服务端的工具适配为 Tool, 调用经由 Host 转发。
type mcpTool struct {
	host   *mcp_host.Host
	server string
	tool   mcp.Tool
	schema map[string]any
}

func newMCPTool(host *mcp_host.Host, st mcp_host.ServerTool) *mcpTool {
	return &mcpTool{host: host, server: st.Server, tool: st.Tool, schema: mcpInputSchema(st.Tool)}
}

func (t *mcpTool) Name() string                { return t.tool.Name }
func (t *mcpTool) Description() string         { return t.tool.Description }
func (t *mcpTool) InputSchema() map[string]any { return t.schema }
func (t *mcpTool) Kind() models.ToolKind       { return models.ToolKindMCP }

func (t *mcpTool) Invoke(ctx context.Context, args map[string]any) ToolResult {
	res, err := t.host.InvokeTool(ctx, t.tool.Name, args)
	if err != nil {
		return ErrorResult(fmt.Errorf("%w: %v", models.ErrToolInvocation, err))
	}
	text := mcpResultText(res)
	if res.IsError {
		return ToolResult{Content: "Error: " + text, IsError: true}
	}
	return ToolResult{Content: text}
}

// mcpInputSchema 通过 JSON 往返取出工具的 inputSchema。
func mcpInputSchema(tool mcp.Tool) map[string]any {
	raw, err := json.Marshal(tool)
	if err != nil {
		return objectSchema(nil, map[string]any{})
	}
	var decoded struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.InputSchema == nil {
		return objectSchema(nil, map[string]any{})
	}
	return decoded.InputSchema
}

func mcpResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			raw, err := json.Marshal(c)
			if err != nil {
				parts = append(parts, "[unsupported content]")
				continue
			}
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}
