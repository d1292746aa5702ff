package llm

import (
	"github.com/meguminnnnnnnnn/go-openai"

	"linsight/backend/go/internal/models"
)

// ToOpenAITools 将工具目录转换为 OpenAI Go SDK 需要的 FunctionDefinition 列表。
func ToOpenAITools(defs []models.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  normalizeSchema(d.Parameters),
			},
		})
	}
	return tools
}

// normalizeSchema 保证参数 schema 至少是一个空 object, 部分兼容服务不接受 null。
func normalizeSchema(params map[string]any) map[string]any {
	if len(params) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if _, ok := params["type"]; !ok {
		out := make(map[string]any, len(params)+1)
		for k, v := range params {
			out[k] = v
		}
		out["type"] = "object"
		return out
	}
	return params
}
