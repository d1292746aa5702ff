package models

import "encoding/json"

// SpeakerRole 定义了消息发送者的角色。
type SpeakerRole string

const (
	SpeakerSystem    SpeakerRole = "system"    // 系统提示。
	SpeakerUser      SpeakerRole = "user"      // 用户角色。
	SpeakerAssistant SpeakerRole = "assistant" // 助手角色。
	SpeakerTool      SpeakerRole = "tool"      // 工具角色。
)

// ToolCall 是模型请求的一次函数调用。
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON 字符串
}

// Args 解析调用参数, 参数不是合法 JSON 时返回错误。
func (c ToolCall) Args() (map[string]any, error) {
	args := map[string]any{}
	if c.Arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(c.Arguments), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ChatMessage 是对话中的一条消息。
type ChatMessage struct {
	Role       SpeakerRole `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// HasToolCalls 判断消息是否包含函数调用。
func (m ChatMessage) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// ToolDefinition 是暴露给模型的工具描述。
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatRequest 定义了一次对话补全请求。
type ChatRequest struct {
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature float32          `json:"temperature"`
}

// ChatResponse 定义了一次对话补全的结果。
type ChatResponse struct {
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatChunk 是流式输出的一个增量。Err 非空时流结束。
type ChatChunk struct {
	Delta string
	Err   error
}
