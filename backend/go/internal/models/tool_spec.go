package models

import (
	"time"

	"gorm.io/datatypes"
)

// Schema 定义了工具的输入参数结构，兼容 OpenAPI 3.0.3 规范的子集。
type Schema struct {
	Type        string             `json:"type"`                  // 参数类型 (e.g., "object", "string", "number")
	Properties  map[string]*Schema `json:"properties,omitempty"`  // 如果类型是 "object", 定义其属性
	Required    []string           `json:"required,omitempty"`    // "object" 类型中的必需属性列表
	Description string             `json:"description,omitempty"` // 参数的描述
	Enum        []string           `json:"enum,omitempty"`        // 如果类型是 "string", 可选的枚举值
	Items       *Schema            `json:"items,omitempty"`       // 如果类型是 "array", 定义数组元素的类型
	In          string             `json:"in,omitempty"`          // OpenAPI 参数位置: query, path, header, body
}

// ToolSpec 是持久化的外部工具定义, 支持 OpenAPI 与 MCP 两种形态。
type ToolSpec struct {
	ID          string   `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name        string   `gorm:"type:varchar(128)" json:"name"`
	Description string   `gorm:"type:text" json:"description"`
	Kind        ToolKind `gorm:"type:varchar(16)" json:"kind"`

	// OpenAPI
	Method  string                     `gorm:"type:varchar(16)" json:"method,omitempty"`
	URL     string                     `gorm:"type:varchar(1024)" json:"url,omitempty"`
	Headers datatypes.JSONMap          `json:"headers,omitempty"`
	Params  datatypes.JSONType[Schema] `json:"params"`

	// MCP
	ServerName string                      `gorm:"type:varchar(128)" json:"server_name,omitempty"`
	Transport  string                      `gorm:"type:varchar(16)" json:"transport,omitempty"` // "stdio" 或 "http-sse"
	Command    string                      `gorm:"type:varchar(1024)" json:"command,omitempty"`
	Args       datatypes.JSONSlice[string] `json:"args,omitempty"`
	Env        datatypes.JSONSlice[string] `json:"env,omitempty"`

	// Config 保存 api key 等敏感配置, 对外展示前需要脱敏。
	Config    datatypes.JSONMap `json:"config,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (ToolSpec) TableName() string { return "linsight_tool_spec" }
