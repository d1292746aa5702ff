package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// SessionVersionStatus 定义了会话版本的状态。
type SessionVersionStatus string

const (
	VersionDraft               SessionVersionStatus = "draft"
	VersionSOPGenerated        SessionVersionStatus = "sop_generated"
	VersionInProgress          SessionVersionStatus = "in_progress"
	VersionWaitingForUserInput SessionVersionStatus = "waiting_for_user_input"
	VersionCompleted           SessionVersionStatus = "completed"
	VersionFailed              SessionVersionStatus = "failed"
	VersionTerminated          SessionVersionStatus = "terminated"
)

// IsTerminal 判断会话版本是否已经处于终态。
func (s SessionVersionStatus) IsTerminal() bool {
	switch s {
	case VersionCompleted, VersionFailed, VersionTerminated:
		return true
	}
	return false
}

// ActiveVersionStatuses 是执行中 (尚未结束) 的状态集合。
var ActiveVersionStatuses = []SessionVersionStatus{VersionInProgress, VersionWaitingForUserInput}

// ParseStatus 是输入文件转换为 markdown 的状态。
type ParseStatus string

const (
	ParsePending   ParseStatus = "pending"
	ParseCompleted ParseStatus = "completed"
	ParseFailed    ParseStatus = "failed"
)

// FileDescriptor 引用对象存储中的文件以及解析出的 markdown 副本。
type FileDescriptor struct {
	ObjectName       string      `json:"object_name"`
	OriginalFilename string      `json:"original_filename"`
	MarkdownFilePath string      `json:"markdown_file_path,omitempty"`
	MarkdownFilename string      `json:"markdown_filename,omitempty"`
	ParseStatus      ParseStatus `json:"parse_status,omitempty"`
}

// ToolKind 标识工具的来源。
type ToolKind string

const (
	ToolKindBuiltin   ToolKind = "builtin"
	ToolKindKnowledge ToolKind = "knowledge"
	ToolKindOpenAPI   ToolKind = "openapi"
	ToolKindMCP       ToolKind = "mcp"
)

// ToolRef 是会话版本所选择的工具。
// Builtin 与 Knowledge 工具只需要名字, 外部工具通过 SpecID 引用已注册的工具定义。
type ToolRef struct {
	Kind   ToolKind `json:"kind"`
	Name   string   `json:"name"`
	SpecID string   `json:"spec_id,omitempty"`
}

// Session 是用户的一次高层请求。
type Session struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID    string    `gorm:"index;type:varchar(64)" json:"user_id"`
	Question  string    `gorm:"type:text" json:"question"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "linsight_session" }

// OutputResult 是会话版本完成后的最终结果。
type OutputResult struct {
	Answer     string           `json:"answer"`
	FinalFiles []FileDescriptor `json:"final_files,omitempty"`
	AllFiles   []string         `json:"all_files,omitempty"`
}

// SessionVersion 是对一个会话的一次尝试, 拥有独立的 SOP、任务和结果。
type SessionVersion struct {
	ID                string                             `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SessionID         string                             `gorm:"index;type:varchar(64)" json:"session_id"`
	UserID            string                             `gorm:"index;type:varchar(64)" json:"user_id"`
	Question          string                             `gorm:"type:text" json:"question"`
	Title             string                             `gorm:"type:varchar(255)" json:"title"`
	Tools             datatypes.JSONSlice[ToolRef]        `json:"tools"`
	Files             datatypes.JSONSlice[FileDescriptor] `json:"files"`
	SOPText           string                             `gorm:"column:sop_text;type:text" json:"sop_text"`
	Status            SessionVersionStatus               `gorm:"index;type:varchar(32)" json:"status"`
	Score             *int                               `json:"score,omitempty"`
	Feedback          *string                            `gorm:"type:text" json:"feedback,omitempty"`
	OutputResult      datatypes.JSON                     `json:"output_result,omitempty"`
	ErrorMessage      string                             `gorm:"type:text" json:"error_message,omitempty"`
	OrgKBEnabled      bool                               `gorm:"column:org_kb_enabled" json:"org_kb_enabled"`
	PersonalKBEnabled bool                               `gorm:"column:personal_kb_enabled" json:"personal_kb_enabled"`
	PreviousVersionID string                             `gorm:"type:varchar(64)" json:"previous_version_id,omitempty"`
	CreatedAt         time.Time                          `json:"created_at"`
	UpdatedAt         time.Time                          `json:"updated_at"`
}

func (SessionVersion) TableName() string { return "linsight_session_version" }

// SetOutput 序列化最终结果。
func (v *SessionVersion) SetOutput(out OutputResult) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("序列化 output_result 失败: %w", err)
	}
	v.OutputResult = raw
	return nil
}

// Output 反序列化最终结果, 尚未完成时返回 nil。
func (v *SessionVersion) Output() (*OutputResult, error) {
	if len(v.OutputResult) == 0 {
		return nil, nil
	}
	var out OutputResult
	if err := json.Unmarshal(v.OutputResult, &out); err != nil {
		return nil, fmt.Errorf("解析 output_result 失败: %w", err)
	}
	return &out, nil
}

// HasTool 判断版本是否选择了指定名字的工具。
func (v *SessionVersion) HasTool(name string) bool {
	for _, t := range v.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
