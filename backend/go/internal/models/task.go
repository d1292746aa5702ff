package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// TaskType 区分单步任务与会派生子任务的循环任务。
type TaskType string

const (
	TaskSingle    TaskType = "single"
	TaskComposite TaskType = "composite"
)

// TaskStatus 定义了执行任务的状态。
type TaskStatus string

const (
	TaskPending             TaskStatus = "pending"
	TaskInProgress          TaskStatus = "in_progress"
	TaskWaitingForUserInput TaskStatus = "waiting_for_user_input"
	TaskUserInputCompleted  TaskStatus = "user_input_completed"
	TaskSuccess             TaskStatus = "success"
	TaskFailed              TaskStatus = "failed"
	TaskTerminated          TaskStatus = "terminated"
)

// IsTerminal 判断任务是否处于终态, 终态之后不允许任何迁移。
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskTerminated:
		return true
	}
	return false
}

// OpenTaskStatuses 是所有非终态。
var OpenTaskStatuses = []TaskStatus{TaskPending, TaskInProgress, TaskWaitingForUserInput, TaskUserInputCompleted}

// FlexStrings 兼容模型输出的字符串或字符串数组。
type FlexStrings []string

// UnmarshalJSON 实现 json.Unmarshaler。
func (f *FlexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = nil
		} else {
			*f = FlexStrings{s}
		}
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("期望字符串或数组: %w", err)
	}
	out := make(FlexStrings, 0, len(list))
	for _, item := range list {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			s = strings.TrimSpace(string(item))
		}
		out = append(out, s)
	}
	*f = out
	return nil
}

// TaskNode 是任务生成时模型输出的节点。
type TaskNode struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id,omitempty"`
	Name        string          `json:"name,omitempty"`
	NodeLoop    json.RawMessage `json:"node_loop,omitempty"`
	Description string          `json:"description"`
	Inputs      FlexStrings     `json:"inputs,omitempty"`
	Outputs     FlexStrings     `json:"outputs,omitempty"`
}

// IsLoop 判断 node_loop 是否被设置。
func (n TaskNode) IsLoop() bool {
	raw := strings.TrimSpace(string(n.NodeLoop))
	switch raw {
	case "", "null", "false", `""`, "0", "{}", "[]":
		return false
	}
	return true
}

// TaskResult 是任务结束时写入的结果。
type TaskResult struct {
	Answer string `json:"answer,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ExecutionTask 是会话版本任务图中的一个节点。
type ExecutionTask struct {
	ID               string                       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SessionVersionID string                       `gorm:"index;type:varchar(64)" json:"session_version_id"`
	ParentTaskID     string                       `gorm:"index;type:varchar(64)" json:"parent_task_id,omitempty"`
	PreviousTaskID   string                       `gorm:"type:varchar(64)" json:"previous_task_id,omitempty"`
	NextTaskID       string                       `gorm:"type:varchar(64)" json:"next_task_id,omitempty"`
	Position         int                          `json:"position"`
	TaskType         TaskType                     `gorm:"type:varchar(16)" json:"task_type"`
	TaskData         datatypes.JSONType[TaskNode] `json:"task_data"`
	Status           TaskStatus                   `gorm:"index;type:varchar(32)" json:"status"`
	Result           datatypes.JSON               `json:"result,omitempty"`
	History          []Step                       `gorm:"-" json:"history,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

func (ExecutionTask) TableName() string { return "linsight_execute_task" }

// Node 返回任务节点数据。
func (t *ExecutionTask) Node() TaskNode { return t.TaskData.Data() }

// SetResult 序列化任务结果。
func (t *ExecutionTask) SetResult(r TaskResult) {
	raw, _ := json.Marshal(r)
	t.Result = raw
}

// ResultData 反序列化任务结果, 没有结果时返回零值。
func (t *ExecutionTask) ResultData() TaskResult {
	var r TaskResult
	if len(t.Result) > 0 {
		_ = json.Unmarshal(t.Result, &r)
	}
	return r
}

// StepType 是任务历史记录的类型标签。
type StepType string

const (
	StepExec          StepType = "exec_step"
	StepNeedUserInput StepType = "need_user_input"
	StepCallUserInput StepType = "call_user_input"
)

// ExecStep 记录一次推理或工具调用。
type ExecStep struct {
	StepID        string         `json:"step_id"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolArgs      map[string]any `json:"tool_args,omitempty"`
	ToolResult    string         `json:"tool_result,omitempty"`
	IsError       bool           `json:"is_error,omitempty"`
	Thought       string         `json:"thought,omitempty"`
	FilesProduced []string       `json:"files_produced,omitempty"`
}

// NeedUserInput 记录模型发起的用户输入请求。
type NeedUserInput struct {
	Prompt   string         `json:"prompt"`
	UISchema map[string]any `json:"ui_schema,omitempty"`
}

// CallUserInput 记录用户的回复。
type CallUserInput struct {
	UserInput string           `json:"user_input"`
	Files     []FileDescriptor `json:"files,omitempty"`
}

// Step 是任务历史中的一条记录, 按 Type 只有一个分支非空。
type Step struct {
	Type      StepType       `json:"type"`
	Exec      *ExecStep      `json:"exec,omitempty"`
	NeedInput *NeedUserInput `json:"need_user_input,omitempty"`
	CallInput *CallUserInput `json:"call_user_input,omitempty"`
}

// NewExecStep 构造工具调用记录。
func NewExecStep(s ExecStep) Step { return Step{Type: StepExec, Exec: &s} }

// NewNeedUserInputStep 构造用户输入请求记录。
func NewNeedUserInputStep(s NeedUserInput) Step { return Step{Type: StepNeedUserInput, NeedInput: &s} }

// NewCallUserInputStep 构造用户回复记录。
func NewCallUserInputStep(s CallUserInput) Step { return Step{Type: StepCallUserInput, CallInput: &s} }

// Validate 检查标签与载荷是否一致。
func (s Step) Validate() error {
	switch s.Type {
	case StepExec:
		if s.Exec == nil {
			return fmt.Errorf("exec_step 缺少载荷")
		}
	case StepNeedUserInput:
		if s.NeedInput == nil {
			return fmt.Errorf("need_user_input 缺少载荷")
		}
	case StepCallUserInput:
		if s.CallInput == nil {
			return fmt.Errorf("call_user_input 缺少载荷")
		}
	default:
		return fmt.Errorf("未知的步骤类型: %s", s.Type)
	}
	return nil
}

// ExecutionTaskStep 是任务历史的持久化行, 只插入不更新。
type ExecutionTaskStep struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	TaskID    string         `gorm:"uniqueIndex:idx_task_step_seq;type:varchar(64)"`
	Seq       int            `gorm:"uniqueIndex:idx_task_step_seq"`
	StepType  StepType       `gorm:"type:varchar(32)"`
	Payload   datatypes.JSON
	CreatedAt time.Time
}

func (ExecutionTaskStep) TableName() string { return "linsight_execute_task_step" }
