package models

import (
	"encoding/json"
	"fmt"
)

// EventKind 是消息总线上的事件类型。
type EventKind string

const (
	EventSOPGenerateChunk    EventKind = "sop_generate_chunk"
	EventSOPGenerateComplete EventKind = "sop_generate_complete"
	EventTaskGenerate        EventKind = "task_generate"
	EventTaskStart           EventKind = "task_start"
	EventTaskExecuteStep     EventKind = "task_execute_step"
	EventUserInput           EventKind = "user_input"
	EventUserInputCompleted  EventKind = "user_input_completed"
	EventTaskEnd             EventKind = "task_end"
	EventFinalResult         EventKind = "final_result"
	EventTaskTerminated      EventKind = "task_terminated"
	EventError               EventKind = "error"

	// EventStreamClosed 只由流桥接层发送, 不写入总线。
	EventStreamClosed EventKind = "stream_closed"
)

// Event 是事件的线上格式。
type Event struct {
	Event            EventKind       `json:"event"`
	Data             json.RawMessage `json:"data"`
	Offset           int64           `json:"offset"`
	SessionVersionID string          `json:"session_version_id"`
}

// NewEvent 构造一个尚未分配 offset 的事件。
func NewEvent(kind EventKind, versionID string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("序列化事件 '%s' 失败: %w", kind, err)
	}
	return Event{Event: kind, Data: raw, SessionVersionID: versionID}, nil
}

// Decode 将事件载荷解析到 v。
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("解析事件 '%s' 载荷失败: %w", e.Event, err)
	}
	return nil
}

// IsTerminal 判断事件之后分区是否不再产生新事件。
func (e Event) IsTerminal() bool {
	switch e.Event {
	case EventFinalResult, EventTaskTerminated:
		return true
	case EventError:
		var d ErrorData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return false
		}
		return d.Fatal
	}
	return false
}

// SOPChunkData 是 sop_generate_chunk 的载荷。
type SOPChunkData struct {
	Content string `json:"content"`
}

// SOPCompleteData 是 sop_generate_complete 的载荷。
type SOPCompleteData struct {
	SOP   string `json:"sop"`
	Title string `json:"title,omitempty"`
}

// TaskGenerateData 是 task_generate 的载荷。
type TaskGenerateData struct {
	ParentTaskID string          `json:"parent_task_id,omitempty"`
	Tasks        []ExecutionTask `json:"tasks"`
}

// TaskStartData 是 task_start 的载荷。
type TaskStartData struct {
	TaskID       string `json:"task_id"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	Description  string `json:"description"`
}

// TaskExecuteStepData 是 task_execute_step 的载荷。
type TaskExecuteStepData struct {
	TaskID string `json:"task_id"`
	Step   Step   `json:"step"`
}

// UserInputData 是 user_input 的载荷。
type UserInputData struct {
	TaskID   string         `json:"task_id"`
	Prompt   string         `json:"prompt"`
	UISchema map[string]any `json:"ui_schema,omitempty"`
}

// UserInputCompletedData 是 user_input_completed 的载荷。
type UserInputCompletedData struct {
	TaskID    string           `json:"task_id"`
	UserInput string           `json:"user_input"`
	Files     []FileDescriptor `json:"files,omitempty"`
}

// TaskEndData 是 task_end 的载荷。
type TaskEndData struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Result TaskResult `json:"result"`
}

// FinalResultData 是 final_result 的载荷。
type FinalResultData struct {
	Status SessionVersionStatus `json:"status"`
	Output OutputResult         `json:"output_result"`
}

// TaskTerminatedData 是 task_terminated 的载荷。
type TaskTerminatedData struct {
	Reason string `json:"reason"`
}

// ErrorData 是 error 的载荷。Fatal 为真时分区结束。
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
	Fatal   bool   `json:"fatal"`
}
