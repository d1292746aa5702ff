package models

import "errors"

// 任务执行核心的错误类型。调用方使用 errors.Is 判断。
var (
	// ErrConfigMissing 必需的模型或提供商未配置，直接返回给用户，不重试。
	ErrConfigMissing = errors.New("config missing")
	// ErrUnauthorized 调用方无权访问会话、工具或文件路径。
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound 会话版本、任务或 SOP 不存在。
	ErrNotFound = errors.New("not found")
	// ErrAlreadyInProgress 重复的执行请求。
	ErrAlreadyInProgress = errors.New("already in progress")
	// ErrToolInvocation 工具返回了失败结果，只记录到任务历史中。
	ErrToolInvocation = errors.New("tool invocation error")
	// ErrLLM 模型调用失败。
	ErrLLM = errors.New("llm error")
	// ErrTerminatedByUser 用户主动终止。
	ErrTerminatedByUser = errors.New("terminated by user")
	// ErrTaskMaxTurns 单个任务超出最大推理轮数。
	ErrTaskMaxTurns = errors.New("task max turns exceeded")
	// ErrStreamClosed 订阅者已断开。
	ErrStreamClosed = errors.New("stream closed")
	// ErrStaleTransition 条件更新没有命中任何行，说明状态已被其他写入者改变。
	ErrStaleTransition = errors.New("stale status transition")
	// ErrInvalidState 当前状态不允许该操作。
	ErrInvalidState = errors.New("invalid state")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrConfigMissing, "ConfigMissing"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrNotFound, "NotFound"},
	{ErrAlreadyInProgress, "AlreadyInProgress"},
	{ErrToolInvocation, "ToolInvocationError"},
	{ErrLLM, "LLMError"},
	{ErrTerminatedByUser, "TerminatedByUser"},
	{ErrTaskMaxTurns, "TaskMaxTurns"},
	{ErrStreamClosed, "StreamClosed"},
	{ErrStaleTransition, "StaleTransition"},
	{ErrInvalidState, "InvalidState"},
}

// ErrorKind 将错误映射为事件中使用的错误类型名称。
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
