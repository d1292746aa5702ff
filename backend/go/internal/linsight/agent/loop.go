package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"linsight/backend/go/internal/linsight/tools"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

// 控制工具, 由推理循环自己处理, 不经过工具集。
const (
	ToolCallUserInput    = "call_user_input"
	ToolGenerateSubTasks = "generate_sub_tasks"
)

// 任务失败原因。
const (
	ReasonMaxTurns         = "max_turns"
	ReasonLLMError         = "llm_error"
	ReasonUserInputTimeout = "user_input_timeout"
)

// maxToolResultInHistory 是写入任务历史的工具结果长度上限。
const maxToolResultInHistory = 16 * 1024

func controlTools(composite bool) []models.ToolDefinition {
	defs := []models.ToolDefinition{{
		Name:        ToolCallUserInput,
		Description: "Ask the user for information you cannot obtain with other tools. Execution pauses until the user replies.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":    map[string]any{"type": "string", "description": "Question shown to the user"},
				"ui_schema": map[string]any{"type": "object", "description": "Optional form schema for the reply"},
			},
			"required": []string{"prompt"},
		},
	}}
	if composite {
		defs = append(defs, models.ToolDefinition{
			Name:        ToolGenerateSubTasks,
			Description: "Split the current task into sub tasks and run them in order. Returns their results.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string", "description": "Why and how the task should be split"},
				},
			},
		})
	}
	return defs
}

// Outcome 是全部任务执行完成后的结果。
type Outcome struct {
	Answer string
	// Failed 记录失败但被跳过的顶层任务。
	Failed []string
}

type priorOutput struct {
	Name   string
	Answer string
}

// run 是一次执行的上下文。
type run struct {
	v       *models.SessionVersion
	tools   *tools.Toolset
	scratch string
	outputs []priorOutput
	log     *logger.Logger
}

// Execute 依次执行会话版本的顶层任务, 任务尚未生成时先生成。
// 终止 (ctx 取消或状态被抢先改变) 时返回 ErrTerminatedByUser 或 ctx 的错误。
func (e *Engine) Execute(ctx context.Context, versionID string, ts *tools.Toolset, scratch string) (*Outcome, error) {
	v, err := e.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	r := &run{v: v, tools: ts, scratch: scratch, log: e.log.WithTrace(v.ID, v.UserID)}

	existing, err := e.store.ListTasks(ctx, v.ID, true)
	if err != nil {
		return nil, err
	}
	var top []*models.ExecutionTask
	if len(existing) == 0 {
		if top, err = e.GenerateTasks(ctx, v, nil, ""); err != nil {
			return nil, err
		}
	} else {
		for i := range existing {
			top = append(top, &existing[i])
		}
	}

	out := &Outcome{}
	var lastErr error
	for _, task := range top {
		if task.ParentTaskID != "" {
			continue
		}
		if task.Status.IsTerminal() {
			if res := task.ResultData(); task.Status == models.TaskSuccess {
				r.outputs = append(r.outputs, priorOutput{Name: nodeName(task), Answer: res.Answer})
				out.Answer = res.Answer
			}
			continue
		}
		answer, err := e.runTask(ctx, r, task)
		if err != nil {
			if fatal(ctx, err) || !e.cfg.ContinueOnTaskFailure {
				return nil, err
			}
			r.log.WithPayload(map[string]interface{}{"task_id": task.ID}).WithError(models.ErrorInfoFrom(err)).Warn("任务失败, 继续执行后续任务")
			out.Failed = append(out.Failed, task.ID)
			lastErr = err
			continue
		}
		r.outputs = append(r.outputs, priorOutput{Name: nodeName(task), Answer: answer})
		out.Answer = answer
	}
	if len(r.outputs) == 0 && len(out.Failed) > 0 {
		return nil, fmt.Errorf("全部任务执行失败: %w", lastErr)
	}
	return out, nil
}

// fatal 判断错误是否应当立即结束整个执行。
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, models.ErrTerminatedByUser) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, models.ErrConfigMissing)
}

func nodeName(t *models.ExecutionTask) string {
	n := t.Node()
	if n.Name != "" {
		return n.Name
	}
	return truncate(n.Description, 80)
}

// runTask 执行一个任务的推理循环, 返回任务答案。
func (e *Engine) runTask(ctx context.Context, r *run, task *models.ExecutionTask) (string, error) {
	log := r.log.WithPayload(map[string]interface{}{"task_id": task.ID})
	// 接管中断的执行时任务可能停在任意非终态
	if err := e.store.TransitionTask(ctx, task.ID, models.OpenTaskStatuses, models.TaskInProgress, nil); err != nil {
		return "", e.transitionErr(task.ID, err)
	}
	mirror, _, err := e.taskMirror(ctx, task.ID)
	if err != nil {
		return "", err
	}
	node := task.Node()
	if _, err := e.bus.Emit(ctx, r.v.ID, models.EventTaskStart, models.TaskStartData{
		TaskID:       task.ID,
		ParentTaskID: task.ParentTaskID,
		Description:  node.Description,
	}, mirror); err != nil {
		return "", err
	}
	log.Info("任务开始执行")

	composite := task.TaskType == models.TaskComposite
	defs := append(r.tools.Definitions(), controlTools(composite)...)
	msgs := buildTaskMessages(r.v, task, r.outputs)

	turns, iterations := 0, 0
	for turns < e.cfg.MaxTurns && iterations < e.cfg.MaxTurns*3 {
		iterations++
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := e.chat(ctx, &models.ChatRequest{Messages: msgs, Tools: defs, Temperature: e.cfg.Temperature})
		if err != nil {
			if fatal(ctx, err) {
				return "", err
			}
			if ferr := e.finish(ctx, r, task, models.TaskFailed, models.TaskResult{Reason: ReasonLLMError + ": " + err.Error()}); ferr != nil {
				return "", ferr
			}
			return "", err
		}

		msg := resp.Message
		if !msg.HasToolCalls() {
			answer := strings.TrimSpace(msg.Content)
			if err := e.finish(ctx, r, task, models.TaskSuccess, models.TaskResult{Answer: answer}); err != nil {
				return "", err
			}
			log.WithPayload(map[string]interface{}{"turns": turns}).Info("任务执行成功")
			return answer, nil
		}

		msgs = append(msgs, models.ChatMessage{Role: models.SpeakerAssistant, Content: msg.Content, ToolCalls: msg.ToolCalls})
		charge := false
		for _, call := range msg.ToolCalls {
			content, isErr, err := e.dispatch(ctx, r, task, call, msg.Content)
			if err != nil {
				return "", err
			}
			msgs = append(msgs, models.ChatMessage{Role: models.SpeakerTool, ToolCallID: call.ID, Name: call.Name, Content: content})
			if !isErr || e.cfg.DeductToolErrors {
				charge = true
			}
		}
		if charge {
			turns++
		}
	}

	log.WithPayload(map[string]interface{}{"turns": turns, "iterations": iterations}).Warn("任务超过最大轮数")
	if err := e.finish(ctx, r, task, models.TaskFailed, models.TaskResult{Reason: ReasonMaxTurns}); err != nil {
		return "", err
	}
	return "", fmt.Errorf("任务 %s: %w", task.ID, models.ErrTaskMaxTurns)
}

// dispatch 执行一次函数调用, 返回回填给模型的内容。返回的 error 会结束任务。
func (e *Engine) dispatch(ctx context.Context, r *run, task *models.ExecutionTask, call models.ToolCall, thought string) (string, bool, error) {
	args, argErr := call.Args()
	switch call.Name {
	case ToolCallUserInput:
		if argErr != nil {
			return fmt.Sprintf("Error: invalid JSON arguments: %v", argErr), true, nil
		}
		prompt, _ := args["prompt"].(string)
		if strings.TrimSpace(prompt) == "" {
			return "Error: prompt is required", true, nil
		}
		schema, _ := args["ui_schema"].(map[string]any)
		reply, err := e.awaitUserInput(ctx, r, task, prompt, schema)
		return reply, false, err

	case ToolGenerateSubTasks:
		if task.TaskType != models.TaskComposite {
			return "Error: generate_sub_tasks is only available to composite tasks", true, nil
		}
		reason := ""
		if argErr == nil {
			reason, _ = args["reason"].(string)
		}
		return e.runSubTasks(ctx, r, task, reason)
	}

	var res tools.ToolResult
	if argErr != nil {
		res = tools.Errorf("invalid JSON arguments for %s: %v", call.Name, argErr)
	} else {
		res = r.tools.Invoke(ctx, call.Name, args)
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	step := models.NewExecStep(models.ExecStep{
		StepID:        uuid.NewString(),
		ToolName:      call.Name,
		ToolArgs:      args,
		ToolResult:    truncate(res.Content, maxToolResultInHistory),
		IsError:       res.IsError,
		Thought:       thought,
		FilesProduced: res.Files,
	})
	if err := e.appendStep(ctx, r, task, step); err != nil {
		return "", false, err
	}
	return res.Content, res.IsError, nil
}

// appendStep 先持久化步骤, 再刷新镜像并推送 task_execute_step。
func (e *Engine) appendStep(ctx context.Context, r *run, task *models.ExecutionTask, step models.Step) error {
	if _, err := e.store.AddStep(ctx, task.ID, step); err != nil {
		return err
	}
	mirror, _, err := e.taskMirror(ctx, task.ID)
	if err != nil {
		return err
	}
	_, err = e.bus.Emit(ctx, r.v.ID, models.EventTaskExecuteStep, models.TaskExecuteStepData{TaskID: task.ID, Step: step}, mirror)
	return err
}

// runSubTasks 运行组合任务的子任务。子任务已在规划时给出则直接执行, 否则先生成。
func (e *Engine) runSubTasks(ctx context.Context, r *run, task *models.ExecutionTask, reason string) (string, bool, error) {
	all, err := e.store.ListTasks(ctx, r.v.ID, false)
	if err != nil {
		return "", false, err
	}
	var children []*models.ExecutionTask
	for i := range all {
		if all[i].ParentTaskID == task.ID && !all[i].Status.IsTerminal() {
			children = append(children, &all[i])
		}
	}
	if len(children) == 0 {
		children, err = e.GenerateTasks(ctx, r.v, task, reason)
		if err != nil {
			if fatal(ctx, err) {
				return "", false, err
			}
			return fmt.Sprintf("Error: failed to generate sub tasks: %v", err), true, nil
		}
	}

	saved := r.outputs
	defer func() { r.outputs = saved }()

	var b strings.Builder
	failed := 0
	for i, child := range children {
		answer, err := e.runTask(ctx, r, child)
		if err != nil {
			if fatal(ctx, err) {
				return "", false, err
			}
			failed++
			fmt.Fprintf(&b, "Sub task %d (%s) failed: %v\n\n", i+1, nodeName(child), err)
			continue
		}
		r.outputs = append(r.outputs, priorOutput{Name: nodeName(child), Answer: answer})
		fmt.Fprintf(&b, "Sub task %d (%s) result:\n%s\n\n", i+1, nodeName(child), answer)
	}
	return strings.TrimRight(b.String(), "\n"), failed == len(children), nil
}

// finish 把任务迁移到终态并推送 task_end。
func (e *Engine) finish(ctx context.Context, r *run, task *models.ExecutionTask, status models.TaskStatus, result models.TaskResult) error {
	if err := e.store.FinishTask(ctx, task.ID, status, result); err != nil {
		return e.transitionErr(task.ID, err)
	}
	mirror, _, err := e.taskMirror(ctx, task.ID)
	if err != nil {
		return err
	}
	_, err = e.bus.Emit(ctx, r.v.ID, models.EventTaskEnd, models.TaskEndData{TaskID: task.ID, Status: status, Result: result}, mirror)
	return err
}

// transitionErr 把被抢先的状态迁移解释为用户终止。
func (e *Engine) transitionErr(taskID string, err error) error {
	if stale(err) {
		return fmt.Errorf("任务 %s 已被终止: %w", taskID, models.ErrTerminatedByUser)
	}
	return err
}

// awaitUserInput 记录输入请求并挂起, 直到总线上的任务镜像变为 user_input_completed。
func (e *Engine) awaitUserInput(ctx context.Context, r *run, task *models.ExecutionTask, prompt string, schema map[string]any) (string, error) {
	need := models.NewNeedUserInputStep(models.NeedUserInput{Prompt: prompt, UISchema: schema})
	if _, err := e.store.AddStep(ctx, task.ID, need); err != nil {
		return "", err
	}
	if err := e.store.TransitionTask(ctx, task.ID, []models.TaskStatus{models.TaskInProgress}, models.TaskWaitingForUserInput, nil); err != nil {
		return "", e.transitionErr(task.ID, err)
	}
	if err := e.store.TransitionVersion(ctx, r.v.ID,
		[]models.SessionVersionStatus{models.VersionInProgress, models.VersionWaitingForUserInput},
		models.VersionWaitingForUserInput, nil); err != nil {
		return "", e.transitionErr(task.ID, err)
	}
	vMirror, _, err := e.versionMirror(ctx, r.v.ID)
	if err != nil {
		return "", err
	}
	tMirror, _, err := e.taskMirror(ctx, task.ID)
	if err != nil {
		return "", err
	}
	if _, err := e.bus.Emit(ctx, r.v.ID, models.EventUserInput, models.UserInputData{TaskID: task.ID, Prompt: prompt, UISchema: schema}, vMirror, tMirror); err != nil {
		return "", err
	}
	r.log.WithPayload(map[string]interface{}{"task_id": task.ID}).Info("等待用户输入")

	waitCtx := ctx
	if e.cfg.UserInputMaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.UserInputMaxWait)
		defer cancel()
	}
	mirrored, err := e.bus.WaitTaskStatus(waitCtx, r.v.ID, task.ID,
		models.TaskUserInputCompleted, models.TaskTerminated, models.TaskFailed)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if ferr := e.finish(ctx, r, task, models.TaskFailed, models.TaskResult{Reason: ReasonUserInputTimeout}); ferr != nil {
			return "", ferr
		}
		return "", fmt.Errorf("等待用户输入超时: %w", models.ErrInvalidState)
	}
	if mirrored.Status != models.TaskUserInputCompleted {
		return "", fmt.Errorf("任务 %s 在等待输入时结束: %w", task.ID, models.ErrTerminatedByUser)
	}

	full, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		return "", err
	}
	var input *models.CallUserInput
	for i := len(full.History) - 1; i >= 0; i-- {
		if full.History[i].Type == models.StepCallUserInput {
			input = full.History[i].CallInput
			break
		}
	}
	if input == nil {
		return "", fmt.Errorf("任务 %s 缺少用户回复记录: %w", task.ID, models.ErrInvalidState)
	}
	local := e.downloadReplyFiles(ctx, r, input.Files)

	if err := e.store.TransitionTask(ctx, task.ID, []models.TaskStatus{models.TaskUserInputCompleted}, models.TaskInProgress, nil); err != nil {
		return "", e.transitionErr(task.ID, err)
	}
	if err := e.store.TransitionVersion(ctx, r.v.ID,
		[]models.SessionVersionStatus{models.VersionWaitingForUserInput, models.VersionInProgress},
		models.VersionInProgress, nil); err != nil {
		return "", e.transitionErr(task.ID, err)
	}
	if vMirror, _, err = e.versionMirror(ctx, r.v.ID); err != nil {
		return "", err
	}
	if tMirror, _, err = e.taskMirror(ctx, task.ID); err != nil {
		return "", err
	}
	if err := e.bus.UpdateMirror(ctx, vMirror, tMirror); err != nil {
		return "", err
	}

	reply := "User replied: " + input.UserInput
	if len(local) > 0 {
		reply += "\nUploaded files in the working directory: " + strings.Join(local, ", ")
	}
	return reply, nil
}

// downloadReplyFiles 把用户回复附带的文件下载到工作目录, 失败只记录日志。
func (e *Engine) downloadReplyFiles(ctx context.Context, r *run, files []models.FileDescriptor) []string {
	if len(files) == 0 || e.blobs == nil || r.scratch == "" {
		return nil
	}
	var names []string
	for _, f := range files {
		name := filepath.Base(f.OriginalFilename)
		if name == "." || name == string(filepath.Separator) || name == "" {
			name = filepath.Base(f.ObjectName)
		}
		if err := e.blobs.Download(ctx, f.ObjectName, filepath.Join(r.scratch, name)); err != nil {
			r.log.WithPayload(map[string]interface{}{"object": f.ObjectName}).WithError(models.ErrorInfoFrom(err)).Warn("下载用户上传文件失败")
			continue
		}
		names = append(names, name)
	}
	return names
}
