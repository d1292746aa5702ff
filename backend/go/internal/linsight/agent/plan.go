package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"linsight/backend/go/internal/linsight/bus"
	"linsight/backend/go/internal/models"
)

// GenerateTasks 根据 SOP 生成任务并持久化, 推送 task_generate。
// parent 非空时生成的是 parent 的子任务。
func (e *Engine) GenerateTasks(ctx context.Context, v *models.SessionVersion, parent *models.ExecutionTask, reason string) ([]*models.ExecutionTask, error) {
	msgs := buildPlanMessages(v.Question, v.SOPText, parent, reason)
	var (
		nodes   []models.TaskNode
		lastErr error
	)
	for attempt := 1; attempt <= e.cfg.LLMRetries; attempt++ {
		resp, err := e.chat(ctx, &models.ChatRequest{Messages: msgs, Temperature: e.cfg.Temperature})
		if err != nil {
			return nil, err
		}
		nodes, lastErr = parseTaskNodes(resp.Message.Content)
		if lastErr == nil {
			break
		}
		e.log.WithTrace(v.ID, v.UserID).WithPayload(map[string]interface{}{"attempt": attempt}).
			WithError(models.ErrorInfoFrom(lastErr)).Warn("任务规划输出无法解析")
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: 无法解析任务规划: %v", models.ErrLLM, lastErr)
	}

	parentID := ""
	if parent != nil {
		parentID = parent.ID
	}
	tasks := buildTasks(v.ID, parentID, nodes)
	if err := e.store.CreateTasks(ctx, tasks); err != nil {
		return nil, err
	}

	payload := make([]models.ExecutionTask, len(tasks))
	for i, t := range tasks {
		payload[i] = *t
	}
	if _, err := e.bus.Emit(ctx, v.ID, models.EventTaskGenerate, models.TaskGenerateData{ParentTaskID: parentID, Tasks: payload}, bus.WithTasks(tasks...)); err != nil {
		return nil, err
	}
	e.log.WithTrace(v.ID, v.UserID).WithPayload(map[string]interface{}{"parent_task_id": parentID, "count": len(tasks)}).Info("任务生成完成")
	return tasks, nil
}

// parseTaskNodes 从模型输出中取出 JSON 数组, 兼容 markdown 代码块以及 {"tasks": [...]} 包装。
func parseTaskNodes(content string) ([]models.TaskNode, error) {
	text := strings.TrimSpace(content)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			text = strings.TrimSpace(rest[:j])
		}
	}

	var nodes []models.TaskNode
	if strings.HasPrefix(text, "{") {
		var wrapped struct {
			Tasks []models.TaskNode `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
			return nil, err
		}
		nodes = wrapped.Tasks
	} else {
		start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("输出中没有 JSON 数组")
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &nodes); err != nil {
			return nil, err
		}
	}

	out := nodes[:0]
	for _, n := range nodes {
		if strings.TrimSpace(n.Description) == "" && strings.TrimSpace(n.Name) == "" {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("任务列表为空")
	}
	return out, nil
}

// buildTasks 把节点转换为任务。节点的 parent_id 指向同一批次中的节点时成为其子任务,
// 否则挂在 parentID 下。同一父任务下的任务按数组顺序串成链。
func buildTasks(versionID, parentID string, nodes []models.TaskNode) []*models.ExecutionTask {
	ids := make(map[string]string, len(nodes))
	tasks := make([]*models.ExecutionTask, len(nodes))
	for i, n := range nodes {
		id := uuid.NewString()
		if n.ID != "" {
			if _, dup := ids[n.ID]; !dup {
				ids[n.ID] = id
			}
		}
		taskType := models.TaskSingle
		if n.IsLoop() {
			taskType = models.TaskComposite
		}
		tasks[i] = &models.ExecutionTask{
			ID:               id,
			SessionVersionID: versionID,
			TaskType:         taskType,
			TaskData:         datatypes.NewJSONType(n),
			Status:           models.TaskPending,
		}
	}

	parents := make(map[string]string, len(tasks))
	for i, n := range nodes {
		p := parentID
		if mapped, ok := ids[n.ParentID]; ok && n.ParentID != "" && mapped != tasks[i].ID {
			p = mapped
		}
		parents[tasks[i].ID] = p
	}
	breakParentCycles(tasks, parents, parentID)

	siblings := map[string][]*models.ExecutionTask{}
	var order []string
	for i := range tasks {
		p := parents[tasks[i].ID]
		tasks[i].ParentTaskID = p
		if _, seen := siblings[p]; !seen {
			order = append(order, p)
		}
		siblings[p] = append(siblings[p], tasks[i])
	}
	for _, p := range order {
		chain := siblings[p]
		for i, t := range chain {
			t.Position = i
			if i > 0 {
				t.PreviousTaskID = chain[i-1].ID
			}
			if i < len(chain)-1 {
				t.NextTaskID = chain[i+1].ID
			}
		}
	}
	return tasks
}

// breakParentCycles 沿父链向上查找, 位于环上的任务改挂到 root 下。按输入顺序处理, 环上第一个任务成为顶层任务。
func breakParentCycles(tasks []*models.ExecutionTask, parents map[string]string, root string) {
	for _, t := range tasks {
		seen := map[string]bool{t.ID: true}
		for cur := parents[t.ID]; cur != root; cur = parents[cur] {
			if cur == t.ID {
				parents[t.ID] = root
				break
			}
			if seen[cur] {
				// 环不经过 t, 轮到环上的任务时再处理
				break
			}
			seen[cur] = true
		}
	}
}
