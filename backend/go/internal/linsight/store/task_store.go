package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"linsight/backend/go/internal/models"
)

// CreateTasks 在一个事务中批量创建任务图。
func (s *Store) CreateTasks(ctx context.Context, tasks []*models.ExecutionTask) error {
	if len(tasks) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(tasks).Error; err != nil {
			return fmt.Errorf("批量创建任务失败: %w", err)
		}
		return nil
	})
}

// GetTask 读取任务及其完整历史。
func (s *Store) GetTask(ctx context.Context, id string) (*models.ExecutionTask, error) {
	var t models.ExecutionTask
	if err := s.DB.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "任务 "+id)
	}
	history, err := s.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	t.History = history
	return &t, nil
}

// ListTasks 返回会话版本的全部任务, 按创建时间与 position 排序。
func (s *Store) ListTasks(ctx context.Context, versionID string, withHistory bool) ([]models.ExecutionTask, error) {
	var tasks []models.ExecutionTask
	err := s.DB.WithContext(ctx).
		Where("session_version_id = ?", versionID).
		Order("created_at ASC, position ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	if !withHistory || len(tasks) == 0 {
		return tasks, nil
	}

	ids := make([]string, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].ID
	}
	var rows []models.ExecutionTaskStep
	if err := s.DB.WithContext(ctx).Where("task_id IN ?", ids).Order("task_id, seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询任务历史失败: %w", err)
	}
	byTask := make(map[string][]models.Step, len(tasks))
	for _, r := range rows {
		step, err := decodeStep(r)
		if err != nil {
			return nil, err
		}
		byTask[r.TaskID] = append(byTask[r.TaskID], step)
	}
	for i := range tasks {
		tasks[i].History = byTask[tasks[i].ID]
	}
	return tasks, nil
}

// TransitionTask 仅当任务当前状态属于 from 时迁移到 to。终态任务永远不会被更新。
func (s *Store) TransitionTask(ctx context.Context, id string, from []models.TaskStatus, to models.TaskStatus, patch map[string]interface{}) error {
	allowed := make([]models.TaskStatus, 0, len(from))
	for _, st := range from {
		if !st.IsTerminal() {
			allowed = append(allowed, st)
		}
	}
	if len(allowed) == 0 {
		return fmt.Errorf("任务 %s 不允许从终态迁移: %w", id, models.ErrInvalidState)
	}
	fields := make(map[string]interface{}, len(patch)+1)
	for k, v := range patch {
		fields[k] = v
	}
	fields["status"] = to

	res := s.DB.WithContext(ctx).Model(&models.ExecutionTask{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("更新任务状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.DB.WithContext(ctx).Model(&models.ExecutionTask{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("任务 %s: %w", id, models.ErrNotFound)
		}
		return fmt.Errorf("任务 %s -> %s: %w", id, to, models.ErrStaleTransition)
	}
	return nil
}

// FinishTask 把任务迁移到终态并写入结果。
func (s *Store) FinishTask(ctx context.Context, id string, to models.TaskStatus, result models.TaskResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.TransitionTask(ctx, id, models.OpenTaskStatuses, to, map[string]interface{}{"result": raw})
}

// TerminateOpenTasks 把会话版本下所有未结束的任务标记为 terminated, 返回受影响的行数。
func (s *Store) TerminateOpenTasks(ctx context.Context, versionID string, reason string) (int64, error) {
	return s.CloseOpenTasks(ctx, versionID, models.TaskTerminated, reason)
}

// CloseOpenTasks 把会话版本下所有未结束的任务迁移到终态 to, 并写入原因。
// 已处于终态的任务不受影响。
func (s *Store) CloseOpenTasks(ctx context.Context, versionID string, to models.TaskStatus, reason string) (int64, error) {
	if !to.IsTerminal() {
		return 0, fmt.Errorf("任务状态 %s 不是终态: %w", to, models.ErrInvalidState)
	}
	raw, _ := json.Marshal(models.TaskResult{Reason: reason})
	res := s.DB.WithContext(ctx).Model(&models.ExecutionTask{}).
		Where("session_version_id = ? AND status IN ?", versionID, models.OpenTaskStatuses).
		Updates(map[string]interface{}{"status": to, "result": raw})
	if res.Error != nil {
		return 0, fmt.Errorf("关闭未结束任务失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateTaskLinks 更新任务的前后链接, 用于插入子任务后修正顺序。
func (s *Store) UpdateTaskLinks(ctx context.Context, id, previousID, nextID string) error {
	return s.DB.WithContext(ctx).Model(&models.ExecutionTask{}).Where("id = ?", id).
		Updates(map[string]interface{}{"previous_task_id": previousID, "next_task_id": nextID}).Error
}

// AddStep 追加一条任务历史, 返回分配的序号 (从 1 开始)。
func (s *Store) AddStep(ctx context.Context, taskID string, step models.Step) (int, error) {
	var seq int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		seq, err = appendStep(tx, taskID, step)
		return err
	})
	return seq, err
}

func appendStep(tx *gorm.DB, taskID string, step models.Step) (int, error) {
	if err := step.Validate(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(step)
	if err != nil {
		return 0, fmt.Errorf("序列化任务步骤失败: %w", err)
	}
	var maxSeq sql.NullInt64
	if err := tx.Model(&models.ExecutionTaskStep{}).Where("task_id = ?", taskID).
		Select("MAX(seq)").Row().Scan(&maxSeq); err != nil {
		return 0, err
	}
	seq := int(maxSeq.Int64) + 1
	row := models.ExecutionTaskStep{TaskID: taskID, Seq: seq, StepType: step.Type, Payload: payload}
	if err := tx.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("追加任务步骤失败: %w", err)
	}
	return seq, nil
}

// ListSteps 按顺序返回任务历史。
func (s *Store) ListSteps(ctx context.Context, taskID string) ([]models.Step, error) {
	var rows []models.ExecutionTaskStep
	if err := s.DB.WithContext(ctx).Where("task_id = ?", taskID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询任务历史失败: %w", err)
	}
	steps := make([]models.Step, 0, len(rows))
	for _, r := range rows {
		step, err := decodeStep(r)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func decodeStep(r models.ExecutionTaskStep) (models.Step, error) {
	var step models.Step
	if err := json.Unmarshal(r.Payload, &step); err != nil {
		return step, fmt.Errorf("解析任务 %s 第 %d 步失败: %w", r.TaskID, r.Seq, err)
	}
	return step, nil
}

// CompleteUserInput 在一个事务中把任务从 waiting_for_user_input 迁移到 user_input_completed
// 并追加 CallUserInput 步骤。任务不在等待状态时什么也不做, 返回 false。
func (s *Store) CompleteUserInput(ctx context.Context, taskID string, input models.CallUserInput) (bool, error) {
	applied := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ExecutionTask{}).
			Where("id = ? AND status = ?", taskID, models.TaskWaitingForUserInput).
			Update("status", models.TaskUserInputCompleted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if _, err := appendStep(tx, taskID, models.NewCallUserInputStep(input)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("提交用户输入失败: %w", err)
	}
	return applied, nil
}

// TaskTreeNode 是任务树中的一个节点。
type TaskTreeNode struct {
	Task     models.ExecutionTask `json:"task"`
	Children []*TaskTreeNode      `json:"children,omitempty"`
}

// TaskTree 按 parent_task_id 组装任务树, 返回顶层任务列表。
// 父任务不存在的任务视为顶层任务。
func (s *Store) TaskTree(ctx context.Context, versionID string) ([]*TaskTreeNode, error) {
	tasks, err := s.ListTasks(ctx, versionID, true)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*TaskTreeNode, len(tasks))
	for i := range tasks {
		nodes[tasks[i].ID] = &TaskTreeNode{Task: tasks[i]}
	}
	var roots []*TaskTreeNode
	for i := range tasks {
		n := nodes[tasks[i].ID]
		parent, ok := nodes[tasks[i].ParentTaskID]
		if tasks[i].ParentTaskID == "" || !ok || parent == n {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}
	return roots, nil
}
