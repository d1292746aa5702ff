// Package service 实现工作台的入站操作: 提交、SOP 生成与修改、启动执行、用户输入、终止与反馈。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"linsight/backend/go/internal/linsight/agent"
	"linsight/backend/go/internal/linsight/bus"
	"linsight/backend/go/internal/linsight/store"
	"linsight/backend/go/internal/linsight/supervisor"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

// Enqueuer 把会话版本交给 worker 执行。
type Enqueuer interface {
	Push(ctx context.Context, versionID string) error
}

// Library 是 SOP 库的管理操作。
type Library interface {
	Add(ctx context.Context, s *models.SOP) error
	Update(ctx context.Context, s *models.SOP) error
	Delete(ctx context.Context, ids []uint) error
	List(ctx context.Context, keyword string, page, pageSize int) ([]models.SOP, int64, error)
	Search(ctx context.Context, query string, k int) ([]models.SOP, string)
	Rebuild(ctx context.Context) (int, error)
}

// Service 编排存储、总线、智能体与队列。
type Service struct {
	store   *store.Store
	bus     *bus.Bus
	engine  *agent.Engine
	queue   Enqueuer
	library Library
	log     *logger.Logger

	// background 跟踪后台 SOP 改写。
	background sync.WaitGroup
}

// New 创建 Service。
func New(st *store.Store, b *bus.Bus, engine *agent.Engine, queue Enqueuer, library Library, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{store: st, bus: b, engine: engine, queue: queue, library: library, log: log}
}

// Wait 等待所有后台任务结束。
func (s *Service) Wait() { s.background.Wait() }

// SubmitRequest 是提交一个新问题的参数。
type SubmitRequest struct {
	UserID            string
	Question          string
	Tools             []models.ToolRef
	Files             []models.FileDescriptor
	OrgKBEnabled      bool
	PersonalKBEnabled bool
}

// Submit 创建会话及其第一个 draft 版本。SOP 随后通过 GenerateSOP 流式生成。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Session, *models.SessionVersion, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, nil, fmt.Errorf("问题不能为空: %w", models.ErrInvalidState)
	}
	for _, t := range req.Tools {
		if (t.Kind == models.ToolKindOpenAPI || t.Kind == models.ToolKindMCP) && t.SpecID == "" {
			return nil, nil, fmt.Errorf("外部工具 %s 缺少 spec_id: %w", t.Name, models.ErrInvalidState)
		}
	}
	files := make([]models.FileDescriptor, len(req.Files))
	for i, f := range req.Files {
		if f.ParseStatus == "" {
			f.ParseStatus = models.ParsePending
		}
		files[i] = f
	}

	sess := &models.Session{ID: uuid.NewString(), UserID: req.UserID, Question: question}
	v := &models.SessionVersion{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		Question:          question,
		Title:             agent.SOPTitle("", question),
		Tools:             datatypes.JSONSlice[models.ToolRef](req.Tools),
		Files:             datatypes.JSONSlice[models.FileDescriptor](files),
		Status:            models.VersionDraft,
		OrgKBEnabled:      req.OrgKBEnabled,
		PersonalKBEnabled: req.PersonalKBEnabled,
	}
	if err := s.store.CreateSession(ctx, sess, v); err != nil {
		return nil, nil, err
	}
	if err := s.bus.UpdateMirror(ctx, bus.WithSessionInfo(v)); err != nil {
		s.log.WithTrace(v.ID, v.UserID).WithError(models.ErrorInfoFrom(err)).Warn("写入会话镜像失败")
	}
	s.log.WithTrace(v.ID, v.UserID).WithPayload(map[string]interface{}{
		"session_id": sess.ID, "tools": len(req.Tools), "files": len(files),
	}).Info("会话已提交")
	return sess, v, nil
}

// Version 返回调用方拥有的会话版本。
func (s *Service) Version(ctx context.Context, userID, versionID string) (*models.SessionVersion, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.UserID != userID {
		return nil, fmt.Errorf("会话版本 %s 不属于当前用户: %w", versionID, models.ErrUnauthorized)
	}
	return v, nil
}

// VersionDetail 返回会话版本及其任务树。
func (s *Service) VersionDetail(ctx context.Context, userID, versionID string) (*models.SessionVersion, []*store.TaskTreeNode, error) {
	v, err := s.Version(ctx, userID, versionID)
	if err != nil {
		return nil, nil, err
	}
	tree, err := s.store.TaskTree(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	return v, tree, nil
}

// ListVersions 列出调用方的会话版本。
func (s *Service) ListVersions(ctx context.Context, userID, sessionID string, page, pageSize int) ([]models.SessionVersion, int64, error) {
	return s.store.ListVersions(ctx, store.VersionFilter{
		UserID:    userID,
		SessionID: sessionID,
		Page:      store.Page{Page: page, PageSize: pageSize},
	})
}

// GenerateSOPRequest 是生成 SOP 的参数。
type GenerateSOPRequest struct {
	UserID            string
	VersionID         string
	PreviousVersionID string
	Feedback          string
	Reexecute         bool
}

// CheckGenerateSOP 检查 GenerateSOP 的前置条件, 返回目标版本与上一版本 (可能为 nil)。
func (s *Service) CheckGenerateSOP(ctx context.Context, req GenerateSOPRequest) (*models.SessionVersion, *models.SessionVersion, error) {
	v, err := s.Version(ctx, req.UserID, req.VersionID)
	if err != nil {
		return nil, nil, err
	}
	if v.Status != models.VersionDraft && v.Status != models.VersionSOPGenerated {
		return nil, nil, fmt.Errorf("会话版本状态为 %s, 不能生成 SOP: %w", v.Status, models.ErrInvalidState)
	}
	if req.PreviousVersionID == "" {
		return v, nil, nil
	}
	prev, err := s.Version(ctx, req.UserID, req.PreviousVersionID)
	if err != nil {
		return nil, nil, err
	}
	return v, prev, nil
}

// GenerateSOP 为 draft 或 sop_generated 状态的版本生成 SOP。
// 生成过程以 sop_generate_* 事件推送到版本的事件流, 失败时推送一个非致命的 error 事件。
func (s *Service) GenerateSOP(ctx context.Context, req GenerateSOPRequest) (string, error) {
	v, prev, err := s.CheckGenerateSOP(ctx, req)
	if err != nil {
		return "", err
	}
	sopReq := agent.SOPRequest{Feedback: strings.TrimSpace(req.Feedback), Reexecute: req.Reexecute}
	if prev != nil {
		sopReq.PreviousSOP = prev.SOPText
	}
	for _, f := range v.Files {
		sopReq.Files = append(sopReq.Files, agent.FileSummary{Name: f.OriginalFilename})
	}

	text, err := s.engine.GenerateSOP(ctx, v.ID, sopReq)
	if err != nil {
		s.log.WithTrace(v.ID, v.UserID).WithError(models.ErrorInfoFrom(err)).Error("SOP 生成失败")
		s.emitError(ctx, v.ID, err, false)
		return "", err
	}
	return text, nil
}

// ModifySOP 覆盖尚未执行的版本的 SOP。
func (s *Service) ModifySOP(ctx context.Context, userID, versionID, content string) error {
	v, err := s.Version(ctx, userID, versionID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("SOP 不能为空: %w", models.ErrInvalidState)
	}
	err = s.store.TransitionVersion(ctx, versionID,
		[]models.SessionVersionStatus{models.VersionDraft, models.VersionSOPGenerated},
		models.VersionSOPGenerated,
		map[string]interface{}{"sop_text": content, "title": agent.SOPTitle(content, v.Question)})
	if errors.Is(err, models.ErrStaleTransition) {
		return fmt.Errorf("会话版本已开始执行, 不能修改 SOP: %w", models.ErrInvalidState)
	}
	if err != nil {
		return err
	}
	s.refreshMirror(ctx, versionID)
	return nil
}

// StartExecute 把 sop_generated 状态的版本放入执行队列。按反馈重新生成的 draft 版本已带有 SOP, 同样可以执行。
func (s *Service) StartExecute(ctx context.Context, userID, versionID string) error {
	v, err := s.Version(ctx, userID, versionID)
	if err != nil {
		return err
	}
	switch v.Status {
	case models.VersionSOPGenerated:
	case models.VersionDraft:
		if strings.TrimSpace(v.SOPText) == "" {
			return fmt.Errorf("会话版本尚未生成 SOP: %w", models.ErrInvalidState)
		}
	case models.VersionInProgress, models.VersionWaitingForUserInput:
		return fmt.Errorf("会话版本 %s: %w", versionID, models.ErrAlreadyInProgress)
	default:
		return fmt.Errorf("会话版本状态为 %s, 不能开始执行: %w", v.Status, models.ErrInvalidState)
	}
	if err := s.queue.Push(ctx, versionID); err != nil {
		return err
	}
	s.log.WithTrace(versionID, userID).Info("会话版本已进入执行队列")
	return nil
}

// UserInput 提交等待中任务的用户输入, 任务不在等待状态时返回 false。
func (s *Service) UserInput(ctx context.Context, userID, versionID, taskID, text string, files []models.FileDescriptor) (bool, error) {
	if _, err := s.Version(ctx, userID, versionID); err != nil {
		return false, err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.SessionVersionID != versionID {
		return false, fmt.Errorf("任务 %s 不属于会话版本 %s: %w", taskID, versionID, models.ErrNotFound)
	}
	return s.bus.SetUserInput(ctx, versionID, taskID, text, files)
}

// Terminate 终止会话版本, 对终态版本是空操作。
// 尚未开始执行的版本在这里直接收尾; 执行中的版本只修改状态, 由执行方的终止监控完成收尾。
func (s *Service) Terminate(ctx context.Context, userID, versionID string) error {
	if _, err := s.Version(ctx, userID, versionID); err != nil {
		return err
	}
	log := s.log.WithTrace(versionID, userID)
	for attempt := 0; attempt < 3; attempt++ {
		v, err := s.store.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if v.Status.IsTerminal() {
			return nil
		}
		preparing := v.Status == models.VersionDraft || v.Status == models.VersionSOPGenerated
		err = s.store.TransitionVersion(ctx, versionID, []models.SessionVersionStatus{v.Status}, models.VersionTerminated, nil)
		if errors.Is(err, models.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return err
		}
		log.WithPayload(map[string]interface{}{"from": v.Status}).Info("会话版本已终止")
		if !preparing {
			s.refreshMirror(ctx, versionID)
			return nil
		}
		if _, err := s.store.TerminateOpenTasks(ctx, versionID, supervisor.ReasonTerminatedByUser); err != nil {
			return err
		}
		mirrors, err := s.mirrors(ctx, versionID)
		if err != nil {
			return err
		}
		_, err = s.bus.EmitOnce(ctx, versionID, models.EventTaskTerminated, models.TaskTerminatedData{Reason: supervisor.ReasonTerminatedByUser}, mirrors...)
		return err
	}
	return fmt.Errorf("终止会话版本 %s 时状态持续变化: %w", versionID, models.ErrStaleTransition)
}

// Subscribe 从 from 开始订阅版本的事件流。
func (s *Service) Subscribe(ctx context.Context, versionID string, from int64) *bus.Subscription {
	return s.bus.Subscribe(ctx, versionID, from)
}

// NextOffset 返回版本事件流下一个事件的 offset。
func (s *Service) NextOffset(ctx context.Context, versionID string) (int64, error) {
	return s.bus.Len(ctx, versionID)
}

func (s *Service) mirrors(ctx context.Context, versionID string) ([]bus.Mirror, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, versionID, false)
	if err != nil {
		return nil, err
	}
	ptrs := make([]*models.ExecutionTask, len(tasks))
	for i := range tasks {
		ptrs[i] = &tasks[i]
	}
	return []bus.Mirror{bus.WithSessionInfo(v), bus.WithTasks(ptrs...)}, nil
}

func (s *Service) refreshMirror(ctx context.Context, versionID string) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err == nil {
		err = s.bus.UpdateMirror(ctx, bus.WithSessionInfo(v))
	}
	if err != nil {
		s.log.WithTrace(versionID, "").WithError(models.ErrorInfoFrom(err)).Warn("刷新会话镜像失败")
	}
}

func (s *Service) emitError(ctx context.Context, versionID string, cause error, fatal bool) {
	data := models.ErrorData{Kind: models.ErrorKind(cause), Message: cause.Error(), Fatal: fatal}
	if _, err := s.bus.Emit(ctx, versionID, models.EventError, data); err != nil {
		s.log.WithTrace(versionID, "").WithError(models.ErrorInfoFrom(err)).Warn("推送错误事件失败")
	}
}
