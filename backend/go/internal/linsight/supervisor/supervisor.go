// Package supervisor 负责一个会话版本从开始执行到进入终态的完整生命周期。
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"

	"linsight/backend/go/internal/config"
	"linsight/backend/go/internal/linsight/agent"
	"linsight/backend/go/internal/linsight/blob"
	"linsight/backend/go/internal/linsight/bus"
	"linsight/backend/go/internal/linsight/fileparse"
	"linsight/backend/go/internal/linsight/store"
	"linsight/backend/go/internal/linsight/tools"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

// cleanupTimeout 是收尾写入与资源清理使用的独立超时。
const cleanupTimeout = 30 * time.Second

// ReasonTerminatedByUser 是用户终止时写入任务结果的原因。
const ReasonTerminatedByUser = "terminated by user"

// ToolProvider 为会话版本组装工具集。
type ToolProvider interface {
	ListForSession(ctx context.Context, v *models.SessionVersion, scratch string) (*tools.Toolset, error)
}

// InviteRevoker 在用户终止时退还邀请码的使用次数。
type InviteRevoker interface {
	RevokeInvite(ctx context.Context, userID string) error
}

// Config 是 Supervisor 的可调参数。
type Config struct {
	ScratchRoot         string
	MonitorInterval     time.Duration
	DownloadConcurrency int
	RequireInviteCode   bool
}

// ConfigFrom 从服务配置生成 Config。
func ConfigFrom(cfg config.LinsightConfig) Config {
	return Config{
		ScratchRoot:         cfg.ScratchRoot,
		MonitorInterval:     cfg.MonitorInterval.Std(),
		DownloadConcurrency: cfg.DownloadConcurrency,
		RequireInviteCode:   cfg.RequireInviteCode,
	}
}

// Supervisor 驱动会话版本的执行: 准备工作目录与输入文件, 运行 Agent 并与终止监控竞争,
// 最后把结果落定到关系库和总线。
type Supervisor struct {
	store   *store.Store
	bus     *bus.Bus
	engine  *agent.Engine
	tools   ToolProvider
	blobs   blob.Store
	parser  *fileparse.Parser
	invites InviteRevoker
	cfg     Config
	log     *logger.Logger
}

// Option 配置 Supervisor。
type Option func(*Supervisor)

// WithInviteRevoker 设置邀请码退还钩子, 只在 RequireInviteCode 打开时调用。
func WithInviteRevoker(r InviteRevoker) Option {
	return func(s *Supervisor) { s.invites = r }
}

// WithParser 替换输入文件解析器。
func WithParser(p *fileparse.Parser) Option {
	return func(s *Supervisor) { s.parser = p }
}

// New 创建 Supervisor。blobs 为 nil 时跳过文件下载与上传。
func New(st *store.Store, b *bus.Bus, engine *agent.Engine, toolProvider ToolProvider, blobs blob.Store, cfg Config, log *logger.Logger, opts ...Option) *Supervisor {
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = 4
	}
	if log == nil {
		log = logger.Discard()
	}
	s := &Supervisor{
		store:  st,
		bus:    b,
		engine: engine,
		tools:  toolProvider,
		blobs:  blobs,
		parser: fileparse.New(),
		cfg:    cfg,
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 执行一个尚未开始的会话版本。版本已在执行中时返回 ErrAlreadyInProgress,
// 已处于终态时直接返回。
//
// 除 ctx 被取消外, 返回时版本一定已进入终态; 返回的错误只说明失败原因。
// ctx 被取消时版本保持原状, 由队列的清理协程交给其他 worker 接管。
func (s *Supervisor) Run(ctx context.Context, versionID string) error {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	switch {
	case v.Status == models.VersionInProgress || v.Status == models.VersionWaitingForUserInput:
		return fmt.Errorf("会话版本 %s: %w", versionID, models.ErrAlreadyInProgress)
	case v.Status.IsTerminal():
		s.log.WithTrace(v.ID, v.UserID).WithPayload(map[string]interface{}{"status": v.Status}).Info("会话版本已结束, 跳过执行")
		return s.finishTerminal(ctx, v)
	}
	return s.execute(ctx, v, false)
}

// Resume 接管一个执行中断的会话版本 (原 worker 的租约已过期)。
// 总线镜像先按关系库重建, 已完成的任务不会重复执行。
func (s *Supervisor) Resume(ctx context.Context, versionID string) error {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.Status.IsTerminal() {
		return s.finishTerminal(ctx, v)
	}
	resumed := v.Status == models.VersionInProgress || v.Status == models.VersionWaitingForUserInput
	if resumed {
		s.log.WithTrace(v.ID, v.UserID).WithPayload(map[string]interface{}{"status": v.Status}).Warn("接管中断的会话版本")
	}
	return s.execute(ctx, v, resumed)
}

// finishTerminal 补齐终态版本的收尾。原 worker 在收尾前退出时, 版本已进入终态但仍有未结束的任务,
// 被终止的版本还可能没有推送过 task_terminated。
func (s *Supervisor) finishTerminal(ctx context.Context, v *models.SessionVersion) error {
	if v.Status == models.VersionTerminated {
		return s.terminate(ctx, v.ID)
	}
	n, err := s.store.CloseOpenTasks(ctx, v.ID, models.TaskFailed, "abandoned")
	if err != nil || n == 0 {
		return err
	}
	s.log.WithTrace(v.ID, v.UserID).WithPayload(map[string]interface{}{"status": v.Status, "count": n}).Warn("关闭终态版本下未结束的任务")
	mirrors, err := s.mirrors(ctx, v)
	if err != nil {
		return err
	}
	return s.bus.UpdateMirror(ctx, mirrors...)
}

func (s *Supervisor) execute(ctx context.Context, v *models.SessionVersion, resumed bool) error {
	id := v.ID
	log := s.log.WithTrace(v.ID, v.UserID)

	scratch, err := s.makeScratch(v.ID)
	if err != nil {
		return s.settle(ctx, v.ID, nil, err)
	}
	var toolset *tools.Toolset
	defer func() {
		if toolset != nil {
			if cerr := toolset.Close(); cerr != nil {
				log.WithError(models.ErrorInfoFrom(cerr)).Warn("关闭外部工具连接失败")
			}
		}
		if rerr := os.RemoveAll(scratch); rerr != nil {
			log.WithError(models.ErrorInfoFrom(rerr)).Warn("删除工作目录失败")
		}
	}()

	prepared := s.prepareFiles(ctx, v, scratch)

	// 按反馈重新生成的 draft 版本已带有 SOP
	if v.Status == models.VersionDraft && strings.TrimSpace(v.SOPText) == "" {
		if _, err := s.engine.GenerateSOP(ctx, v.ID, agent.SOPRequest{Files: prepared.summaries}); err != nil {
			return s.settle(ctx, v.ID, nil, err)
		}
	}

	from := []models.SessionVersionStatus{models.VersionDraft, models.VersionSOPGenerated}
	if resumed {
		from = models.ActiveVersionStatuses
	}
	if err := s.store.TransitionVersion(ctx, v.ID, from, models.VersionInProgress, map[string]interface{}{"error_message": ""}); err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			return s.lostStart(ctx, v.ID)
		}
		return s.settle(ctx, v.ID, nil, err)
	}

	// 重建镜像之后才允许新的写入
	if err := s.rehydrate(ctx, v.ID); err != nil {
		return s.settle(ctx, v.ID, nil, err)
	}
	v, err = s.store.GetVersion(ctx, id)
	if err != nil {
		return s.settle(ctx, id, nil, err)
	}
	log.WithPayload(map[string]interface{}{"scratch": scratch, "files": len(v.Files), "resumed": resumed}).Info("开始执行会话版本")

	toolset, err = s.tools.ListForSession(ctx, v, scratch)
	if err != nil {
		return s.settle(ctx, v.ID, nil, err)
	}

	out, err := s.race(ctx, v.ID, toolset, scratch)
	if err == nil {
		out.final = s.collectFinalFiles(ctx, v, scratch, prepared.local)
	}
	return s.settle(ctx, v.ID, out, err)
}

// lostStart 处理启动时的条件更新失败: 版本已被终止时补发终止事件, 否则说明已有其他 worker 在执行。
func (s *Supervisor) lostStart(ctx context.Context, versionID string) error {
	cur, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if cur.Status == models.VersionTerminated {
		return s.terminate(ctx, versionID)
	}
	if cur.Status.IsTerminal() {
		return nil
	}
	return fmt.Errorf("会话版本 %s: %w", versionID, models.ErrAlreadyInProgress)
}

func (s *Supervisor) makeScratch(versionID string) (string, error) {
	short := versionID
	if len(short) > 8 {
		short = short[:8]
	}
	dir := filepath.Join(s.cfg.ScratchRoot, "linsight_"+short)
	// 上一次中断的执行可能留下了文件
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("清理工作目录失败: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建工作目录失败: %w", err)
	}
	return dir, nil
}

func (s *Supervisor) rehydrate(ctx context.Context, versionID string) error {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	tasks, err := s.store.ListTasks(ctx, versionID, false)
	if err != nil {
		return err
	}
	return s.bus.Rehydrate(ctx, v, tasks)
}

type outcome struct {
	*agent.Outcome
	final []models.FileDescriptor
}

// race 让 Agent 与终止监控竞争, 先完成的一方取消另一方。
func (s *Supervisor) race(ctx context.Context, versionID string, ts *tools.Toolset, scratch string) (*outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		out *agent.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s.engine.Execute(runCtx, versionID, ts, scratch)
		done <- result{out, err}
	}()
	terminated := s.watchTermination(runCtx, versionID)

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &outcome{Outcome: r.out}, nil
	case <-terminated:
		cancel()
		<-done
		return nil, fmt.Errorf("会话版本 %s: %w", versionID, models.ErrTerminatedByUser)
	}
}

// watchTermination 每隔 MonitorInterval 检查总线镜像与关系库, 发现 terminated 时关闭返回的通道。
func (s *Supervisor) watchTermination(ctx context.Context, versionID string) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if s.isTerminated(ctx, versionID) {
				close(ch)
				return
			}
		}
	}()
	return ch
}

func (s *Supervisor) isTerminated(ctx context.Context, versionID string) bool {
	if info, err := s.bus.GetSessionInfo(ctx, versionID); err == nil && info.Status == models.VersionTerminated {
		return true
	}
	v, err := s.store.GetVersion(ctx, versionID)
	return err == nil && v.Status == models.VersionTerminated
}

// settle 把执行结果落定为终态。收尾使用独立的 context, 取消不会跳过清理。
func (s *Supervisor) settle(ctx context.Context, versionID string, out *outcome, runErr error) error {
	if runErr != nil && !errors.Is(runErr, models.ErrTerminatedByUser) && ctx.Err() != nil {
		s.log.WithTrace(versionID, "").WithError(models.ErrorInfoFrom(runErr)).Warn("worker 停止, 会话版本留待接管")
		return ctx.Err()
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	switch {
	case runErr == nil:
		return s.complete(fctx, versionID, out)
	case errors.Is(runErr, models.ErrTerminatedByUser):
		return s.terminate(fctx, versionID)
	default:
		if err := s.fail(fctx, versionID, runErr); err != nil {
			return err
		}
		return runErr
	}
}

func (s *Supervisor) complete(ctx context.Context, versionID string, out *outcome) error {
	all, err := s.referencedFiles(ctx, versionID)
	if err != nil {
		return s.fail(ctx, versionID, err)
	}
	result := models.OutputResult{Answer: out.Answer, FinalFiles: out.final, AllFiles: all}
	raw, err := json.Marshal(result)
	if err != nil {
		return s.fail(ctx, versionID, err)
	}

	// 失败后被跳过的组合任务可能留下未执行的子任务
	if n, err := s.store.CloseOpenTasks(ctx, versionID, models.TaskFailed, "abandoned"); err != nil {
		return err
	} else if n > 0 {
		s.log.WithTrace(versionID, "").WithPayload(map[string]interface{}{"count": n}).Warn("关闭未执行的任务")
	}
	err = s.store.TransitionVersion(ctx, versionID,
		[]models.SessionVersionStatus{models.VersionInProgress},
		models.VersionCompleted,
		map[string]interface{}{"output_result": datatypes.JSON(raw)})
	if err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			return s.lostFinish(ctx, versionID)
		}
		return err
	}

	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	record := &models.SOPRecord{
		SessionVersionID: v.ID,
		UserID:           v.UserID,
		Name:             v.Title,
		Description:      v.Question,
		Content:          v.SOPText,
	}
	if err := s.store.SaveSOPRecord(ctx, record); err != nil {
		s.log.WithTrace(v.ID, v.UserID).WithError(models.ErrorInfoFrom(err)).Warn("保存 SOP 记录失败")
	}

	mirrors, err := s.mirrors(ctx, v)
	if err != nil {
		return err
	}
	if _, err := s.bus.Emit(ctx, versionID, models.EventFinalResult, models.FinalResultData{Status: models.VersionCompleted, Output: result}, mirrors...); err != nil {
		return err
	}
	s.log.WithTrace(v.ID, v.UserID).WithPayload(map[string]interface{}{
		"final_files": len(result.FinalFiles),
		"all_files":   len(result.AllFiles),
	}).Info("会话版本执行完成")
	return nil
}

// terminate 执行用户终止的收尾: 版本与所有未结束任务进入 terminated, 推送 task_terminated。
// task_terminated 每个版本只推送一次, 重复调用只会补齐尚未终止的任务。
func (s *Supervisor) terminate(ctx context.Context, versionID string) error {
	active := append([]models.SessionVersionStatus{models.VersionDraft, models.VersionSOPGenerated}, models.ActiveVersionStatuses...)
	err := s.store.TransitionVersion(ctx, versionID, active, models.VersionTerminated, nil)
	if err != nil && !errors.Is(err, models.ErrStaleTransition) {
		return err
	}
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.Status != models.VersionTerminated {
		// 已先一步完成或失败
		return nil
	}
	n, err := s.store.TerminateOpenTasks(ctx, versionID, ReasonTerminatedByUser)
	if err != nil {
		return err
	}
	mirrors, err := s.mirrors(ctx, v)
	if err != nil {
		return err
	}
	emitted, err := s.bus.EmitOnce(ctx, versionID, models.EventTaskTerminated, models.TaskTerminatedData{Reason: ReasonTerminatedByUser}, mirrors...)
	if err != nil {
		return err
	}
	log := s.log.WithTrace(v.ID, v.UserID)
	if !emitted {
		if n > 0 {
			log.WithPayload(map[string]interface{}{"terminated_tasks": n}).Warn("补齐已终止版本下未结束的任务")
		}
		return nil
	}
	if s.cfg.RequireInviteCode && s.invites != nil {
		if err := s.invites.RevokeInvite(ctx, v.UserID); err != nil {
			log.WithError(models.ErrorInfoFrom(err)).Warn("退还邀请码失败")
		}
	}
	log.WithPayload(map[string]interface{}{"terminated_tasks": n}).Info("会话版本已被用户终止")
	return nil
}

func (s *Supervisor) fail(ctx context.Context, versionID string, cause error) error {
	kind := models.ErrorKind(cause)
	if _, err := s.store.CloseOpenTasks(ctx, versionID, models.TaskFailed, kind); err != nil {
		return err
	}
	active := append([]models.SessionVersionStatus{models.VersionDraft, models.VersionSOPGenerated}, models.ActiveVersionStatuses...)
	err := s.store.TransitionVersion(ctx, versionID, active, models.VersionFailed,
		map[string]interface{}{"error_message": cause.Error()})
	if err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			return s.lostFinish(ctx, versionID)
		}
		return err
	}
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	mirrors, err := s.mirrors(ctx, v)
	if err != nil {
		return err
	}
	if _, err := s.bus.Emit(ctx, versionID, models.EventError, models.ErrorData{Kind: kind, Message: cause.Error(), Fatal: true}, mirrors...); err != nil {
		return err
	}
	s.log.WithTrace(v.ID, v.UserID).WithError(models.ErrorInfoFrom(cause)).Error("会话版本执行失败")
	return nil
}

// lostFinish 处理收尾时条件更新失败的情况: 只有被用户终止时才需要继续处理。
func (s *Supervisor) lostFinish(ctx context.Context, versionID string) error {
	cur, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if cur.Status == models.VersionTerminated {
		return s.terminate(ctx, versionID)
	}
	return nil
}

func (s *Supervisor) mirrors(ctx context.Context, v *models.SessionVersion) ([]bus.Mirror, error) {
	tasks, err := s.store.ListTasks(ctx, v.ID, false)
	if err != nil {
		return nil, err
	}
	mirrors := []bus.Mirror{bus.WithSessionInfo(v)}
	if len(tasks) > 0 {
		ptrs := make([]*models.ExecutionTask, len(tasks))
		for i := range tasks {
			ptrs[i] = &tasks[i]
		}
		mirrors = append(mirrors, bus.WithTasks(ptrs...))
	}
	return mirrors, nil
}
