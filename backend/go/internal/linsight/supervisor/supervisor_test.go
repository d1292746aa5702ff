package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"linsight/backend/go/internal/linsight/agent"
	"linsight/backend/go/internal/linsight/blob"
	"linsight/backend/go/internal/linsight/bus"
	"linsight/backend/go/internal/linsight/store"
	"linsight/backend/go/internal/linsight/tools"
	"linsight/backend/go/internal/llm"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

type scriptedLLM struct {
	mu         sync.Mutex
	chunks     []string
	replies    []func(*models.ChatRequest) (*models.ChatResponse, error)
	requests   []*models.ChatRequest
	streamReqs []*models.ChatRequest
}

func (s *scriptedLLM) Chat(_ context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return next(req)
}

func (s *scriptedLLM) ChatStream(_ context.Context, req *models.ChatRequest) (<-chan models.ChatChunk, error) {
	s.mu.Lock()
	s.streamReqs = append(s.streamReqs, req)
	s.mu.Unlock()
	ch := make(chan models.ChatChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- models.ChatChunk{Delta: c}
	}
	close(ch)
	return ch, nil
}

func reply(content string) func(*models.ChatRequest) (*models.ChatResponse, error) {
	return func(*models.ChatRequest) (*models.ChatResponse, error) {
		return &models.ChatResponse{Message: models.ChatMessage{Role: models.SpeakerAssistant, Content: content}}, nil
	}
}

func callTool(name, args string) func(*models.ChatRequest) (*models.ChatResponse, error) {
	return func(*models.ChatRequest) (*models.ChatResponse, error) {
		return &models.ChatResponse{Message: models.ChatMessage{
			Role:      models.SpeakerAssistant,
			ToolCalls: []models.ToolCall{{ID: uuid.NewString(), Name: name, Arguments: args}},
		}}, nil
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Publish(_ context.Context, evt models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingSink) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Event
	}
	return out
}

func (r *recordingSink) count(kind models.EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recordingSink) last() models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// toolsFunc 把函数适配为 ToolProvider。
type toolsFunc func(scratch string) ([]tools.Tool, error)

func (f toolsFunc) ListForSession(_ context.Context, _ *models.SessionVersion, scratch string) (*tools.Toolset, error) {
	ts, err := f(scratch)
	if err != nil {
		return nil, err
	}
	return tools.NewToolset(0, logger.Discard(), ts...), nil
}

func fileTools(extra ...tools.Tool) toolsFunc {
	return func(scratch string) ([]tools.Tool, error) {
		files, err := tools.NewFileTools(scratch)
		if err != nil {
			return nil, err
		}
		return append(files, extra...), nil
	}
}

type revoker struct {
	mu    sync.Mutex
	users []string
}

func (r *revoker) RevokeInvite(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return nil
}

type harness struct {
	store   *store.Store
	bus     *bus.Bus
	sink    *recordingSink
	blobs   *blob.DirStore
	scratch string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	st := store.New(db)
	require.NoError(t, st.AutoMigrate(context.Background()))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sink := &recordingSink{}
	b := bus.New(rdb, st, time.Hour, logger.Discard(), bus.WithSink(sink), bus.WithPollInterval(10*time.Millisecond))
	return &harness{store: st, bus: b, sink: sink, blobs: blob.NewDirStore(t.TempDir()), scratch: t.TempDir()}
}

func (h *harness) supervisor(model llm.LLM, provider ToolProvider, opts ...Option) *Supervisor {
	engine := agent.NewEngine(model, h.store, h.bus, nil, h.blobs, agent.Config{RetryBackoff: time.Millisecond}, logger.Discard())
	cfg := Config{ScratchRoot: h.scratch, MonitorInterval: 20 * time.Millisecond, DownloadConcurrency: 2, RequireInviteCode: true}
	return New(h.store, h.bus, engine, provider, h.blobs, cfg, logger.Discard(), opts...)
}

func (h *harness) seed(t *testing.T, status models.SessionVersionStatus, files ...models.FileDescriptor) *models.SessionVersion {
	t.Helper()
	v := &models.SessionVersion{
		ID:       uuid.NewString(),
		UserID:   "u1",
		Question: "Summarize the attached CSV into 3 bullet points",
		Status:   status,
		Files:    datatypes.JSONSlice[models.FileDescriptor](files),
	}
	if status != models.VersionDraft {
		v.SOPText = "# Summarize CSV\n1. read\n2. write bullets"
	}
	require.NoError(t, h.store.CreateSession(context.Background(), &models.Session{ID: uuid.NewString(), UserID: "u1", Question: v.Question}, v))
	return v
}

func (h *harness) upload(t *testing.T, object, content string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), filepath.Base(object))
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
	require.NoError(t, h.blobs.Upload(context.Background(), object, src))
}

func TestRun_CompletesDraftEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upload(t, "uploads/data.csv", "name,score\nalice,90\nbob,75\n")
	v := h.seed(t, models.VersionDraft, models.FileDescriptor{ObjectName: "uploads/data.csv", OriginalFilename: "data.csv"})

	model := &scriptedLLM{chunks: []string{"# Summarize CSV\n", "1. read data.csv\n"}}
	model.replies = append(model.replies,
		reply(`[{"id":"1","description":"Summarise data.csv into summary.md"}]`),
		callTool(tools.ToolReadTextFile, `{"file_path":"data.csv"}`),
		callTool(tools.ToolAddTextToFile, `{"file_path":"summary.md","content":"- alice 90\n- bob 75\n- 2 rows"}`),
		reply("- alice 90\n- bob 75\n- 2 rows"),
	)

	require.NoError(t, h.supervisor(model, fileTools()).Run(ctx, v.ID))

	require.Len(t, model.streamReqs, 1)
	assert.Contains(t, model.streamReqs[0].Messages[1].Content, "| name | score |")

	got, err := h.store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionCompleted, got.Status)
	out, err := got.Output()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "- alice 90\n- bob 75\n- 2 rows", out.Answer)
	assert.Equal(t, []models.FileDescriptor{{
		ObjectName:       "linsight/" + v.ID + "/summary.md",
		OriginalFilename: "summary.md",
	}}, out.FinalFiles)
	assert.Equal(t, []string{"summary.md"}, out.AllFiles)

	require.Len(t, got.Files, 1)
	assert.Equal(t, models.ParseCompleted, got.Files[0].ParseStatus)
	assert.Equal(t, "data.md", got.Files[0].MarkdownFilename)
	assert.Equal(t, "linsight/"+v.ID+"/markdown/data.md", got.Files[0].MarkdownFilePath)

	dest := filepath.Join(t.TempDir(), "summary.md")
	require.NoError(t, h.blobs.Download(ctx, out.FinalFiles[0].ObjectName, dest))

	assert.Equal(t, []models.EventKind{
		models.EventSOPGenerateChunk, models.EventSOPGenerateChunk, models.EventSOPGenerateComplete,
		models.EventTaskGenerate, models.EventTaskStart,
		models.EventTaskExecuteStep, models.EventTaskExecuteStep,
		models.EventTaskEnd, models.EventFinalResult,
	}, h.sink.kinds())

	tasks, err := h.store.ListTasks(ctx, v.ID, false)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.True(t, task.Status.IsTerminal())
	}

	var record models.SOPRecord
	require.NoError(t, h.store.DB.Where("session_version_id = ?", v.ID).First(&record).Error)
	assert.Equal(t, "Summarize CSV", record.Name)

	_, err = os.Stat(filepath.Join(h.scratch, "linsight_"+v.ID[:8]))
	assert.True(t, os.IsNotExist(err))

	info, err := h.bus.GetSessionInfo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionCompleted, info.Status)
}

// blockingTool 一直阻塞到调用被取消。
type blockingTool struct {
	once    sync.Once
	started chan struct{}
}

func (b *blockingTool) Name() string                { return "slow_lookup" }
func (b *blockingTool) Description() string         { return "blocks" }
func (b *blockingTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (b *blockingTool) Kind() models.ToolKind       { return models.ToolKindOpenAPI }
func (b *blockingTool) Invoke(ctx context.Context, _ map[string]any) tools.ToolResult {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return tools.Errorf("cancelled")
}

func TestRun_TerminationMidRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.seed(t, models.VersionSOPGenerated)
	slow := &blockingTool{started: make(chan struct{})}
	model := &scriptedLLM{}
	model.replies = append(model.replies,
		reply(`[{"id":"1","description":"look up"},{"id":"2","description":"write"}]`),
		callTool("slow_lookup", `{}`),
	)
	rev := &revoker{}
	sup := h.supervisor(model, fileTools(slow), WithInviteRevoker(rev))

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, v.ID) }()

	select {
	case <-slow.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first task never started")
	}
	terminatedAt := time.Now()
	require.NoError(t, h.store.TransitionVersion(ctx, v.ID, models.ActiveVersionStatuses, models.VersionTerminated, nil))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop within 3s")
	}
	assert.Less(t, time.Since(terminatedAt), 3*time.Second)

	got, err := h.store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionTerminated, got.Status)
	tasks, err := h.store.ListTasks(ctx, v.ID, false)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, models.TaskTerminated, task.Status)
	}

	assert.Equal(t, models.EventTaskTerminated, h.sink.last().Event)
	starts := 0
	for _, k := range h.sink.kinds() {
		if k == models.EventTaskStart {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, []string{"u1"}, rev.users)

	// 再次执行是空操作
	require.NoError(t, sup.Run(ctx, v.ID))
	assert.Equal(t, 1, h.sink.count(models.EventTaskTerminated))
	assert.Equal(t, []string{"u1"}, rev.users)
}

// openTask 为版本写入一个执行中的任务, 模拟 worker 在执行中途退出。
func (h *harness) openTask(t *testing.T, versionID string) *models.ExecutionTask {
	t.Helper()
	task := &models.ExecutionTask{
		ID: uuid.NewString(), SessionVersionID: versionID, TaskType: models.TaskSingle,
		TaskData: datatypes.NewJSONType(models.TaskNode{ID: "1", Description: "read"}),
		Status:   models.TaskInProgress,
	}
	require.NoError(t, h.store.CreateTasks(context.Background(), []*models.ExecutionTask{task}))
	return task
}

func TestResume_FinishesTerminationLeftByStoppedWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.seed(t, models.VersionInProgress)
	task := h.openTask(t, v.ID)
	require.NoError(t, h.store.TransitionVersion(ctx, v.ID, models.ActiveVersionStatuses, models.VersionTerminated, nil))

	rev := &revoker{}
	sup := h.supervisor(&scriptedLLM{}, fileTools(), WithInviteRevoker(rev))
	require.NoError(t, sup.Resume(ctx, v.ID))

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskTerminated, got.Status)
	assert.Equal(t, []models.EventKind{models.EventTaskTerminated}, h.sink.kinds())
	assert.Equal(t, []string{"u1"}, rev.users)

	// 重复投递不会再次推送
	require.NoError(t, sup.Resume(ctx, v.ID))
	assert.Equal(t, 1, h.sink.count(models.EventTaskTerminated))
	assert.Equal(t, []string{"u1"}, rev.users)
}

func TestRun_ClosesOpenTasksOfFailedVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.seed(t, models.VersionInProgress)
	task := h.openTask(t, v.ID)
	require.NoError(t, h.store.TransitionVersion(ctx, v.ID, models.ActiveVersionStatuses, models.VersionFailed, nil))

	require.NoError(t, h.supervisor(&scriptedLLM{}, fileTools()).Run(ctx, v.ID))

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Empty(t, h.sink.kinds())

	mirrored, err := h.bus.GetTask(ctx, v.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, mirrored.Status)
}

func TestRun_TerminatedBeforeStartEmitsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.seed(t, models.VersionSOPGenerated)

	// 入站终止已经完成收尾并推送了 task_terminated
	require.NoError(t, h.store.TransitionVersion(ctx, v.ID, []models.SessionVersionStatus{models.VersionSOPGenerated}, models.VersionTerminated, nil))
	emitted, err := h.bus.EmitOnce(ctx, v.ID, models.EventTaskTerminated, models.TaskTerminatedData{Reason: ReasonTerminatedByUser})
	require.NoError(t, err)
	require.True(t, emitted)

	require.NoError(t, h.supervisor(&scriptedLLM{}, fileTools()).Run(ctx, v.ID))
	assert.Equal(t, 1, h.sink.count(models.EventTaskTerminated))
}

func TestRun_LLMFailureFailsVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.seed(t, models.VersionSOPGenerated)

	err := h.supervisor(&scriptedLLM{}, fileTools()).Run(ctx, v.ID)
	require.ErrorIs(t, err, models.ErrLLM)

	got, err := h.store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)

	last := h.sink.last()
	require.Equal(t, models.EventError, last.Event)
	var data models.ErrorData
	require.NoError(t, last.Decode(&data))
	assert.Equal(t, "LLMError", data.Kind)
	assert.True(t, data.Fatal)
	assert.True(t, last.IsTerminal())
}

func TestRun_MissingModelIsConfigError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.seed(t, models.VersionSOPGenerated)

	err := h.supervisor(nil, fileTools()).Run(ctx, v.ID)
	require.ErrorIs(t, err, models.ErrConfigMissing)

	var data models.ErrorData
	require.NoError(t, h.sink.last().Decode(&data))
	assert.Equal(t, "ConfigMissing", data.Kind)
}

func TestRun_RejectsActiveVersion(t *testing.T) {
	h := newHarness(t)
	v := h.seed(t, models.VersionInProgress)

	err := h.supervisor(&scriptedLLM{}, fileTools()).Run(context.Background(), v.ID)
	assert.ErrorIs(t, err, models.ErrAlreadyInProgress)
	assert.Empty(t, h.sink.kinds())
}

func TestResume_SkipsFinishedTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.seed(t, models.VersionInProgress)

	first := &models.ExecutionTask{
		ID: uuid.NewString(), SessionVersionID: v.ID, Position: 0, TaskType: models.TaskSingle,
		TaskData: datatypes.NewJSONType(models.TaskNode{ID: "1", Name: "Read", Description: "read"}),
		Status:   models.TaskPending,
	}
	second := &models.ExecutionTask{
		ID: uuid.NewString(), SessionVersionID: v.ID, Position: 1, TaskType: models.TaskSingle,
		TaskData: datatypes.NewJSONType(models.TaskNode{ID: "2", Name: "Write", Description: "write"}),
		Status:   models.TaskInProgress, PreviousTaskID: first.ID,
	}
	first.NextTaskID = second.ID
	require.NoError(t, h.store.CreateTasks(ctx, []*models.ExecutionTask{first, second}))
	require.NoError(t, h.store.FinishTask(ctx, first.ID, models.TaskSuccess, models.TaskResult{Answer: "first result"}))

	model := &scriptedLLM{}
	model.replies = append(model.replies, func(req *models.ChatRequest) (*models.ChatResponse, error) {
		if !strings.Contains(req.Messages[1].Content, "first result") {
			return nil, errors.New("earlier output missing from prompt")
		}
		return reply("second result")(req)
	})

	require.NoError(t, h.supervisor(model, fileTools()).Resume(ctx, v.ID))
	assert.Len(t, model.requests, 1)

	got, err := h.store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionCompleted, got.Status)
	out, err := got.Output()
	require.NoError(t, err)
	assert.Equal(t, "second result", out.Answer)
	assert.Equal(t, []models.EventKind{models.EventTaskStart, models.EventTaskEnd, models.EventFinalResult}, h.sink.kinds())
}

func TestLocalNames(t *testing.T) {
	names := localNames([]models.FileDescriptor{
		{OriginalFilename: "a.csv"},
		{OriginalFilename: "dir/a.csv"},
		{OriginalFilename: "a.csv"},
		{ObjectName: "uploads/b.pdf"},
	})
	assert.Equal(t, []string{"a.csv", "a_1.csv", "a_2.csv", "b.pdf"}, names)
}
