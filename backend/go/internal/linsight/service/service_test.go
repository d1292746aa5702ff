package service

import (
	"context"
	"errors"
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
	"linsight/backend/go/internal/linsight/bus"
	"linsight/backend/go/internal/linsight/store"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

type scriptedLLM struct {
	mu      sync.Mutex
	chunks  []string
	replies []string
}

func (s *scriptedLLM) Chat(context.Context, *models.ChatRequest) (*models.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return &models.ChatResponse{Message: models.ChatMessage{Role: models.SpeakerAssistant, Content: next}}, nil
}

func (s *scriptedLLM) ChatStream(context.Context, *models.ChatRequest) (<-chan models.ChatChunk, error) {
	ch := make(chan models.ChatChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- models.ChatChunk{Delta: c}
	}
	close(ch)
	return ch, nil
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

func (r *recordingSink) last() models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeQueue struct{ pushed []string }

func (q *fakeQueue) Push(_ context.Context, id string) error {
	q.pushed = append(q.pushed, id)
	return nil
}

type fakeLibrary struct {
	added   []models.SOP
	deleted []uint
}

func (l *fakeLibrary) Add(_ context.Context, s *models.SOP) error {
	s.ID = uint(len(l.added) + 1)
	l.added = append(l.added, *s)
	return nil
}
func (l *fakeLibrary) Update(context.Context, *models.SOP) error { return nil }
func (l *fakeLibrary) Delete(_ context.Context, ids []uint) error {
	l.deleted = append(l.deleted, ids...)
	return nil
}
func (l *fakeLibrary) List(context.Context, string, int, int) ([]models.SOP, int64, error) {
	return l.added, int64(len(l.added)), nil
}
func (l *fakeLibrary) Search(context.Context, string, int) ([]models.SOP, string) {
	return l.added, ""
}
func (l *fakeLibrary) Rebuild(context.Context) (int, error) { return len(l.added), nil }

type harness struct {
	svc     *Service
	store   *store.Store
	bus     *bus.Bus
	sink    *recordingSink
	model   *scriptedLLM
	queue   *fakeQueue
	library *fakeLibrary
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
	b := bus.New(rdb, st, time.Hour, logger.Discard(), bus.WithSink(sink))

	model := &scriptedLLM{}
	engine := agent.NewEngine(model, st, b, nil, nil, agent.Config{RetryBackoff: time.Millisecond}, logger.Discard())
	h := &harness{store: st, bus: b, sink: sink, model: model, queue: &fakeQueue{}, library: &fakeLibrary{}}
	h.svc = New(st, b, engine, h.queue, h.library, logger.Discard())
	return h
}

func (h *harness) submit(t *testing.T) *models.SessionVersion {
	t.Helper()
	_, v, err := h.svc.Submit(context.Background(), SubmitRequest{
		UserID:   "u1",
		Question: "Summarize the attached CSV into 3 bullet points",
		Tools:    []models.ToolRef{{Kind: models.ToolKindBuiltin, Name: "read_text_file"}},
		Files:    []models.FileDescriptor{{ObjectName: "uploads/data.csv", OriginalFilename: "data.csv"}},
	})
	require.NoError(t, err)
	return v
}

func (h *harness) setStatus(t *testing.T, id string, to models.SessionVersionStatus) {
	t.Helper()
	all := []models.SessionVersionStatus{
		models.VersionDraft, models.VersionSOPGenerated, models.VersionInProgress,
		models.VersionWaitingForUserInput, models.VersionCompleted,
	}
	require.NoError(t, h.store.TransitionVersion(context.Background(), id, all, to, map[string]interface{}{"sop_text": "# Plan\n1. x"}))
}

func TestSubmit(t *testing.T) {
	h := newHarness(t)
	v := h.submit(t)

	got, err := h.store.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionDraft, got.Status)
	assert.NotEmpty(t, got.SessionID)
	require.Len(t, got.Files, 1)
	assert.Equal(t, models.ParsePending, got.Files[0].ParseStatus)

	info, err := h.bus.GetSessionInfo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionDraft, info.Status)

	_, _, err = h.svc.Submit(context.Background(), SubmitRequest{UserID: "u1", Question: "  "})
	assert.ErrorIs(t, err, models.ErrInvalidState)
	_, _, err = h.svc.Submit(context.Background(), SubmitRequest{
		UserID: "u1", Question: "q", Tools: []models.ToolRef{{Kind: models.ToolKindOpenAPI, Name: "weather"}},
	})
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestGenerateSOP(t *testing.T) {
	h := newHarness(t)
	v := h.submit(t)
	h.model.chunks = []string{"# Summarize CSV\n", "1. read\n"}

	text, err := h.svc.GenerateSOP(context.Background(), GenerateSOPRequest{UserID: "u1", VersionID: v.ID})
	require.NoError(t, err)
	assert.Equal(t, "# Summarize CSV\n1. read\n", text)
	got, err := h.store.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionSOPGenerated, got.Status)
	assert.Equal(t, "Summarize CSV", got.Title)

	_, err = h.svc.GenerateSOP(context.Background(), GenerateSOPRequest{UserID: "u2", VersionID: v.ID})
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	h.setStatus(t, v.ID, models.VersionCompleted)
	_, err = h.svc.GenerateSOP(context.Background(), GenerateSOPRequest{UserID: "u1", VersionID: v.ID})
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestGenerateSOP_FailureEmitsNonFatalError(t *testing.T) {
	h := newHarness(t)
	v := h.submit(t)

	_, err := h.svc.GenerateSOP(context.Background(), GenerateSOPRequest{UserID: "u1", VersionID: v.ID})
	require.ErrorIs(t, err, models.ErrLLM)

	last := h.sink.last()
	require.Equal(t, models.EventError, last.Event)
	var data models.ErrorData
	require.NoError(t, last.Decode(&data))
	assert.Equal(t, "LLMError", data.Kind)
	assert.False(t, data.Fatal)

	got, err := h.store.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionDraft, got.Status)
}

func TestModifySOP(t *testing.T) {
	h := newHarness(t)
	v := h.submit(t)

	require.NoError(t, h.svc.ModifySOP(context.Background(), "u1", v.ID, "# Edited plan\n1. y"))
	got, err := h.store.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionSOPGenerated, got.Status)
	assert.Equal(t, "# Edited plan\n1. y", got.SOPText)
	assert.Equal(t, "Edited plan", got.Title)

	h.setStatus(t, v.ID, models.VersionInProgress)
	err = h.svc.ModifySOP(context.Background(), "u1", v.ID, "# late")
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestStartExecute(t *testing.T) {
	h := newHarness(t)
	v := h.submit(t)

	err := h.svc.StartExecute(context.Background(), "u1", v.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	h.setStatus(t, v.ID, models.VersionSOPGenerated)
	require.NoError(t, h.svc.StartExecute(context.Background(), "u1", v.ID))
	assert.Equal(t, []string{v.ID}, h.queue.pushed)

	h.setStatus(t, v.ID, models.VersionInProgress)
	err = h.svc.StartExecute(context.Background(), "u1", v.ID)
	assert.ErrorIs(t, err, models.ErrAlreadyInProgress)
}

func TestTerminate_BeforeExecution(t *testing.T) {
	h := newHarness(t)
	v := h.submit(t)
	h.setStatus(t, v.ID, models.VersionSOPGenerated)

	require.NoError(t, h.svc.Terminate(context.Background(), "u1", v.ID))
	got, err := h.store.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionTerminated, got.Status)
	assert.Equal(t, models.EventTaskTerminated, h.sink.last().Event)

	// 幂等
	before := len(h.sink.kinds())
	require.NoError(t, h.svc.Terminate(context.Background(), "u1", v.ID))
	assert.Len(t, h.sink.kinds(), before)
}

func TestTerminate_InProgressOnlyFlipsStatus(t *testing.T) {
	h := newHarness(t)
	v := h.submit(t)
	h.setStatus(t, v.ID, models.VersionInProgress)

	require.NoError(t, h.svc.Terminate(context.Background(), "u1", v.ID))
	got, err := h.store.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionTerminated, got.Status)
	assert.NotContains(t, h.sink.kinds(), models.EventTaskTerminated)

	info, err := h.bus.GetSessionInfo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionTerminated, info.Status)

	assert.ErrorIs(t, h.svc.Terminate(context.Background(), "u2", v.ID), models.ErrUnauthorized)
}

func TestUserInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.submit(t)
	h.setStatus(t, v.ID, models.VersionWaitingForUserInput)
	task := &models.ExecutionTask{
		ID: uuid.NewString(), SessionVersionID: v.ID, TaskType: models.TaskSingle,
		TaskData: datatypes.NewJSONType(models.TaskNode{ID: "1", Description: "ask"}),
		Status:   models.TaskWaitingForUserInput,
	}
	require.NoError(t, h.store.CreateTasks(ctx, []*models.ExecutionTask{task}))

	ok, err := h.svc.UserInput(ctx, "u1", v.ID, task.ID, "use Q3 numbers", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.EventUserInputCompleted, h.sink.last().Event)

	ok, err = h.svc.UserInput(ctx, "u1", v.ID, task.ID, "again", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	other := h.submit(t)
	_, err = h.svc.UserInput(ctx, "u1", other.ID, task.ID, "x", nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSubmitFeedback_LowScoreRegeneratesNewVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.submit(t)
	h.setStatus(t, v.ID, models.VersionCompleted)
	h.model.replies = []string{"# Plan v2\n1. x\n2. compliance"}

	next, err := h.svc.SubmitFeedback(ctx, FeedbackRequest{UserID: "u1", VersionID: v.ID, Score: 2, Feedback: "missed compliance section"})
	require.NoError(t, err)
	assert.Nil(t, next)
	h.svc.Wait()

	got, err := h.store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.Equal(t, 2, *got.Score)
	require.NotNil(t, got.Feedback)
	assert.Equal(t, "missed compliance section", *got.Feedback)
	assert.Equal(t, models.VersionCompleted, got.Status)

	versions, total, err := h.svc.ListVersions(ctx, "u1", v.SessionID, 1, 20)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	var regenerated *models.SessionVersion
	for i := range versions {
		if versions[i].ID != v.ID {
			regenerated = &versions[i]
		}
	}
	require.NotNil(t, regenerated)
	assert.Equal(t, models.VersionDraft, regenerated.Status)
	assert.Equal(t, v.ID, regenerated.PreviousVersionID)
	assert.Equal(t, "# Plan v2\n1. x\n2. compliance", regenerated.SOPText)
	assert.NotEqual(t, got.SOPText, regenerated.SOPText)
	assert.Equal(t, "Plan v2", regenerated.Title)
	assert.Equal(t, v.Files, regenerated.Files)
	assert.Equal(t, v.Tools, regenerated.Tools)

	// 带 SOP 的 draft 版本可以直接执行
	require.NoError(t, h.svc.StartExecute(ctx, "u1", regenerated.ID))
	assert.Equal(t, []string{regenerated.ID}, h.queue.pushed)
}

func TestSubmitFeedback_BackgroundFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.submit(t)
	h.setStatus(t, v.ID, models.VersionCompleted)

	_, err := h.svc.SubmitFeedback(ctx, FeedbackRequest{UserID: "u1", VersionID: v.ID, Score: 1, Feedback: "wrong"})
	require.NoError(t, err)
	h.svc.Wait()

	got, err := h.store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMessage, "SOP regeneration failed")
	assert.Equal(t, models.VersionCompleted, got.Status)
	assert.Equal(t, models.EventError, h.sink.last().Event)

	_, total, err := h.svc.ListVersions(ctx, "u1", v.SessionID, 1, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestSubmitFeedback_HighScoreAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.submit(t)
	h.setStatus(t, v.ID, models.VersionCompleted)
	require.NoError(t, h.store.SaveSOPRecord(ctx, &models.SOPRecord{SessionVersionID: v.ID, UserID: "u1", Name: "n", Content: "c"}))

	_, err := h.svc.SubmitFeedback(ctx, FeedbackRequest{UserID: "u1", VersionID: v.ID, Score: 5, Feedback: "great"})
	require.NoError(t, err)
	h.svc.Wait()
	var rec models.SOPRecord
	require.NoError(t, h.store.DB.Where("session_version_id = ?", v.ID).First(&rec).Error)
	assert.Equal(t, 5, rec.Rating)
	assert.Equal(t, "c", rec.Content)

	_, err = h.svc.SubmitFeedback(ctx, FeedbackRequest{UserID: "u1", VersionID: v.ID, CancelFeedback: true})
	require.NoError(t, err)
	got, err := h.store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Score)
	assert.Nil(t, got.Feedback)

	_, err = h.svc.SubmitFeedback(ctx, FeedbackRequest{UserID: "u1", VersionID: v.ID, Score: 9})
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestSubmitFeedback_ReexecuteCreatesVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.submit(t)
	h.setStatus(t, v.ID, models.VersionCompleted)

	next, err := h.svc.SubmitFeedback(ctx, FeedbackRequest{UserID: "u1", VersionID: v.ID, Score: 4, Reexecute: true})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, v.ID, next.ID)
	assert.Equal(t, v.SessionID, next.SessionID)
	assert.Equal(t, v.ID, next.PreviousVersionID)
	assert.Equal(t, models.VersionDraft, next.Status)
	assert.Equal(t, v.Files, next.Files)
	assert.Equal(t, v.Tools, next.Tools)

	text, err := h.svc.GenerateSOP(ctx, GenerateSOPRequest{UserID: "u1", VersionID: next.ID, PreviousVersionID: v.ID, Reexecute: true})
	require.NoError(t, err)
	assert.Equal(t, "# Plan\n1. x", text)
}

func TestPromoteSOPRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := &models.SOPRecord{SessionVersionID: "sv1", UserID: "u1", Name: "Summarize CSV", Description: "q", Content: "# Summarize CSV\n1. read", Rating: 4}
	require.NoError(t, h.store.SaveSOPRecord(ctx, rec))

	sop, err := h.svc.PromoteSOPRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(1), sop.ID)
	require.Len(t, h.library.added, 1)
	assert.Equal(t, "# Summarize CSV\n1. read", h.library.added[0].Content)
	assert.Equal(t, 4, h.library.added[0].Rating)

	_, err = h.svc.PromoteSOPRecord(ctx, 999)
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = h.svc.AddSOP(ctx, &models.SOP{Name: "", Content: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestToolSpecs_RegisterAndListMasked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := &models.ToolSpec{
		Name: "weather", Kind: models.ToolKindOpenAPI, Method: "GET", URL: "https://example.com/weather",
		Config: datatypes.JSONMap{"api_key": "sk-1", "region": "cn"},
	}
	require.NoError(t, h.svc.RegisterToolSpec(ctx, spec))
	assert.NotEmpty(t, spec.ID)

	err := h.svc.RegisterToolSpec(ctx, &models.ToolSpec{Name: "broken", Kind: models.ToolKindOpenAPI})
	assert.ErrorIs(t, err, models.ErrInvalidState)
	err = h.svc.RegisterToolSpec(ctx, &models.ToolSpec{Name: "odd", Kind: "grpc", URL: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	specs, err := h.svc.ListToolSpecs(ctx, models.ToolKindOpenAPI)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "******", specs[0].Config["api_key"])
	assert.Equal(t, "cn", specs[0].Config["region"])
}
