package logger

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/backend/go/internal/models"
)

func newTestLogger() (*Logger, *test.Hook) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return &Logger{entry: logrus.NewEntry(l).WithField("service_name", "linsight_test")}, hook
}

func TestLogger_WithFieldsDoNotLeak(t *testing.T) {
	base, hook := newTestLogger()

	base.WithTrace("v1", "u1").
		WithError(models.ErrorInfoFrom(models.ErrNotFound)).
		WithPayload(map[string]interface{}{"task_id": "t1"}).
		Warn("任务不存在")
	base.Info("plain")

	require.Len(t, hook.Entries, 2)
	first := hook.Entries[0]
	assert.Equal(t, logrus.WarnLevel, first.Level)
	assert.Equal(t, "v1", first.Data["trace_id"])
	assert.Equal(t, "u1", first.Data["user_id"])
	assert.Equal(t, models.ErrorInfo{Message: "not found", Type: "NotFound"}, first.Data["error"])
	assert.Equal(t, map[string]interface{}{"task_id": "t1"}, first.Data["payload"])

	second := hook.Entries[1]
	assert.Equal(t, "plain", second.Message)
	assert.Equal(t, "linsight_test", second.Data["service_name"])
	assert.NotContains(t, second.Data, "trace_id")
	assert.NotContains(t, second.Data, "error")
}

func TestLogger_WithRequest(t *testing.T) {
	l, hook := newTestLogger()
	req := models.RequestInfo{Method: "POST", Path: "/api/v1/linsight/workbench/submit"}

	l.WithRequest(req).WithError(models.ErrorInfoFrom(errors.New("boom"))).Error("请求处理失败")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, req, entry.Data["request_info"])
	assert.Equal(t, "Internal", entry.Data["error"].(models.ErrorInfo).Type)
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Debug("dropped")
	l.WithTrace("v1", "u1").Info("dropped")
}

func TestLogger_WithPayloadMerges(t *testing.T) {
	l, hook := newTestLogger()
	taskLog := l.WithPayload(map[string]interface{}{"task_id": "t1", "turns": 0})

	taskLog.WithPayload(map[string]interface{}{"turns": 3}).Info("任务执行成功")
	taskLog.Info("again")

	require.Len(t, hook.Entries, 2)
	assert.Equal(t, map[string]interface{}{"task_id": "t1", "turns": 3}, hook.Entries[0].Data["payload"])
	assert.Equal(t, map[string]interface{}{"task_id": "t1", "turns": 0}, hook.Entries[1].Data["payload"])
}
