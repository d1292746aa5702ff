package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexStrings(t *testing.T) {
	cases := []struct {
		in   string
		want FlexStrings
	}{
		{`"a.csv"`, FlexStrings{"a.csv"}},
		{`""`, nil},
		{`null`, nil},
		{`["a", "b"]`, FlexStrings{"a", "b"}},
		{`["a", 3]`, FlexStrings{"a", "3"}},
	}
	for _, c := range cases {
		var got FlexStrings
		require.NoError(t, json.Unmarshal([]byte(c.in), &got), c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	var bad FlexStrings
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &bad))
}

func TestTaskNode_IsLoop(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{``, false},
		{`null`, false},
		{`false`, false},
		{`""`, false},
		{`{}`, false},
		{`true`, true},
		{`"对每个文件执行一次"`, true},
		{`{"over":"files"}`, true},
	}
	for _, c := range cases {
		n := TaskNode{NodeLoop: json.RawMessage(c.raw)}
		assert.Equal(t, c.want, n.IsLoop(), c.raw)
	}
}

func TestStatuses_IsTerminal(t *testing.T) {
	assert.True(t, TaskSuccess.IsTerminal())
	assert.True(t, TaskTerminated.IsTerminal())
	assert.False(t, TaskWaitingForUserInput.IsTerminal())
	for _, s := range OpenTaskStatuses {
		assert.False(t, s.IsTerminal(), s)
	}

	assert.True(t, VersionFailed.IsTerminal())
	assert.False(t, VersionSOPGenerated.IsTerminal())
	for _, s := range ActiveVersionStatuses {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestStep_Validate(t *testing.T) {
	assert.NoError(t, NewExecStep(ExecStep{StepID: "s1"}).Validate())
	assert.NoError(t, NewNeedUserInputStep(NeedUserInput{Prompt: "?"}).Validate())
	assert.NoError(t, NewCallUserInputStep(CallUserInput{UserInput: "ok"}).Validate())

	assert.Error(t, Step{Type: StepExec}.Validate())
	assert.Error(t, Step{Type: "bogus"}.Validate())
}

func TestExecutionTask_Result(t *testing.T) {
	var task ExecutionTask
	assert.Equal(t, TaskResult{}, task.ResultData())

	task.SetResult(TaskResult{Answer: "42"})
	assert.Equal(t, TaskResult{Answer: "42"}, task.ResultData())
}

func TestSessionVersion_Output(t *testing.T) {
	v := &SessionVersion{}
	out, err := v.Output()
	require.NoError(t, err)
	assert.Nil(t, out)

	require.NoError(t, v.SetOutput(OutputResult{}))
	out, err = v.Output()
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestEvent_IsTerminal(t *testing.T) {
	final, err := NewEvent(EventFinalResult, "v1", map[string]string{})
	require.NoError(t, err)
	assert.True(t, final.IsTerminal())

	nonFatal, err := NewEvent(EventError, "v1", ErrorData{Fatal: false})
	require.NoError(t, err)
	assert.False(t, nonFatal.IsTerminal())

	fatal, err := NewEvent(EventError, "v1", ErrorData{Fatal: true})
	require.NoError(t, err)
	assert.True(t, fatal.IsTerminal())

	step, err := NewEvent(EventTaskExecuteStep, "v1", TaskExecuteStepData{})
	require.NoError(t, err)
	assert.False(t, step.IsTerminal())

	var chunk SOPChunkData
	c, err := NewEvent(EventSOPGenerateChunk, "v1", SOPChunkData{Content: "# "})
	require.NoError(t, err)
	require.NoError(t, c.Decode(&chunk))
	assert.Equal(t, "# ", chunk.Content)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "TaskMaxTurns", ErrorKind(fmt.Errorf("task t1: %w", ErrTaskMaxTurns)))
	assert.Equal(t, "Internal", ErrorKind(errors.New("boom")))

	info := ErrorInfoFrom(fmt.Errorf("wrap: %w", ErrNotFound))
	assert.Equal(t, ErrorInfo{Message: "wrap: not found", Type: "NotFound"}, info)
	assert.Equal(t, ErrorInfo{}, ErrorInfoFrom(nil))
}

func TestToolCall_Args(t *testing.T) {
	args, err := ToolCall{Arguments: `{"path":"a.txt"}`}.Args()
	require.NoError(t, err)
	assert.Equal(t, "a.txt", args["path"])

	args, err = ToolCall{}.Args()
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = ToolCall{Arguments: "{"}.Args()
	assert.Error(t, err)
}
