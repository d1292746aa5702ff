package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
	"linsight/backend/go/pkg/mcp_host"
)

func newFileToolset(t *testing.T) (*Toolset, string) {
	t.Helper()
	root := t.TempDir()
	files, err := NewFileTools(root)
	require.NoError(t, err)
	return NewToolset(time.Second, logger.Discard(), files...), root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSandbox_RejectsEscapes(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "top secret\n")
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	box, err := NewSandbox(root)
	require.NoError(t, err)

	_, err = box.Resolve("../etc/passwd")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = box.Resolve("link/secret.txt")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = box.Resolve("link/new.txt")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	p, err := box.Resolve("sub/dir/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "sub/dir/new.txt", box.Rel(p))
}

func TestFileTools_ReadOutsideRootIsUnauthorized(t *testing.T) {
	ts, _ := newFileToolset(t)
	res := ts.Invoke(context.Background(), ToolReadTextFile, map[string]any{"file_path": "../../etc/passwd"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "Unauthorized")
}

func TestFileTools_AppendAndReadRange(t *testing.T) {
	ts, root := newFileToolset(t)
	ctx := context.Background()

	res := ts.Invoke(ctx, ToolAddTextToFile, map[string]any{"file_path": "notes/out.md", "content": "one\ntwo\n"})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, []string{"notes/out.md"}, res.Files)

	res = ts.Invoke(ctx, ToolAddTextToFile, map[string]any{"file_path": "notes/out.md", "content": "three\nfour\n"})
	require.False(t, res.IsError, res.Content)

	data, err := os.ReadFile(filepath.Join(root, "notes", "out.md"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour\n", string(data))

	res = ts.Invoke(ctx, ToolReadTextFile, map[string]any{"file_path": "notes/out.md", "start_line": float64(2), "end_line": float64(3)})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "2| two\n3| three", res.Content)

	res = ts.Invoke(ctx, ToolReadTextFile, map[string]any{"file_path": "notes/out.md", "start_line": 9})
	assert.True(t, res.IsError)

	res = ts.Invoke(ctx, ToolReadTextFile, map[string]any{"file_path": "notes/out.md", "start_line": 3, "end_line": 2})
	assert.True(t, res.IsError)
}

func TestFileTools_ReplaceLines(t *testing.T) {
	ts, root := newFileToolset(t)
	ctx := context.Background()
	path := filepath.Join(root, "a.txt")
	writeFile(t, path, "l1\nl2\nl3\nl4\n")

	res := ts.Invoke(ctx, ToolReplaceFileLines, map[string]any{
		"file_path": "a.txt", "start_line": 2, "end_line": 3, "new_content": "X\nY\nZ",
	})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, []string{"a.txt"}, res.Files)
	data, _ := os.ReadFile(path)
	assert.Equal(t, "l1\nX\nY\nZ\nl4\n", string(data))

	res = ts.Invoke(ctx, ToolReplaceFileLines, map[string]any{
		"file_path": "a.txt", "start_line": 1, "end_line": 2, "new_content": "",
	})
	require.False(t, res.IsError, res.Content)
	data, _ = os.ReadFile(path)
	assert.Equal(t, "Y\nZ\nl4\n", string(data))

	res = ts.Invoke(ctx, ToolReplaceFileLines, map[string]any{
		"file_path": "a.txt", "start_line": 3, "end_line": 10, "new_content": "nope",
	})
	assert.True(t, res.IsError)
}

func TestFileTools_ListSearchAndInfo(t *testing.T) {
	ts, root := newFileToolset(t)
	ctx := context.Background()
	writeFile(t, filepath.Join(root, "data.csv"), "name,score\nalice,90\nbob,75\n")
	writeFile(t, filepath.Join(root, "report", "summary.md"), "# Summary\nalice wins\n")

	res := ts.Invoke(ctx, ToolListFiles, map[string]any{})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "[FILE] data.csv")
	assert.Contains(t, res.Content, "[DIR]  report")
	assert.NotContains(t, res.Content, "summary.md")

	res = ts.Invoke(ctx, ToolListFiles, map[string]any{"recursive": true, "pattern": "*.md"})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "report/summary.md")
	assert.NotContains(t, res.Content, "data.csv")

	res = ts.Invoke(ctx, ToolSearchFiles, map[string]any{"pattern": "alice"})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "data.csv:2: alice,90")
	assert.Contains(t, res.Content, "report/summary.md:2: alice wins")

	res = ts.Invoke(ctx, ToolSearchFiles, map[string]any{"pattern": "alice", "file_pattern": "*.csv"})
	require.False(t, res.IsError, res.Content)
	assert.NotContains(t, res.Content, "summary.md")

	res = ts.Invoke(ctx, ToolSearchFiles, map[string]any{"pattern": "("})
	assert.True(t, res.IsError)

	res = ts.Invoke(ctx, ToolGetFileInfo, map[string]any{"path": "data.csv"})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "Path: data.csv")
	assert.Contains(t, res.Content, "IsDirectory: false")
	assert.Contains(t, res.Content, "MIME Type: text/")
}

func TestToolset_UnknownToolAndTimeout(t *testing.T) {
	slow := &stubTool{name: "slow", run: func(ctx context.Context, _ map[string]any) ToolResult {
		<-ctx.Done()
		return ErrorResult(ctx.Err())
	}}
	ts := NewToolset(20*time.Millisecond, logger.Discard(), slow, &stubTool{name: "slow"})
	assert.Len(t, ts.Tools(), 1)

	res := ts.Invoke(context.Background(), "missing", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown tool")

	res = ts.Invoke(context.Background(), "slow", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "timed out")
}

type stubTool struct {
	name string
	run  func(ctx context.Context, args map[string]any) ToolResult
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return "stub" }
func (s *stubTool) InputSchema() map[string]any { return objectSchema(nil, map[string]any{}) }
func (s *stubTool) Kind() models.ToolKind       { return models.ToolKindBuiltin }
func (s *stubTool) Invoke(ctx context.Context, args map[string]any) ToolResult {
	if s.run == nil {
		return Text("ok")
	}
	return s.run(ctx, args)
}

type fakeSOPs struct{ docs []models.SOP }

func (f fakeSOPs) Search(context.Context, string, int) ([]models.SOP, string) {
	return f.docs, ""
}

type fakeKB struct {
	name string
	hits []KnowledgeHit
	err  error
}

func (f fakeKB) Name() string { return f.name }
func (f fakeKB) Search(context.Context, string, string, int) ([]KnowledgeHit, error) {
	return f.hits, f.err
}

func TestKnowledgeTool(t *testing.T) {
	sops := fakeSOPs{docs: []models.SOP{{Name: "Weekly report", Content: "1. collect 2. summarise"}}}
	tool := NewKnowledgeTool("u1", sops,
		fakeKB{name: "personal", hits: []KnowledgeHit{{Source: "notes.md", Content: "use the blue template"}}},
		fakeKB{name: "org", err: errors.New("backend down")},
	)
	res := tool.Invoke(context.Background(), map[string]any{"query": "weekly report"})
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "(sop) Weekly report")
	assert.Contains(t, res.Content, "(personal: notes.md)")
	assert.Contains(t, res.Content, "org search failed")

	empty := NewKnowledgeTool("u1", fakeSOPs{})
	res = empty.Invoke(context.Background(), map[string]any{"query": "anything"})
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "No relevant knowledge found")

	res = empty.Invoke(context.Background(), map[string]any{})
	assert.True(t, res.IsError)
}

func TestRegistry_KnowledgeBackendsFollowFlags(t *testing.T) {
	r := NewRegistry(nil, fakeSOPs{}, time.Second, logger.Discard(),
		WithPersonalKnowledge(fakeKB{name: "personal"}),
		WithOrgKnowledge(fakeKB{name: "org"}),
	)
	v := &models.SessionVersion{
		UserID: "u1",
		Tools:  datatypes.JSONSlice[models.ToolRef]{{Kind: models.ToolKindKnowledge, Name: ToolKnowledgeSearch}},
	}
	tools, host, err := r.InitLinsightTools(context.Background(), v)
	require.NoError(t, err)
	assert.Nil(t, host)
	require.Len(t, tools, 1)
	kt := tools[0].(*knowledgeTool)
	assert.Empty(t, kt.backends)

	v.OrgKBEnabled = true
	tools, _, err = r.InitLinsightTools(context.Background(), v)
	require.NoError(t, err)
	kt = tools[0].(*knowledgeTool)
	require.Len(t, kt.backends, 1)
	assert.Equal(t, "org", kt.backends[0].Name())
}

type fakeSpecs map[string]models.ToolSpec

func (f fakeSpecs) GetToolSpecs(_ context.Context, ids []string) ([]models.ToolSpec, error) {
	var out []models.ToolSpec
	for _, id := range ids {
		if s, ok := f[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestRegistry_ListForSessionWithOpenAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/weather/beijing", r.URL.Path)
		assert.Equal(t, "c", r.URL.Query().Get("unit"))
		assert.Equal(t, "Bearer k-123", r.Header.Get("Authorization"))
		w.Write([]byte(`{"temp":21}`))
	}))
	defer srv.Close()

	spec := models.ToolSpec{
		ID: "s1", Name: "weather", Description: "weather lookup", Kind: models.ToolKindOpenAPI,
		Method: "GET", URL: srv.URL + "/weather/{city}",
		Params: datatypes.NewJSONType(models.Schema{
			Type: "object",
			Properties: map[string]*models.Schema{
				"city": {Type: "string", In: "path"},
				"unit": {Type: "string", In: "query"},
			},
			Required: []string{"city"},
		}),
		Config: datatypes.JSONMap{"api_key": "k-123"},
	}
	r := NewRegistry(fakeSpecs{"s1": spec}, nil, time.Second, logger.Discard())
	v := &models.SessionVersion{Tools: datatypes.JSONSlice[models.ToolRef]{{Kind: models.ToolKindOpenAPI, Name: "weather", SpecID: "s1"}}}

	ts, err := r.ListForSession(context.Background(), v, t.TempDir())
	require.NoError(t, err)
	defer ts.Close()

	assert.True(t, ts.Has(ToolReadTextFile))
	require.True(t, ts.Has("weather"))
	var weather models.ToolDefinition
	for _, d := range ts.Definitions() {
		if d.Name == "weather" {
			weather = d
		}
	}
	props := weather.Parameters["properties"].(map[string]any)
	assert.NotContains(t, props["city"], "in")

	res := ts.Invoke(context.Background(), "weather", map[string]any{"city": "beijing", "unit": "c"})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, `{"temp":21}`, res.Content)

	v.Tools = append(v.Tools, models.ToolRef{Kind: models.ToolKindOpenAPI, Name: "gone", SpecID: "missing"})
	_, err = r.ListForSession(context.Background(), v, t.TempDir())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOpenAPITool_HTTPErrorIsErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		assert.Equal(t, "hello", payload["text"])
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tool := NewOpenAPITool(models.ToolSpec{Name: "post", Kind: models.ToolKindOpenAPI, Method: "POST", URL: srv.URL}, time.Second)
	res := tool.Invoke(context.Background(), map[string]any{"text": "hello"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "HTTP 429")
	assert.Contains(t, res.Content, "quota exceeded")
}

func TestRegistry_ToolBreakerSharedAcrossSessions(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	spec := models.ToolSpec{ID: "s1", Name: "flaky", Kind: models.ToolKindOpenAPI, Method: "GET", URL: srv.URL}
	r := NewRegistry(fakeSpecs{"s1": spec}, nil, time.Second, logger.Discard(), WithToolBreaker(1, 1, time.Minute))
	v := &models.SessionVersion{Tools: datatypes.JSONSlice[models.ToolRef]{{Kind: models.ToolKindOpenAPI, Name: "flaky", SpecID: "s1"}}}

	first, _, err := r.InitLinsightTools(context.Background(), v)
	require.NoError(t, err)
	res := first[0].Invoke(context.Background(), nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "HTTP 503")

	second, _, err := r.InitLinsightTools(context.Background(), v)
	require.NoError(t, err)
	res = second[0].Invoke(context.Background(), nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "circuit breaker is open")
	assert.Equal(t, 1, hits)
}

func TestMaskConfig(t *testing.T) {
	in := map[string]any{
		"api_key":  "sk-1",
		"ApiKey":   "sk-2",
		"base_url": "https://example.com",
		"empty":    "",
		"auth":     map[string]any{"Password": "p", "user": "bob", "access_token": ""},
	}
	out := MaskConfig(in)
	assert.Equal(t, MaskedValue, out["api_key"])
	assert.Equal(t, MaskedValue, out["ApiKey"])
	assert.Equal(t, "https://example.com", out["base_url"])
	nested := out["auth"].(map[string]any)
	assert.Equal(t, MaskedValue, nested["Password"])
	assert.Equal(t, "bob", nested["user"])
	assert.Equal(t, "", nested["access_token"])
	assert.Equal(t, "sk-1", in["api_key"])
	assert.Nil(t, MaskConfig(nil))
}

func TestMCPTool_InProcessServer(t *testing.T) {
	ctx := context.Background()
	s := server.NewMCPServer("demo", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("echo text back"),
		mcp.WithString("text", mcp.Required(), mcp.Description("text to echo")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("echo: " + strings.ToUpper(text)), nil
	})

	c, err := client.NewInProcessClient(s)
	require.NoError(t, err)
	host := mcp_host.NewHost()
	require.NoError(t, host.Attach(ctx, "demo", c))
	defer host.CloseAll()

	tools, err := NewRegistry(nil, nil, time.Second, logger.Discard()).collectMCP(ctx, host, map[string]map[string]bool{"demo": nil})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	echo := tools[0]
	assert.Equal(t, "echo", echo.Name())
	assert.Equal(t, models.ToolKindMCP, echo.Kind())
	props := echo.InputSchema()["properties"].(map[string]any)
	assert.Contains(t, props, "text")

	res := echo.Invoke(ctx, map[string]any{"text": "hi"})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "echo: HI", res.Content)

	res = echo.Invoke(ctx, map[string]any{})
	assert.True(t, res.IsError)

	_, err = host.InvokeTool(ctx, "nope", nil)
	assert.ErrorIs(t, err, mcp_host.ErrToolNotFound)
}
