package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSSE(t *testing.T) {
	body := "event:sop_generate_chunk\ndata:{\"data\":{\"content\":\"# \"}}\n\n" +
		"event:sop_generate_chunk\ndata:{\"data\":{\"content\":\"Plan\"}}\n\n" +
		"event:sop_generate_complete\ndata:{}\n\n" +
		"event:ignored\ndata:{}\n\n"

	var names []string
	err := readSSE(strings.NewReader(body), func(e sseEvent) bool {
		names = append(names, e.Name)
		return e.Name != "sop_generate_complete"
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"sop_generate_chunk", "sop_generate_chunk", "sop_generate_complete"}, names)
}

func TestAPIClient_DoSendsBearerAndDecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if r.URL.Path == "/api/v1/linsight/workbench/start-execute" {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "SOP 为空", "kind": "InvalidState"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"applied": true})
	}))
	defer srv.Close()

	c := &apiClient{base: srv.URL + "/", token: "tok"}
	var out struct {
		Applied bool `json:"applied"`
	}
	require.NoError(t, c.do(http.MethodPost, "/workbench/user-input", map[string]string{"input": "x"}, &out))
	assert.True(t, out.Applied)

	err := c.do(http.MethodPost, "/workbench/start-execute", map[string]string{}, nil)
	assert.EqualError(t, err, "request failed (409 InvalidState): SOP 为空")
}

func TestStreamURL(t *testing.T) {
	c := &apiClient{base: "https://linsight.example.com"}
	u, err := c.streamURL("v1", 7)
	require.NoError(t, err)
	assert.Equal(t, "wss://linsight.example.com/api/v1/linsight/workbench/task-message-stream?from_offset=7&session_version_id=v1", u)
}

func TestToolRef(t *testing.T) {
	assert.Equal(t, map[string]string{"kind": "builtin", "name": "read_file"}, toolRef("read_file"))
	assert.Equal(t, map[string]string{"kind": "openapi", "name": "weather", "spec_id": "s1"}, toolRef("openapi:weather@s1"))
}
