package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpscope/mcpscope/pkg/capture"
)

func TestLogsParams(t *testing.T) {
	logsFlags.server = "prod"
	logsFlags.method = "is:tools/list,tools/call"
	logsFlags.duration = "gt:500"
	logsFlags.limit = 50
	logsFlags.order = "asc"
	t.Cleanup(func() { logsFlags = logsOptions{} })

	params := logsParams()
	assert.Equal(t, "prod", params.Get("server"))
	assert.Equal(t, "is:tools/list,tools/call", params.Get("method"))
	assert.Equal(t, "gt:500", params.Get("duration"))
	assert.Equal(t, "50", params.Get("limit"))
	assert.Equal(t, "asc", params.Get("order"))
	assert.Empty(t, params.Get("session"), "unset flags stay out of the query")
}

func TestAdminClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/methods", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `{"methods":["ping"]}`)
	}))
	t.Cleanup(srv.Close)

	var body struct {
		Methods []string `json:"methods"`
	}
	client := newAdminClient(srv.URL + "/")
	err := client.get("/api/methods", map[string][]string{"limit": {"5"}}, &body)
	require.NoError(t, err)
	assert.Equal(t, []string{"ping"}, body.Methods)
}

func TestAdminClientErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid order"})
	}))
	t.Cleanup(srv.Close)

	err := newAdminClient(srv.URL).get("/api/logs", nil, &struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid order")
}

func TestAdminClientDelete(t *testing.T) {
	var deleted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deleted = r.Method == http.MethodDelete && r.URL.Path == "/api/logs"
		fmt.Fprint(w, `{"cleared":true}`)
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, newAdminClient(srv.URL).delete("/api/logs"))
	assert.True(t, deleted)
}

func TestRecordKind(t *testing.T) {
	assert.Equal(t, "request", recordKind(&capture.Record{Request: json.RawMessage(`{}`)}))
	assert.Equal(t, "response", recordKind(&capture.Record{Response: json.RawMessage(`{}`)}))
	assert.Equal(t, "sse", recordKind(&capture.Record{SSEEvent: json.RawMessage(`{}`)}))
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "short", shorten("short", 10))
	assert.Equal(t, "0123456789…", shorten("0123456789abcdef", 10))
}
