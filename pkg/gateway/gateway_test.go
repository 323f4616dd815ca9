package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpscope/mcpscope/pkg/capture"
	"github.com/mcpscope/mcpscope/pkg/mcp"
	"github.com/mcpscope/mcpscope/pkg/registry"
)

type memBackend struct {
	mu      sync.Mutex
	records []*capture.Record
}

func (m *memBackend) Initialize(ctx context.Context, location string) error { return nil }

func (m *memBackend) Write(ctx context.Context, rec *capture.Record) capture.WriteResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return capture.WriteResult{Backend: "mem"}
}

func (m *memBackend) Close() error { return nil }

func (m *memBackend) all() []*capture.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*capture.Record(nil), m.records...)
}

type mapResolver map[string]registry.ServerEntry

func (m mapResolver) Get(name string) (registry.ServerEntry, error) {
	entry, ok := m[name]
	if !ok {
		return registry.ServerEntry{}, registry.ErrNotFound
	}
	return entry, nil
}

func newTestGateway(t *testing.T, downstream http.Handler) (*httptest.Server, *memBackend) {
	t.Helper()

	down := httptest.NewServer(downstream)
	t.Cleanup(down.Close)

	backend := &memBackend{}
	correlator := capture.NewSessionCorrelator()
	builder := capture.NewRecordBuilder(correlator, nil)
	sinks := capture.NewSinks(nil, backend)
	resolver := mapResolver{"echo": {ID: "1", Name: "echo", URL: down.URL}}

	gw := New(resolver, builder, sinks, nil)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv, backend
}

func postRPC(t *testing.T, url, session, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set(mcp.HeaderSessionID, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestGatewayProxiesJSONExchange(t *testing.T) {
	srv, backend := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sess-1", r.Header.Get(mcp.HeaderSessionID))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`)
	}))

	resp := postRPC(t, srv.URL+"/servers/echo/mcp", "sess-1",
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sess-1", resp.Header.Get(mcp.HeaderSessionID))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, string(body))

	records := backend.all()
	require.Len(t, records, 2)

	assert.Equal(t, "tools/list", records[0].Method)
	assert.NotNil(t, records[0].Request)
	assert.Equal(t, "echo", records[0].Metadata.ServerName)
	assert.Equal(t, "sess-1", records[0].Metadata.SessionID)

	assert.Equal(t, "tools/list", records[1].Method, "method recovered from the pending request")
	assert.NotNil(t, records[1].Response)
	assert.Equal(t, http.StatusOK, records[1].Metadata.HTTPStatus)
	assert.GreaterOrEqual(t, records[1].Metadata.DurationMs, int64(0))
}

func TestGatewayGeneratesSessionID(t *testing.T) {
	srv, backend := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get(mcp.HeaderSessionID), "downstream sees the minted id")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))

	resp := postRPC(t, srv.URL+"/servers/echo/mcp", "",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	minted := resp.Header.Get(mcp.HeaderSessionID)
	assert.NotEmpty(t, minted)

	records := backend.all()
	require.Len(t, records, 2)
	assert.Equal(t, minted, records[0].Metadata.SessionID)
}

func TestGatewayCapturesHandshakeIdentity(t *testing.T) {
	srv, backend := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{
			"protocolVersion":"2025-06-18",
			"serverInfo":{"name":"echo-server","version":"0.3"}}}`)
	}))

	postRPC(t, srv.URL+"/servers/echo/mcp", "sess-1", `{
		"jsonrpc":"2.0","id":1,"method":"initialize",
		"params":{"protocolVersion":"2025-06-18",
			"clientInfo":{"name":"inspector","version":"2.0"}}}`)

	records := backend.all()
	require.Len(t, records, 2)

	require.NotNil(t, records[0].Metadata.Client)
	assert.Equal(t, "inspector", records[0].Metadata.Client.Name)

	require.NotNil(t, records[1].Metadata.Server)
	assert.Equal(t, "echo-server", records[1].Metadata.Server.Name)
	// The response record inherits the client identity learned from the
	// request.
	require.NotNil(t, records[1].Metadata.Client)
	assert.Equal(t, "inspector", records[1].Metadata.Client.Name)
}

func TestGatewayTeesSSEStream(t *testing.T) {
	srv, backend := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"ok\":true}}\n\n")
		fmt.Fprint(w, "id: ev-2\ndata: making progress\n\n")
	}))

	resp := postRPC(t, srv.URL+"/servers/echo/mcp", "sess-1",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)

	assert.Equal(t, mcp.ContentTypeEventStream, resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `data: {"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	assert.Contains(t, string(body), "data: making progress")

	records := backend.all()
	require.Len(t, records, 3)

	assert.Equal(t, "tools/call", records[0].Method)

	// Embedded JSON-RPC response correlates back to the request.
	assert.Equal(t, "tools/call", records[1].Method)
	assert.NotNil(t, records[1].Response)
	assert.Equal(t, "message", records[1].Metadata.SSEEventType)

	// Plain event recorded under the synthesized method.
	assert.Equal(t, capture.MethodSSEEvent, records[2].Method)
	assert.Equal(t, "ev-2", records[2].Metadata.SSEEventID)
	var ev mcp.SSEEvent
	require.NoError(t, json.Unmarshal(records[2].SSEEvent, &ev))
	assert.Equal(t, "making progress", ev.Data)
}

func TestGatewayUnknownServer(t *testing.T) {
	srv, backend := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("downstream must not be reached")
	}))

	resp := postRPC(t, srv.URL+"/servers/ghost/mcp", "sess-1",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, backend.all())
}

func TestGatewayRejectsMalformedRequest(t *testing.T) {
	srv, backend := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("downstream must not be reached")
	}))

	resp := postRPC(t, srv.URL+"/servers/echo/mcp", "sess-1", `{"not":"jsonrpc"}`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var rpcResp mcp.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, mcp.ErrCodeParseError, rpcResp.Error.Code)
	assert.Empty(t, backend.all())
}

func TestGatewayDownstreamUnreachable(t *testing.T) {
	backend := &memBackend{}
	builder := capture.NewRecordBuilder(capture.NewSessionCorrelator(), nil)
	resolver := mapResolver{"gone": {Name: "gone", URL: "http://127.0.0.1:1"}}
	gw := New(resolver, builder, capture.NewSinks(nil, backend), nil)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	resp := postRPC(t, srv.URL+"/servers/gone/mcp", "sess-1",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	// The request was still captured before the forward failed.
	records := backend.all()
	require.Len(t, records, 1)
	assert.Equal(t, "ping", records[0].Method)
}
