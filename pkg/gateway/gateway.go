// Package gateway proxies MCP traffic to registered downstream servers,
// capturing every request, response and server-sent event on the way
// through. Capture is an observer: a failed write never fails the
// proxied exchange.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcpscope/mcpscope/pkg/capture"
	"github.com/mcpscope/mcpscope/pkg/logging"
	"github.com/mcpscope/mcpscope/pkg/mcp"
	"github.com/mcpscope/mcpscope/pkg/registry"
)

// maxBodyBytes caps proxied JSON bodies. SSE streams are not subject to
// the cap; they are consumed event by event.
const maxBodyBytes = 16 << 20

// ServerResolver maps a server name to its registered entry.
type ServerResolver interface {
	Get(name string) (registry.ServerEntry, error)
}

// Gateway is the proxying HTTP surface.
type Gateway struct {
	resolver ServerResolver
	builder  *capture.RecordBuilder
	sinks    *capture.Sinks
	client   *http.Client
	log      *slog.Logger
}

// New creates a gateway. The HTTP client has no overall timeout because
// SSE responses stream indefinitely; connection setup is still bounded.
func New(resolver ServerResolver, builder *capture.RecordBuilder, sinks *capture.Sinks, log *slog.Logger) *Gateway {
	return &Gateway{
		resolver: resolver,
		builder:  builder,
		sinks:    sinks,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
		log: logging.Component(log, "gateway"),
	}
}

// Handler returns the gateway's route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /servers/{name}/mcp", g.handleMCP)
	return mux
}

func (g *Gateway) handleMCP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	entry, err := g.resolver.Get(name)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, mcp.ErrCodeInvalidRequest,
			"unknown server "+name)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, mcp.ErrCodeParseError, "unreadable body")
		return
	}

	req, err := mcp.ParseRequest(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, mcp.ErrCodeParseError, err.Error())
		return
	}

	sessionID := r.Header.Get(mcp.HeaderSessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ex := &capture.Exchange{
		ServerName: name,
		SessionID:  sessionID,
		UserAgent:  r.UserAgent(),
		ClientIP:   clientIP(r),
		Client:     initializeClient(req),
	}
	rec, err := g.builder.BuildRequest(ex, req)
	g.capture(r.Context(), rec, err)

	down, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		entry.URL, bytes.NewReader(body))
	if err != nil {
		writeRPCError(w, http.StatusBadGateway, mcp.ErrCodeInternalError, err.Error())
		return
	}
	down.Header.Set("Content-Type", "application/json")
	down.Header.Set("Accept", "application/json, "+mcp.ContentTypeEventStream)
	down.Header.Set(mcp.HeaderSessionID, sessionID)
	if auth := r.Header.Get("Authorization"); auth != "" {
		down.Header.Set("Authorization", auth)
	}

	resp, err := g.client.Do(down)
	if err != nil {
		g.log.Warn("downstream request failed", "server", name, "error", err)
		writeRPCError(w, http.StatusBadGateway, mcp.ErrCodeInternalError,
			"downstream server unreachable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// The session id always travels back, including a freshly minted one.
	w.Header().Set(mcp.HeaderSessionID, sessionID)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), mcp.ContentTypeEventStream) {
		g.streamSSE(w, r, resp, ex)
		return
	}
	g.relayJSON(w, r, resp, ex)
}

// relayJSON copies a buffered JSON response through, capturing it when it
// parses as a JSON-RPC response.
func (g *Gateway) relayJSON(w http.ResponseWriter, r *http.Request, resp *http.Response, ex *capture.Exchange) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		g.log.Warn("downstream body read failed", "server", ex.ServerName, "error", err)
		writeRPCError(w, http.StatusBadGateway, mcp.ErrCodeInternalError,
			"downstream response truncated")
		return
	}

	if rpcResp, ok := mcp.ParseResponse(body); ok {
		rx := *ex
		rx.HTTPStatus = resp.StatusCode
		rx.Server = initializeServer(rpcResp)
		rec, err := g.builder.BuildResponse(&rx, rpcResp)
		g.capture(r.Context(), rec, err)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// streamSSE tees the downstream event stream: every event is re-encoded
// to the client as soon as it arrives, then captured.
func (g *Gateway) streamSSE(w http.ResponseWriter, r *http.Request, resp *http.Response, ex *capture.Exchange) {
	w.Header().Set("Content-Type", mcp.ContentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	scanner := mcp.NewSSEScanner(resp.Body)
	for {
		ev, err := scanner.Next()
		if err != nil {
			if err != io.EOF {
				g.log.Warn("event stream ended abnormally",
					"server", ex.ServerName, "error", err)
			}
			return
		}

		if _, err := ev.WriteTo(w); err != nil {
			// Client went away; keep draining so the remaining events are
			// still captured.
			g.log.Debug("client write failed, draining stream",
				"server", ex.ServerName, "error", err)
			g.drain(r, scanner, resp.StatusCode, ex)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		g.captureEvent(r, ev, resp.StatusCode, ex)
	}
}

func (g *Gateway) drain(r *http.Request, scanner *mcp.SSEScanner, status int, ex *capture.Exchange) {
	for {
		ev, err := scanner.Next()
		if err != nil {
			return
		}
		g.captureEvent(r, ev, status, ex)
	}
}

func (g *Gateway) captureEvent(r *http.Request, ev *mcp.SSEEvent, status int, ex *capture.Exchange) {
	rx := *ex
	rx.HTTPStatus = status
	rx.Server = sseServerIdentity(ev)
	rec, err := g.builder.BuildSSEMessage(&rx, ev)
	g.capture(r.Context(), rec, err)
}

// capture hands a built record to the sinks. Builder failures are logged
// and dropped; store failures are already handled inside Sinks. The write
// survives client disconnects.
func (g *Gateway) capture(ctx context.Context, rec *capture.Record, err error) {
	if err != nil {
		g.log.Warn("record build failed", "error", err)
		return
	}
	g.sinks.Write(context.WithoutCancel(ctx), rec)
}

// initializeClient extracts the client identity from an initialize
// request, nil for any other method or malformed params.
func initializeClient(req *mcp.Request) *mcp.ClientInfo {
	if req.Method != mcp.MethodInitialize || req.Params == nil {
		return nil
	}
	var params mcp.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	return params.ClientInfo
}

// initializeServer extracts the server identity from an initialize
// result, nil when the result carries none.
func initializeServer(resp *mcp.Response) *mcp.ServerInfo {
	if resp.Result == nil {
		return nil
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil
	}
	return result.ServerInfo
}

// sseServerIdentity probes an event payload for an initialize result, so
// servers that answer the handshake over the event stream still get
// their identity recorded.
func sseServerIdentity(ev *mcp.SSEEvent) *mcp.ServerInfo {
	_, resp, ok := mcp.ParseMessage([]byte(ev.Data))
	if !ok || resp == nil {
		return nil
	}
	return initializeServer(resp)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(mcp.Response{
		JSONRPC: mcp.Version,
		Error:   &mcp.Error{Code: code, Message: message},
	})
}
