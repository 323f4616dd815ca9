package capture

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mcpscope/mcpscope/pkg/logging"
	"github.com/mcpscope/mcpscope/pkg/mcp"
)

// Exchange carries the transport-level context for one observed exchange.
// Client and Server identity, when present, are explicit observations
// (e.g. from an initialize handshake); otherwise the builder falls back to
// the correlator's last known identity for the session.
type Exchange struct {
	ServerName string
	SessionID  string
	HTTPStatus int
	UserAgent  string
	ClientIP   string
	Client     *mcp.ClientInfo
	Server     *mcp.ServerInfo
}

// RecordBuilder assembles validated capture records from observed traffic,
// consulting and updating the session correlator as it goes.
type RecordBuilder struct {
	correlator *SessionCorrelator
	log        *slog.Logger
	now        func() time.Time
}

// NewRecordBuilder creates a builder bound to one gateway's correlator.
func NewRecordBuilder(correlator *SessionCorrelator, log *slog.Logger) *RecordBuilder {
	if log == nil {
		log = logging.Nop()
	}
	return &RecordBuilder{
		correlator: correlator,
		log:        logging.Component(log, "capture"),
		now:        time.Now,
	}
}

// resolveIdentity applies the identity resolution order: an explicitly
// observed identity wins and is persisted back into the correlator; failing
// that, the correlator's last known identity for the session is used.
// Malformed identity payloads are dropped with a warning rather than
// failing the record — partial identity loss beats losing the exchange.
func (b *RecordBuilder) resolveIdentity(ex *Exchange) (*mcp.ClientInfo, *mcp.ServerInfo) {
	client := ex.Client
	if client != nil {
		if err := client.Validate(); err != nil {
			b.log.Warn("dropping malformed client identity",
				"session", ex.SessionID, "error", err)
			client = nil
		} else {
			b.correlator.StoreClientInfo(ex.SessionID, client)
		}
	}
	if client == nil {
		client = b.correlator.ClientInfo(ex.SessionID)
	}

	server := ex.Server
	if server != nil {
		if err := server.Validate(); err != nil {
			b.log.Warn("dropping malformed server identity",
				"session", ex.SessionID, "error", err)
			server = nil
		} else {
			b.correlator.StoreServerInfo(ex.SessionID, server)
		}
	}
	if server == nil {
		server = b.correlator.ServerInfo(ex.SessionID)
	}

	return client, server
}

func (b *RecordBuilder) metadata(ex *Exchange) Metadata {
	client, server := b.resolveIdentity(ex)
	return Metadata{
		ServerName: ex.ServerName,
		SessionID:  ex.SessionID,
		HTTPStatus: ex.HTTPStatus,
		Client:     client,
		Server:     server,
		UserAgent:  ex.UserAgent,
		ClientIP:   ex.ClientIP,
	}
}

// BuildRequest produces a record for an observed JSON-RPC request.
// Requests that expect a reply (non-nil id) are registered with the
// correlator so the matching response can claim a duration.
func (b *RecordBuilder) BuildRequest(ex *Exchange, req *mcp.Request) (*Record, error) {
	if req.ID != nil {
		b.correlator.TrackRequest(ex.SessionID, req.ID, req.Method)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Timestamp: b.now(),
		Method:    req.Method,
		ID:        req.ID,
		Metadata:  b.metadata(ex),
		Request:   payload,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// BuildResponse produces a record for an observed JSON-RPC response. The
// method is recovered from the pending request; the duration is claimed
// from the correlator, which removes the pending entry. An orphan response
// (no tracked request) records a zero duration and is still captured.
func (b *RecordBuilder) BuildResponse(ex *Exchange, resp *mcp.Response) (*Record, error) {
	method := MethodUnknown
	if m, ok := b.correlator.PendingMethod(ex.SessionID, resp.ID); ok {
		method = m
	}
	duration := b.correlator.ClaimDuration(ex.SessionID, resp.ID)

	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}

	md := b.metadata(ex)
	md.DurationMs = duration
	md.Tokens = tokenUsage(resp)

	rec := &Record{
		Timestamp: b.now(),
		Method:    method,
		ID:        resp.ID,
		Metadata:  md,
		Response:  payload,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// BuildSSEEvent produces a record for a server-sent event that does not
// carry a JSON-RPC message. The method is the synthesized sse-event
// placeholder and the correlation id is null.
func (b *RecordBuilder) BuildSSEEvent(ex *Exchange, ev *mcp.SSEEvent) (*Record, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	md := b.metadata(ex)
	md.SSEEventID = ev.ID
	md.SSEEventType = ev.Type

	rec := &Record{
		Timestamp: b.now(),
		Method:    MethodSSEEvent,
		Metadata:  md,
		SSEEvent:  payload,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// BuildSSEMessage produces a record for a server-sent event, detecting an
// embedded JSON-RPC request or response in the event data. Events whose
// data is not a JSON-RPC message fall back to a plain SSE event record.
func (b *RecordBuilder) BuildSSEMessage(ex *Exchange, ev *mcp.SSEEvent) (*Record, error) {
	req, resp, ok := mcp.ParseMessage([]byte(ev.Data))
	if !ok {
		return b.BuildSSEEvent(ex, ev)
	}

	var (
		rec *Record
		err error
	)
	if req != nil {
		rec, err = b.BuildRequest(ex, req)
	} else {
		rec, err = b.BuildResponse(ex, resp)
	}
	if err != nil {
		return nil, err
	}

	rec.Metadata.SSEEventID = ev.ID
	rec.Metadata.SSEEventType = ev.Type
	return rec, nil
}

// tokenUsage extracts a reported token count from a response result, when
// the downstream server includes one. Both camelCase and snake_case usage
// shapes are accepted.
func tokenUsage(resp *mcp.Response) *int64 {
	if resp.Result == nil {
		return nil
	}
	var probe struct {
		Usage *struct {
			TotalTokens      *int64 `json:"totalTokens"`
			TotalTokensSnake *int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(resp.Result, &probe); err != nil || probe.Usage == nil {
		return nil
	}
	if probe.Usage.TotalTokens != nil {
		return probe.Usage.TotalTokens
	}
	return probe.Usage.TotalTokensSnake
}
