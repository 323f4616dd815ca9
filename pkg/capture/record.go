// Package capture turns observed MCP traffic into durable log records.
//
// The package holds the record schema, the per-gateway session correlator,
// the record builder, and the storage backend contract. Persistence
// implementations live in pkg/logstore.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcpscope/mcpscope/pkg/mcp"
)

// MethodSSEEvent is the synthesized method name for server-sent events
// that do not carry a JSON-RPC message.
const MethodSSEEvent = "sse-event"

// MethodUnknown is the synthesized method name for orphan responses whose
// request was never observed, so no method can be recovered.
const MethodUnknown = "unknown"

// ErrInvalidRecord indicates a record that violates the capture schema.
// Builder validation failures wrap this sentinel.
var ErrInvalidRecord = errors.New("invalid capture record")

// Metadata carries the exchange context attached to every record.
type Metadata struct {
	ServerName   string          `json:"serverName"`
	SessionID    string          `json:"sessionId"`
	DurationMs   int64           `json:"durationMs"`
	HTTPStatus   int             `json:"httpStatus,omitempty"`
	Client       *mcp.ClientInfo `json:"client,omitempty"`
	Server       *mcp.ServerInfo `json:"server,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
	ClientIP     string          `json:"clientIp,omitempty"`
	SSEEventID   string          `json:"sseEventId,omitempty"`
	SSEEventType string          `json:"sseEventType,omitempty"`

	// Tokens is the token usage reported by the downstream server for
	// this exchange, when the response payload carries one.
	Tokens *int64 `json:"tokens,omitempty"`
}

// Record is the atomic unit of capture: one observed request, response,
// or server-sent event. Exactly one payload field is set. Records are
// immutable once written to a backend.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	ID        any       `json:"id"`
	Metadata  Metadata  `json:"metadata"`

	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	SSEEvent json.RawMessage `json:"sseEvent,omitempty"`
}

// Validate enforces the capture schema invariants. The builder calls it
// before any write; a failure means a builder bug and aborts the record.
func (r *Record) Validate() error {
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp not set", ErrInvalidRecord)
	}
	if r.Method == "" {
		return fmt.Errorf("%w: method not set", ErrInvalidRecord)
	}
	if r.Metadata.ServerName == "" {
		return fmt.Errorf("%w: server name not set", ErrInvalidRecord)
	}
	if r.Metadata.SessionID == "" {
		return fmt.Errorf("%w: session id not set", ErrInvalidRecord)
	}
	if r.Metadata.DurationMs < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidRecord)
	}

	payloads := 0
	if r.Request != nil {
		payloads++
	}
	if r.Response != nil {
		payloads++
	}
	if r.SSEEvent != nil {
		payloads++
	}
	if payloads != 1 {
		return fmt.Errorf("%w: exactly one payload required, got %d", ErrInvalidRecord, payloads)
	}

	switch {
	case r.ID != nil:
		if _, ok := mcp.CanonicalID(r.ID); !ok {
			return fmt.Errorf("%w: unrepresentable correlation id", ErrInvalidRecord)
		}
	case r.Response != nil:
		// Responses without an id are tolerated (error responses to
		// unparseable requests carry a null id).
	}

	return nil
}
