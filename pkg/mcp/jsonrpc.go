package mcp

import (
	"encoding/json"
	"strconv"
)

// ParseRequest parses a JSON-RPC request from bytes.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func validateRequest(req *Request) error {
	if req.JSONRPC != Version {
		return &Error{Code: ErrCodeInvalidRequest, Message: `jsonrpc must be "2.0"`}
	}
	if req.Method == "" {
		return &Error{Code: ErrCodeInvalidRequest, Message: "method is required"}
	}
	return nil
}

// Error implements the error interface so an *Error can travel as a Go error.
func (e *Error) Error() string {
	return strconv.Itoa(e.Code) + ": " + e.Message
}

// ParseResponse parses a JSON-RPC response from bytes. A payload without a
// result or error member is not a response.
func ParseResponse(data []byte) (*Response, bool) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	if resp.JSONRPC != Version {
		return nil, false
	}
	if resp.Result == nil && resp.Error == nil {
		return nil, false
	}
	return &resp, true
}

// ParseMessage sniffs a JSON payload for an embedded JSON-RPC message.
// SSE streams from MCP servers interleave plain events with full JSON-RPC
// requests and responses; exactly one of the returns is non-nil on success.
func ParseMessage(data []byte) (*Request, *Response, bool) {
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.JSONRPC != Version {
		return nil, nil, false
	}

	if probe.Method != "" {
		req, err := ParseRequest(data)
		if err != nil {
			return nil, nil, false
		}
		return req, nil, true
	}

	if resp, ok := ParseResponse(data); ok {
		return nil, resp, true
	}
	return nil, nil, false
}

// CanonicalID renders a JSON-RPC id as a map key. Numeric ids decoded by
// encoding/json arrive as float64; integral values are rendered without a
// fraction so 7 and "7" stay distinguishable from 7.5.
// Returns false for nil (notification) ids.
func CanonicalID(id any) (string, bool) {
	switch v := id.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + v, true
	case float64:
		return "n:" + strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return "n:" + strconv.Itoa(v), true
	case int64:
		return "n:" + strconv.FormatInt(v, 10), true
	case json.Number:
		return "n:" + v.String(), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return "j:" + string(b), true
	}
}

// EncodeID renders a JSON-RPC id as its JSON text, for storage in a
// nullable text column. Returns false for nil ids.
func EncodeID(id any) (string, bool) {
	if id == nil {
		return "", false
	}
	b, err := json.Marshal(id)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// DecodeID parses a stored JSON id text back into its dynamic form.
func DecodeID(s string) any {
	if s == "" {
		return nil
	}
	var id any
	if err := json.Unmarshal([]byte(s), &id); err != nil {
		return s
	}
	return id
}
