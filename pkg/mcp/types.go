// Package mcp contains the JSON-RPC 2.0 and MCP wire types the gateway
// inspects while proxying traffic between clients and downstream servers.
package mcp

import (
	"encoding/json"
	"errors"
)

// Version is the JSON-RPC protocol version string.
const Version = "2.0"

// HeaderSessionID is the HTTP header carrying the MCP session identifier.
const HeaderSessionID = "Mcp-Session-Id"

// ContentTypeEventStream is the MIME type for SSE responses.
const ContentTypeEventStream = "text/event-stream"

// Request represents an incoming JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"` // string, number, or nil for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification returns true if this is a notification (no ID).
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ClientInfo identifies an MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Validate checks the identity payload shape. A client must at least
// carry a name; anything else is tolerated.
func (c *ClientInfo) Validate() error {
	if c == nil || c.Name == "" {
		return errors.New("client info missing name")
	}
	return nil
}

// ServerInfo identifies an MCP server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Validate checks the identity payload shape.
func (s *ServerInfo) Validate() error {
	if s == nil || s.Name == "" {
		return errors.New("server info missing name")
	}
	return nil
}

// InitializeParams is the subset of the MCP initialize request the
// gateway inspects to learn client identity.
type InitializeParams struct {
	ProtocolVersion string      `json:"protocolVersion"`
	ClientInfo      *ClientInfo `json:"clientInfo"`
}

// InitializeResult is the subset of the MCP initialize response the
// gateway inspects to learn server identity.
type InitializeResult struct {
	ProtocolVersion string      `json:"protocolVersion"`
	ServerInfo      *ServerInfo `json:"serverInfo"`
}

// MethodInitialize is the MCP session handshake method.
const MethodInitialize = "initialize"
