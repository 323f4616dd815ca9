// Package api exposes the capture log and server registry over an admin
// HTTP surface, separate from the proxied MCP traffic.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mcpscope/mcpscope/pkg/logging"
	"github.com/mcpscope/mcpscope/pkg/query"
	"github.com/mcpscope/mcpscope/pkg/registry"
)

// Server routes admin requests to the query engine and the registry.
type Server struct {
	engine   *query.Engine
	registry *registry.FileRegistry
	log      *slog.Logger
}

// NewServer creates the admin API surface.
func NewServer(engine *query.Engine, reg *registry.FileRegistry, log *slog.Logger) *Server {
	return &Server{
		engine:   engine,
		registry: reg,
		log:      logging.Component(log, "api"),
	}
}

// Handler returns the admin route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("DELETE /api/logs", s.handleClearLogs)
	mux.HandleFunc("GET /api/servers", s.handleServers)
	mux.HandleFunc("POST /api/servers", s.handleAddServer)
	mux.HandleFunc("DELETE /api/servers/{name}", s.handleRemoveServer)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/clients", s.handleClients)
	mux.HandleFunc("GET /api/methods", s.handleMethods)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}
