package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcpscope/mcpscope/pkg/capture"
	"github.com/mcpscope/mcpscope/pkg/query"
	"github.com/mcpscope/mcpscope/pkg/registry"
)

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	opts, err := query.ParseQueryOptions(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.engine.Logs(r.Context(), opts)
	if err != nil {
		if errors.Is(err, capture.ErrInvalidFilter) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if result.Data == nil {
		result.Data = []*capture.Record{}
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Clear(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.engine.Servers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if servers == nil {
		servers = []query.ServerSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var entry registry.ServerEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	added, err := s.registry.Add(entry)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrDuplicate) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Remove(name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.Sessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []capture.SessionAggregate{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.engine.Clients(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if clients == nil {
		clients = []capture.ClientAggregate{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := s.engine.Methods(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if methods == nil {
		methods = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"methods": methods})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
