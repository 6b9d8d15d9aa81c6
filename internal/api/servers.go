package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tanmoysrt/drift/internal/server"
	"github.com/tanmoysrt/drift/pkg/httpx"
)

type registerServerRequest struct {
	Host      string `json:"host"`
	Scheme    string `json:"scheme"`
	AuthToken string `json:"auth_token"`
	MemoryMB  int    `json:"memory_mb"`
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req registerServerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
		created, err := s.servers.Register(r.Context(), server.RegisterInput{
			Host:      strings.TrimSpace(req.Host),
			Scheme:    strings.TrimSpace(req.Scheme),
			AuthToken: req.AuthToken,
			MemoryMB:  req.MemoryMB,
		})
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "register_failed", err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		servers, err := s.servers.List(r.Context())
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "list_failed", err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, servers)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleServerByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/servers/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_server_id", "server id is required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		srv, err := s.servers.Get(r.Context(), id)
		if err != nil {
			httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, srv)
	case action == "sync" && r.Method == http.MethodPost:
		if err := s.pool.SyncHealth(r.Context(), id); err != nil {
			httpx.WriteError(w, http.StatusBadGateway, "sync_failed", err.Error())
			return
		}
		srv, err := s.servers.Get(r.Context(), id)
		if err != nil {
			httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, srv)
	case action == "status" && r.Method == http.MethodPost:
		var req struct {
			Status server.Status `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
		if req.Status != server.StatusActive && req.Status != server.StatusDisabled {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_status", "status must be Active or Disabled")
			return
		}
		if err := s.servers.SetStatus(r.Context(), id, req.Status); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "status_failed", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
