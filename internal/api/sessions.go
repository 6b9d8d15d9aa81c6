package api

import (
	"net/http"
	"strings"

	"github.com/tanmoysrt/drift/pkg/httpx"
)

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_session_id", "session id is required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sess, err := s.sessions.Get(r.Context(), id)
		if err != nil {
			httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, sess)
	case action == "destroy" && r.Method == http.MethodPost:
		if _, err := s.sessions.Get(r.Context(), id); err != nil {
			httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		// Local status follows via reconciliation or finalization, the
		// destroy itself only reaches out to the remote agent.
		if !s.manager.DestroyRemote(r.Context(), id) {
			httpx.WriteError(w, http.StatusBadGateway, "destroy_failed", "remote agent rejected session destruction")
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "destroy requested"})
	case action == "videos" && r.Method == http.MethodGet:
		urls, err := s.manager.VideoURLs(r.Context(), id)
		if err != nil {
			httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"videos": urls})
	case action == "videos" && r.Method == http.MethodDelete:
		if err := s.videos.DeleteDownloaded(r.Context(), id); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "delete_failed", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
