package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tanmoysrt/drift/internal/server"
	"github.com/tanmoysrt/drift/internal/session"
	"github.com/tanmoysrt/drift/internal/testdef"
	"github.com/tanmoysrt/drift/pkg/httpx"
)

type createTestRequest struct {
	DefinitionID string `json:"definition_id"`
}

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createTestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
		if strings.TrimSpace(req.DefinitionID) == "" {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_definition_id", "definition_id is required")
			return
		}
		created, err := s.launcher.CreateTest(r.Context(), req.DefinitionID)
		switch {
		case errors.Is(err, testdef.ErrDefinitionNotFound):
			httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, server.ErrNoServerAvailable):
			httpx.WriteError(w, http.StatusServiceUnavailable, "no_server_available", err.Error())
		case errors.Is(err, session.ErrSessionCreationFailed):
			httpx.WriteError(w, http.StatusBadGateway, "session_creation_failed", err.Error())
		case err != nil:
			httpx.WriteError(w, http.StatusInternalServerError, "create_failed", err.Error())
		default:
			httpx.WriteJSON(w, http.StatusCreated, created)
		}
	case http.MethodGet:
		tests, err := s.tests.List(r.Context())
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "list_failed", err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, tests)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleTestByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/tests/"))
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_test_id", "test id is required")
		return
	}
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	t, err := s.tests.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}
