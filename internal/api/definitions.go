package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tanmoysrt/drift/internal/testdef"
	"github.com/tanmoysrt/drift/pkg/httpx"
)

func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var def testdef.TestDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
		created, err := s.defs.CreateDefinition(r.Context(), def)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "create_failed", err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		defs, err := s.defs.ListDefinitions(r.Context())
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "list_failed", err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, defs)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleDefinitionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/definitions/"))
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_definition_id", "definition id is required")
		return
	}
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	def, err := s.defs.GetDefinition(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, def)
}

func (s *Server) handleSetups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var setup testdef.TestSetup
	if err := json.NewDecoder(r.Body).Decode(&setup); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	created, err := s.defs.CreateSetup(r.Context(), setup)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "create_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}
