// Package api exposes the control plane over HTTP: server
// registration, test definitions, launching runs and session
// inspection.
package api

import (
	"net/http"

	"github.com/tanmoysrt/drift/internal/server"
	"github.com/tanmoysrt/drift/internal/session"
	"github.com/tanmoysrt/drift/internal/test"
	"github.com/tanmoysrt/drift/internal/testdef"
	"github.com/tanmoysrt/drift/internal/testrunner"
	"github.com/tanmoysrt/drift/internal/video"
	"github.com/tanmoysrt/drift/pkg/httpx"
)

type Server struct {
	servers  server.Service
	pool     *server.Pool
	defs     testdef.Service
	tests    test.Service
	sessions session.Service
	manager  *session.Manager
	launcher *testrunner.Launcher
	videos   *video.Pipeline
}

func NewServer(servers server.Service, pool *server.Pool, defs testdef.Service, tests test.Service, sessions session.Service, manager *session.Manager, launcher *testrunner.Launcher, videos *video.Pipeline) *Server {
	return &Server{
		servers:  servers,
		pool:     pool,
		defs:     defs,
		tests:    tests,
		sessions: sessions,
		manager:  manager,
		launcher: launcher,
		videos:   videos,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/servers", s.handleServers)
	mux.HandleFunc("/v1/servers/", s.handleServerByID)
	mux.HandleFunc("/v1/definitions", s.handleDefinitions)
	mux.HandleFunc("/v1/definitions/", s.handleDefinitionByID)
	mux.HandleFunc("/v1/setups", s.handleSetups)
	mux.HandleFunc("/v1/tests", s.handleTests)
	mux.HandleFunc("/v1/tests/", s.handleTestByID)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSessionByID)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
