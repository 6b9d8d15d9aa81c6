package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tanmoysrt/drift/internal/agentclient"
	"github.com/tanmoysrt/drift/internal/artifact"
	"github.com/tanmoysrt/drift/internal/jobs"
	"github.com/tanmoysrt/drift/internal/server"
	"github.com/tanmoysrt/drift/internal/session"
	"github.com/tanmoysrt/drift/internal/test"
	"github.com/tanmoysrt/drift/internal/testdef"
	"github.com/tanmoysrt/drift/internal/testrunner"
	"github.com/tanmoysrt/drift/internal/video"
)

type fakeAgent struct {
	createOK  bool
	destroyed []string
}

func (f *fakeAgent) Health(ctx context.Context) (agentclient.Health, bool) {
	return agentclient.Health{}, true
}

func (f *fakeAgent) ListSessions(ctx context.Context) ([]agentclient.RemoteSession, bool) {
	return nil, true
}

func (f *fakeAgent) CreateSession(ctx context.Context) (agentclient.CreatedSession, bool) {
	if !f.createOK {
		return agentclient.CreatedSession{}, false
	}
	return agentclient.CreatedSession{
		SessionID: "remote_1",
		AuthToken: "sess-tok",
		Endpoint:  "ws://agent-1:8000/cdp/remote_1",
		CreatedOn: time.Now().Unix(),
	}, true
}

func (f *fakeAgent) SessionStatus(ctx context.Context, sessionID string) (string, bool) {
	return "active", true
}

func (f *fakeAgent) IsSessionActive(ctx context.Context, sessionID string) bool { return true }

func (f *fakeAgent) DestroySession(ctx context.Context, sessionID string) bool {
	f.destroyed = append(f.destroyed, sessionID)
	return true
}

func (f *fakeAgent) ListVideos(ctx context.Context, sessionID string) ([]string, bool) {
	return nil, true
}

func (f *fakeAgent) DeleteVideos(ctx context.Context, sessionID string) bool { return true }

func (f *fakeAgent) FetchVideo(ctx context.Context, sessionID, videoID string) ([]byte, bool) {
	return nil, false
}

type apiFixture struct {
	agent    *fakeAgent
	servers  *server.InMemoryService
	sessions *session.InMemoryService
	tests    *test.InMemoryService
	defs     *testdef.InMemoryService
	srv      *Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	agent := &fakeAgent{createOK: true}
	factory := func(scheme, host, token string) agentclient.Client { return agent }

	servers := server.NewInMemoryService()
	sessions := session.NewInMemoryService()
	tests := test.NewInMemoryService()
	defs := testdef.NewInMemoryService()
	queue := jobs.NewQueue(nil, jobs.Config{QueueSize: 64, Workers: 1}, nil)

	manager := session.NewManager(sessions, servers, factory, nil)
	pool := server.NewPool(servers, factory, queue, manager, nil)
	gateway := testrunner.ManagerGateway{Manager: manager}
	runner := testrunner.NewRunner(tests, defs, gateway, nil, nil, nil, queue, nil)
	launcher := testrunner.NewLauncher(defs, tests, pool, gateway, runner, nil)
	store := artifact.NewLocalStore(t.TempDir(), "/videos")
	videos := video.NewPipeline(sessions, servers, factory, store, queue, time.Minute, nil)

	return &apiFixture{
		agent:    agent,
		servers:  servers,
		sessions: sessions,
		tests:    tests,
		defs:     defs,
		srv:      NewServer(servers, pool, defs, tests, sessions, manager, launcher, videos),
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.srv.Routes().ServeHTTP(rr, req)
	return rr
}

func TestRegisterAndListServers(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/servers", []byte(`{"host":"agent-1:8000","auth_token":"tok","memory_mb":4096}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var created server.Server
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Host != "agent-1:8000" {
		t.Fatalf("unexpected server %+v", created)
	}

	rr = f.do(t, http.MethodGet, "/v1/servers", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var listed []server.Server
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one server, got %d", len(listed))
	}
}

func TestRegisterServerValidation(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/servers", []byte(`{"host":""}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCreateTestAllocatesSession(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	f.servers.Register(ctx, server.RegisterInput{Host: "agent-1:8000", AuthToken: "tok", MemoryMB: 4096})
	def, err := f.defs.CreateDefinition(ctx, testdef.TestDefinition{
		Title: "smoke",
		Steps: []testdef.StepDefinition{
			{Title: "open", Type: testdef.StepUINavigation, NavigationKind: testdef.NavigationGoto, GotoURL: "https://x"},
		},
	})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/v1/tests", []byte(`{"definition_id":"`+def.ID+`"}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var created test.Test
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("expected session allocated")
	}

	rr = f.do(t, http.MethodGet, "/v1/tests/"+created.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestCreateTestWithoutServers(t *testing.T) {
	f := newAPIFixture(t)
	def, _ := f.defs.CreateDefinition(context.Background(), testdef.TestDefinition{
		Title: "smoke",
		Steps: []testdef.StepDefinition{{Type: testdef.StepWait, WaitSeconds: 1}},
	})

	rr := f.do(t, http.MethodPost, "/v1/tests", []byte(`{"definition_id":"`+def.ID+`"}`))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCreateTestWhenAgentRejectsSession(t *testing.T) {
	f := newAPIFixture(t)
	f.agent.createOK = false
	ctx := context.Background()
	f.servers.Register(ctx, server.RegisterInput{Host: "agent-1:8000", AuthToken: "tok", MemoryMB: 4096})
	def, _ := f.defs.CreateDefinition(ctx, testdef.TestDefinition{
		Title: "smoke",
		Steps: []testdef.StepDefinition{{Type: testdef.StepWait, WaitSeconds: 1}},
	})

	rr := f.do(t, http.MethodPost, "/v1/tests", []byte(`{"definition_id":"`+def.ID+`"}`))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCreateTestUnknownDefinition(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/tests", []byte(`{"definition_id":"testdef_missing"}`))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDestroySession(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	srv, _ := f.servers.Register(ctx, server.RegisterInput{Host: "agent-1:8000", AuthToken: "tok", MemoryMB: 4096})
	sess, err := f.sessions.Insert(ctx, session.InsertInput{
		ServerID: srv.ID, RemoteID: "remote_1", Token: "t", Endpoint: "ws://x", StartedOn: time.Now(),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/destroy", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(f.agent.destroyed) != 1 || f.agent.destroyed[0] != "remote_1" {
		t.Fatalf("unexpected destroys %v", f.agent.destroyed)
	}

	// Local status stays Active until reconciliation confirms.
	got, _ := f.sessions.Get(ctx, sess.ID)
	if got.Status != session.StatusActive {
		t.Fatalf("expected Active, got %q", got.Status)
	}

	rr = f.do(t, http.MethodPost, "/v1/sessions/session_missing/destroy", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSessionVideos(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	srv, _ := f.servers.Register(ctx, server.RegisterInput{Host: "agent-1:8000", AuthToken: "tok", MemoryMB: 4096})
	sess, _ := f.sessions.Insert(ctx, session.InsertInput{
		ServerID: srv.ID, RemoteID: "remote_1", Token: "t", Endpoint: "ws://x",
		StartedOn: time.Now().Add(-time.Hour),
	})
	f.sessions.MarkStopped(ctx, sess.ID, time.Now())
	f.sessions.AdvanceDownloadStatus(ctx, sess.ID, session.DownloadDraft, session.DownloadTriggered)
	f.sessions.SetVideos(ctx, sess.ID, []session.Video{
		{ID: "v1", Status: session.VideoDownloaded, FilePath: "/data/v1", FileURLPath: "/videos/s/v1.webm"},
	})
	f.sessions.AdvanceDownloadStatus(ctx, sess.ID, session.DownloadTriggered, session.DownloadDownloading)
	f.sessions.AdvanceDownloadStatus(ctx, sess.ID, session.DownloadDownloading, session.DownloadDownloaded)

	rr := f.do(t, http.MethodGet, "/v1/sessions/"+sess.ID+"/videos", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Videos []string `json:"videos"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Videos) != 1 || resp.Videos[0] != "/videos/s/v1.webm" {
		t.Fatalf("unexpected videos %v", resp.Videos)
	}

	rr = f.do(t, http.MethodGet, "/v1/sessions/session_missing/videos", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
