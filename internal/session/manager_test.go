package session

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/tanmoysrt/drift/internal/agentclient"
	"github.com/tanmoysrt/drift/internal/server"
)

type fakeAgent struct {
	createOK   bool
	created    agentclient.CreatedSession
	destroyOK  bool
	destroyed  []string
}

func (f *fakeAgent) Health(context.Context) (agentclient.Health, bool) {
	return agentclient.Health{}, false
}
func (f *fakeAgent) ListSessions(context.Context) ([]agentclient.RemoteSession, bool) {
	return nil, false
}
func (f *fakeAgent) CreateSession(context.Context) (agentclient.CreatedSession, bool) {
	return f.created, f.createOK
}
func (f *fakeAgent) SessionStatus(context.Context, string) (string, bool) { return "", false }
func (f *fakeAgent) IsSessionActive(context.Context, string) bool         { return false }
func (f *fakeAgent) DestroySession(_ context.Context, id string) bool {
	f.destroyed = append(f.destroyed, id)
	return f.destroyOK
}
func (f *fakeAgent) ListVideos(context.Context, string) ([]string, bool) { return nil, false }
func (f *fakeAgent) DeleteVideos(context.Context, string) bool           { return false }
func (f *fakeAgent) FetchVideo(context.Context, string, string) ([]byte, bool) {
	return nil, false
}

type recordingScheduler struct {
	scheduled []string
}

func (r *recordingScheduler) ScheduleVideoSync(_ context.Context, sessionID string) {
	r.scheduled = append(r.scheduled, sessionID)
}

func testManager(agent *fakeAgent) (*Manager, *InMemoryService, server.Service) {
	sessions := NewInMemoryService()
	servers := server.NewInMemoryService()
	factory := func(string, string, string) agentclient.Client { return agent }
	manager := NewManager(sessions, servers, factory, log.New(io.Discard, "", 0))
	return manager, sessions, servers
}

func TestCreatePersistsActiveSession(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{
		createOK: true,
		created: agentclient.CreatedSession{
			SessionID: "remote-1",
			AuthToken: "tok",
			Endpoint:  "ws://agent/cdp/remote-1",
			CreatedOn: 1700000000,
		},
	}
	manager, sessions, servers := testManager(agent)
	srv, err := servers.Register(ctx, server.RegisterInput{Host: "h", AuthToken: "t", MemoryMB: 1024})
	if err != nil {
		t.Fatal(err)
	}

	created, err := manager.Create(ctx, srv)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != StatusActive {
		t.Fatalf("status = %s, want Active", created.Status)
	}
	if created.RemoteID != "remote-1" || created.Endpoint != "ws://agent/cdp/remote-1" {
		t.Fatalf("unexpected session: %+v", created)
	}
	if created.StartedOn.Unix() != 1700000000 {
		t.Fatalf("started on = %v", created.StartedOn)
	}

	stored, err := sessions.Get(ctx, created.ID)
	if err != nil || stored.VideoDownloadStatus != DownloadDraft {
		t.Fatalf("stored session: %+v err=%v", stored, err)
	}
}

func TestCreateFailureIsFatal(t *testing.T) {
	manager, _, servers := testManager(&fakeAgent{createOK: false})
	srv, _ := servers.Register(context.Background(), server.RegisterInput{Host: "h", AuthToken: "t", MemoryMB: 1024})

	if _, err := manager.Create(context.Background(), srv); !errors.Is(err, ErrSessionCreationFailed) {
		t.Fatalf("expected ErrSessionCreationFailed, got %v", err)
	}
}

func TestMarkStoppedSetsDurationOnceAndTriggersVideoSync(t *testing.T) {
	ctx := context.Background()
	manager, sessions, _ := testManager(&fakeAgent{})
	scheduler := &recordingScheduler{}
	manager.SetVideoSync(scheduler)

	created, err := sessions.Insert(ctx, InsertInput{
		ServerID:  "srv_1",
		RemoteID:  "remote-1",
		StartedOn: time.Now().UTC().Add(-90 * time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := manager.MarkStopped(ctx, created.ID); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}

	stopped, _ := sessions.Get(ctx, created.ID)
	if stopped.Status != StatusStopped || stopped.EndedOn == nil {
		t.Fatalf("session not stopped: %+v", stopped)
	}
	if stopped.DurationSeconds < 89 || stopped.DurationSeconds > 92 {
		t.Fatalf("duration = %d, want ~90", stopped.DurationSeconds)
	}
	if stopped.VideoDownloadStatus != DownloadTriggered {
		t.Fatalf("download status = %s, want Triggered", stopped.VideoDownloadStatus)
	}
	if len(scheduler.scheduled) != 1 || scheduler.scheduled[0] != created.ID {
		t.Fatalf("scheduled = %v", scheduler.scheduled)
	}

	// A second stop is a no-op: duration untouched, no re-trigger.
	firstEnded := *stopped.EndedOn
	if err := manager.MarkStopped(ctx, created.ID); err != nil {
		t.Fatalf("second mark stopped: %v", err)
	}
	again, _ := sessions.Get(ctx, created.ID)
	if !again.EndedOn.Equal(firstEnded) {
		t.Fatal("ended_on must be set exactly once")
	}
	if len(scheduler.scheduled) != 1 {
		t.Fatalf("video sync re-triggered: %v", scheduler.scheduled)
	}
}

func TestDownloadStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	sessions := NewInMemoryService()
	created, _ := sessions.Insert(ctx, InsertInput{ServerID: "srv", RemoteID: "r"})

	if _, err := sessions.AdvanceDownloadStatus(ctx, created.ID, DownloadDraft, DownloadTriggered); err != nil {
		t.Fatal(err)
	}
	if _, err := sessions.AdvanceDownloadStatus(ctx, created.ID, DownloadTriggered, DownloadDraft); err == nil {
		t.Fatal("expected backward transition to be rejected")
	}

	// CAS semantics: advancing from a stale `from` is a no-op.
	advanced, err := sessions.AdvanceDownloadStatus(ctx, created.ID, DownloadDraft, DownloadDownloading)
	if err != nil {
		t.Fatal(err)
	}
	if advanced {
		t.Fatal("advance from stale state must not apply")
	}
}

func TestDestroyRemoteLeavesLocalStatusAlone(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{destroyOK: true}
	manager, sessions, servers := testManager(agent)
	srv, _ := servers.Register(ctx, server.RegisterInput{Host: "h", AuthToken: "t", MemoryMB: 1024})
	created, _ := sessions.Insert(ctx, InsertInput{ServerID: srv.ID, RemoteID: "remote-1"})

	if !manager.DestroyRemote(ctx, created.ID) {
		t.Fatal("expected destroy to report success")
	}
	if len(agent.destroyed) != 1 || agent.destroyed[0] != "remote-1" {
		t.Fatalf("destroyed = %v", agent.destroyed)
	}

	after, _ := sessions.Get(ctx, created.ID)
	if after.Status != StatusActive {
		t.Fatalf("local status = %s; destruction must wait for reconciliation", after.Status)
	}
}

func TestVideoURLsOnlyWhenStoppedAndDownloaded(t *testing.T) {
	ctx := context.Background()
	manager, sessions, _ := testManager(&fakeAgent{})
	created, _ := sessions.Insert(ctx, InsertInput{ServerID: "srv", RemoteID: "r"})
	_ = sessions.SetVideos(ctx, created.ID, []Video{
		{ID: "v1", Status: VideoDownloaded, FileURLPath: "/videos/v1.webm"},
	})

	urls, err := manager.VideoURLs(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 0 {
		t.Fatalf("urls for active session = %v, want none", urls)
	}

	_, _, _ = sessions.MarkStopped(ctx, created.ID, time.Now().UTC())
	for _, transition := range [][2]DownloadStatus{
		{DownloadDraft, DownloadTriggered},
		{DownloadTriggered, DownloadDownloading},
		{DownloadDownloading, DownloadDownloaded},
	} {
		if _, err := sessions.AdvanceDownloadStatus(ctx, created.ID, transition[0], transition[1]); err != nil {
			t.Fatal(err)
		}
	}

	urls, err = manager.VideoURLs(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 1 || urls[0] != "/videos/v1.webm" {
		t.Fatalf("urls = %v", urls)
	}
}
