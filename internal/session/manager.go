package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tanmoysrt/drift/internal/agentclient"
	"github.com/tanmoysrt/drift/internal/browser"
	"github.com/tanmoysrt/drift/internal/server"
)

// ErrSessionCreationFailed is fatal to the caller; session creation is
// not retried automatically.
var ErrSessionCreationFailed = errors.New("failed to create browser session on the server")

// ConnectionError wraps any failure that happens while the live browser
// connection is open, so callers can tell "the script failed" apart from
// "we lost the remote agent".
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "browser session connection error: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// VideoSyncScheduler schedules the asynchronous video-id sync for a
// stopped session. Implemented by the video pipeline; deduplicated by
// session id on its side.
type VideoSyncScheduler interface {
	ScheduleVideoSync(ctx context.Context, sessionID string)
}

type Manager struct {
	sessions Service
	servers  server.Service
	clients  agentclient.Factory
	logger   *log.Logger

	videoSync VideoSyncScheduler
}

func NewManager(sessions Service, servers server.Service, clients agentclient.Factory, logger *log.Logger) *Manager {
	if clients == nil {
		clients = agentclient.DefaultFactory
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		sessions: sessions,
		servers:  servers,
		clients:  clients,
		logger:   logger,
	}
}

// SetVideoSync wires the video pipeline in after construction; the
// pipeline itself depends on the session service.
func (m *Manager) SetVideoSync(scheduler VideoSyncScheduler) {
	m.videoSync = scheduler
}

func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	return m.sessions.Get(ctx, id)
}

// Create allocates a browser session on the given server and records it
// locally as Active.
func (m *Manager) Create(ctx context.Context, srv server.Server) (Session, error) {
	client := m.clients(srv.Scheme, srv.Host, srv.AuthToken)
	created, ok := client.CreateSession(ctx)
	if !ok {
		return Session{}, ErrSessionCreationFailed
	}

	return m.sessions.Insert(ctx, InsertInput{
		ServerID:  srv.ID,
		RemoteID:  created.SessionID,
		Token:     created.AuthToken,
		Endpoint:  created.Endpoint,
		StartedOn: created.CreatedAt(),
	})
}

// MarkStopped finalizes the local record of a session that is gone
// remotely: duration is computed once, and the first stop advances the
// video pipeline from Draft to Triggered.
func (m *Manager) MarkStopped(ctx context.Context, sessionID string) error {
	stopped, transitioned, err := m.sessions.MarkStopped(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	if stopped.VideoDownloadStatus == DownloadDraft {
		advanced, err := m.sessions.AdvanceDownloadStatus(ctx, sessionID, DownloadDraft, DownloadTriggered)
		if err != nil {
			return err
		}
		if advanced && m.videoSync != nil {
			m.videoSync.ScheduleVideoSync(ctx, sessionID)
		}
	}
	return nil
}

// ListActiveByServer exposes active sessions to the server pool's
// reconciliation sweep.
func (m *Manager) ListActiveByServer(ctx context.Context, serverID string) ([]server.ActiveSession, error) {
	sessions, err := m.sessions.ListActiveByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	active := make([]server.ActiveSession, 0, len(sessions))
	for _, sess := range sessions {
		active = append(active, server.ActiveSession{ID: sess.ID, RemoteID: sess.RemoteID})
	}
	return active, nil
}

// DestroyRemote asks the agent to tear the session down. The local
// status is left alone: it moves to Stopped through the next
// reconciliation sweep, confirming the remote side actually went away.
func (m *Manager) DestroyRemote(ctx context.Context, sessionID string) bool {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		m.logger.Printf("destroy remote: session=%s err=%v", sessionID, err)
		return false
	}
	srv, err := m.servers.Get(ctx, sess.ServerID)
	if err != nil {
		m.logger.Printf("destroy remote: session=%s server=%s err=%v", sessionID, sess.ServerID, err)
		return false
	}
	client := m.clients(srv.Scheme, srv.Host, srv.AuthToken)
	return client.DestroySession(ctx, sess.RemoteID)
}

// WithBrowser runs fn against a fresh connection to the session's remote
// browser. The connection handle is always released; the browser itself
// keeps running until the session is destroyed on the agent.
func (m *Manager) WithBrowser(ctx context.Context, sess Session, fn func(*browser.Client) error) error {
	client, err := browser.Dial(ctx, sess.Endpoint, sess.Token)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer func() {
		_ = client.Close()
	}()

	if err := fn(client); err != nil {
		return &ConnectionError{Err: err}
	}
	return nil
}

// VideoURLs lists downloaded recording paths, available only once the
// session is stopped and fully downloaded.
func (m *Manager) VideoURLs(ctx context.Context, sessionID string) ([]string, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusStopped || sess.VideoDownloadStatus != DownloadDownloaded {
		return []string{}, nil
	}
	urls := make([]string, 0, len(sess.Videos))
	for _, video := range sess.Videos {
		if video.FileURLPath != "" {
			urls = append(urls, video.FileURLPath)
		}
	}
	return urls, nil
}
