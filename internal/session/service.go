package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "Active"
	StatusStopped Status = "Stopped"
)

type DownloadStatus string

const (
	DownloadDraft       DownloadStatus = "Draft"
	DownloadTriggered   DownloadStatus = "Triggered"
	DownloadDownloading DownloadStatus = "Downloading"
	DownloadDownloaded  DownloadStatus = "Downloaded"
	DownloadDeleted     DownloadStatus = "Deleted"
)

// downloadRank orders the forward-only download pipeline.
var downloadRank = map[DownloadStatus]int{
	DownloadDraft:       0,
	DownloadTriggered:   1,
	DownloadDownloading: 2,
	DownloadDownloaded:  3,
	DownloadDeleted:     4,
}

type VideoStatus string

const (
	VideoPending        VideoStatus = "Pending"
	VideoDownloaded     VideoStatus = "Downloaded"
	VideoDownloadFailed VideoStatus = "Download Failed"
	VideoDeleted        VideoStatus = "Deleted"
)

var ErrSessionNotFound = errors.New("session not found")

type Video struct {
	ID          string      `json:"id"`
	Status      VideoStatus `json:"status"`
	FilePath    string      `json:"file_path,omitempty"`
	FileURLPath string      `json:"file_url_path,omitempty"`
}

type Session struct {
	ID                     string         `json:"id"`
	ServerID               string         `json:"server_id"`
	RemoteID               string         `json:"remote_id"`
	Token                  string         `json:"-"`
	Endpoint               string         `json:"endpoint"`
	Status                 Status         `json:"status"`
	StartedOn              time.Time      `json:"started_on"`
	EndedOn                *time.Time     `json:"ended_on,omitempty"`
	DurationSeconds        int64          `json:"duration_seconds"`
	VideoDownloadStatus    DownloadStatus `json:"video_download_status"`
	PurgedVideosFromServer bool           `json:"purged_videos_from_server"`
	Videos                 []Video        `json:"videos,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
}

type InsertInput struct {
	ServerID  string
	RemoteID  string
	Token     string
	Endpoint  string
	StartedOn time.Time
}

type VideoRef struct {
	SessionID string
	VideoID   string
}

type Service interface {
	Insert(ctx context.Context, input InsertInput) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context) ([]Session, error)
	ListActiveByServer(ctx context.Context, serverID string) ([]Session, error)
	// MarkStopped transitions Active to Stopped, setting ended_on and the
	// duration exactly once. The bool reports whether the transition
	// happened on this call.
	MarkStopped(ctx context.Context, id string, endedOn time.Time) (Session, bool, error)
	// AdvanceDownloadStatus moves the download status forward from an
	// expected current value; it never regresses and never skips the
	// compare. Returns false when the session was not in `from`.
	AdvanceDownloadStatus(ctx context.Context, id string, from, to DownloadStatus) (bool, error)
	SetVideos(ctx context.Context, id string, videos []Video) error
	UpdateVideo(ctx context.Context, sessionID, videoID string, status VideoStatus, filePath, fileURLPath string) error
	SetPurged(ctx context.Context, id string) error
	ListForVideoTrigger(ctx context.Context, endedBefore time.Time) ([]Session, error)
	ListByDownloadStatus(ctx context.Context, status DownloadStatus) ([]Session, error)
	ListPendingVideos(ctx context.Context) ([]VideoRef, error)
	ListUnpurged(ctx context.Context) ([]Session, error)
}

type InMemoryService struct {
	mu    sync.RWMutex
	items map[string]Session
}

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{items: make(map[string]Session)}
}

func (s *InMemoryService) Insert(_ context.Context, input InsertInput) (Session, error) {
	if strings.TrimSpace(input.ServerID) == "" {
		return Session{}, errors.New("server_id is required")
	}
	if strings.TrimSpace(input.RemoteID) == "" {
		return Session{}, errors.New("remote session id is required")
	}

	now := time.Now().UTC()
	startedOn := input.StartedOn.UTC()
	if startedOn.IsZero() {
		startedOn = now
	}
	created := Session{
		ID:                  "session_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		ServerID:            input.ServerID,
		RemoteID:            input.RemoteID,
		Token:               input.Token,
		Endpoint:            input.Endpoint,
		Status:              StatusActive,
		StartedOn:           startedOn,
		VideoDownloadStatus: DownloadDraft,
		CreatedAt:           now,
	}

	s.mu.Lock()
	s.items[created.ID] = created
	s.mu.Unlock()

	return created, nil
}

func (s *InMemoryService) Get(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, ok := s.items[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(found), nil
}

func (s *InMemoryService) List(_ context.Context) ([]Session, error) {
	return s.filter(func(Session) bool { return true }), nil
}

func (s *InMemoryService) ListActiveByServer(_ context.Context, serverID string) ([]Session, error) {
	return s.filter(func(sess Session) bool {
		return sess.ServerID == serverID && sess.Status == StatusActive
	}), nil
}

func (s *InMemoryService) MarkStopped(_ context.Context, id string, endedOn time.Time) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[id]
	if !ok {
		return Session{}, false, ErrSessionNotFound
	}
	if existing.Status == StatusStopped {
		return cloneSession(existing), false, nil
	}

	endedOn = endedOn.UTC()
	if endedOn.IsZero() {
		endedOn = time.Now().UTC()
	}
	existing.Status = StatusStopped
	existing.EndedOn = &endedOn
	existing.DurationSeconds = int64(endedOn.Sub(existing.StartedOn).Seconds())
	s.items[id] = existing
	return cloneSession(existing), true, nil
}

func (s *InMemoryService) AdvanceDownloadStatus(_ context.Context, id string, from, to DownloadStatus) (bool, error) {
	if downloadRank[to] <= downloadRank[from] {
		return false, errors.New("video download status can only advance forward")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	if existing.VideoDownloadStatus != from {
		return false, nil
	}
	existing.VideoDownloadStatus = to
	s.items[id] = existing
	return true, nil
}

func (s *InMemoryService) SetVideos(_ context.Context, id string, videos []Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[id]
	if !ok {
		return ErrSessionNotFound
	}
	existing.Videos = append([]Video(nil), videos...)
	s.items[id] = existing
	return nil
}

func (s *InMemoryService) UpdateVideo(_ context.Context, sessionID, videoID string, status VideoStatus, filePath, fileURLPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for i, video := range existing.Videos {
		if video.ID != videoID {
			continue
		}
		existing.Videos[i].Status = status
		existing.Videos[i].FilePath = filePath
		existing.Videos[i].FileURLPath = fileURLPath
		s.items[sessionID] = existing
		return nil
	}
	return errors.New("video not found")
}

func (s *InMemoryService) SetPurged(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[id]
	if !ok {
		return ErrSessionNotFound
	}
	existing.PurgedVideosFromServer = true
	s.items[id] = existing
	return nil
}

func (s *InMemoryService) ListForVideoTrigger(_ context.Context, endedBefore time.Time) ([]Session, error) {
	return s.filter(func(sess Session) bool {
		return sess.Status == StatusStopped &&
			sess.VideoDownloadStatus == DownloadTriggered &&
			sess.EndedOn != nil && sess.EndedOn.Before(endedBefore)
	}), nil
}

func (s *InMemoryService) ListByDownloadStatus(_ context.Context, status DownloadStatus) ([]Session, error) {
	return s.filter(func(sess Session) bool {
		return sess.Status == StatusStopped && sess.VideoDownloadStatus == status
	}), nil
}

func (s *InMemoryService) ListPendingVideos(_ context.Context) ([]VideoRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]VideoRef, 0)
	for _, sess := range s.items {
		for _, video := range sess.Videos {
			if video.Status == VideoPending {
				refs = append(refs, VideoRef{SessionID: sess.ID, VideoID: video.ID})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].SessionID != refs[j].SessionID {
			return refs[i].SessionID < refs[j].SessionID
		}
		return refs[i].VideoID < refs[j].VideoID
	})
	return refs, nil
}

func (s *InMemoryService) ListUnpurged(_ context.Context) ([]Session, error) {
	return s.filter(func(sess Session) bool {
		return sess.VideoDownloadStatus == DownloadDownloaded && !sess.PurgedVideosFromServer
	}), nil
}

func (s *InMemoryService) filter(keep func(Session) bool) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]Session, 0)
	for _, sess := range s.items {
		if keep(sess) {
			sessions = append(sessions, cloneSession(sess))
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

func cloneSession(sess Session) Session {
	cloned := sess
	cloned.Videos = append([]Video(nil), sess.Videos...)
	if sess.EndedOn != nil {
		endedOn := *sess.EndedOn
		cloned.EndedOn = &endedOn
	}
	return cloned
}
