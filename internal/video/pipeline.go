// Package video reconciles session recordings: it discovers video ids
// on the remote agent once a session stops, downloads them into the
// artifact store, advances the per-session download status and purges
// the remote copies afterwards.
package video

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tanmoysrt/drift/internal/agentclient"
	"github.com/tanmoysrt/drift/internal/artifact"
	"github.com/tanmoysrt/drift/internal/jobs"
	"github.com/tanmoysrt/drift/internal/server"
	"github.com/tanmoysrt/drift/internal/session"
)

const (
	syncKeyPrefix     = "sync_video_ids_and_download||"
	downloadKeyPrefix = "download_session_video||"
)

var errAgentCall = errors.New("agent call failed")

type Pipeline struct {
	sessions session.Service
	servers  server.Service
	clients  agentclient.Factory
	store    artifact.Store
	queue    *jobs.Queue
	logger   *log.Logger

	// settleDelay keeps freshly stopped sessions out of the trigger
	// sweep until the agent has flushed its recording to disk.
	settleDelay time.Duration
}

func NewPipeline(sessions session.Service, servers server.Service, clients agentclient.Factory, store artifact.Store, queue *jobs.Queue, settleDelay time.Duration, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	if settleDelay <= 0 {
		settleDelay = 2 * time.Minute
	}
	return &Pipeline{
		sessions:    sessions,
		servers:     servers,
		clients:     clients,
		store:       store,
		queue:       queue,
		logger:      logger,
		settleDelay: settleDelay,
	}
}

// ScheduleVideoSync enqueues an id sync plus download for the session.
// The dedupe key makes re-triggering a no-op while one is pending.
func (p *Pipeline) ScheduleVideoSync(ctx context.Context, sessionID string) {
	queued, err := p.queue.Enqueue(ctx, jobs.Job{
		Key: syncKeyPrefix + sessionID,
		Run: func(ctx context.Context) error {
			if err := p.SyncVideoIDs(ctx, sessionID); err != nil {
				return err
			}
			return p.downloadAll(ctx, sessionID)
		},
	})
	if err != nil {
		p.logger.Printf("video: schedule sync for %s: %v", sessionID, err)
		return
	}
	if !queued {
		p.logger.Printf("video: sync for %s already pending", sessionID)
	}
}

// SyncVideoIDs lists recordings on the remote agent and seeds one
// Pending video per id. It only acts on Triggered sessions with no
// videos recorded yet, so running it twice is a no-op the second time.
func (p *Pipeline) SyncVideoIDs(ctx context.Context, sessionID string) error {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.VideoDownloadStatus != session.DownloadTriggered || len(sess.Videos) > 0 {
		return nil
	}

	client, err := p.client(ctx, sess)
	if err != nil {
		return err
	}
	ids, ok := client.ListVideos(ctx, sess.RemoteID)
	if !ok {
		return fmt.Errorf("list videos for session %s: %w", sessionID, errAgentCall)
	}

	if len(ids) == 0 {
		// Nothing was recorded: skip straight to Downloaded so the purge
		// sweep can still clear the remote side.
		_, err := p.sessions.AdvanceDownloadStatus(ctx, sessionID, session.DownloadTriggered, session.DownloadDownloaded)
		return err
	}

	videos := make([]session.Video, len(ids))
	for i, id := range ids {
		videos[i] = session.Video{ID: id, Status: session.VideoPending}
	}
	if err := p.sessions.SetVideos(ctx, sessionID, videos); err != nil {
		return err
	}
	_, err = p.sessions.AdvanceDownloadStatus(ctx, sessionID, session.DownloadTriggered, session.DownloadDownloading)
	return err
}

// DownloadOne fetches a single recording and stores it. Already
// downloaded videos are skipped; a failed fetch marks the video
// Download Failed and is not retried automatically.
func (p *Pipeline) DownloadOne(ctx context.Context, sessionID, videoID string) error {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	var video *session.Video
	for i := range sess.Videos {
		if sess.Videos[i].ID == videoID {
			video = &sess.Videos[i]
			break
		}
	}
	if video == nil {
		return fmt.Errorf("video %s not found on session %s", videoID, sessionID)
	}
	if video.Status != session.VideoPending {
		return nil
	}

	client, err := p.client(ctx, sess)
	if err != nil {
		return err
	}
	data, ok := client.FetchVideo(ctx, sess.RemoteID, videoID)
	if !ok {
		if updateErr := p.sessions.UpdateVideo(ctx, sessionID, videoID, session.VideoDownloadFailed, "", ""); updateErr != nil {
			return updateErr
		}
		return fmt.Errorf("fetch video %s of session %s: %w", videoID, sessionID, errAgentCall)
	}

	storagePath, urlPath, err := p.store.Save(ctx, sessionID, videoID, data)
	if err != nil {
		if updateErr := p.sessions.UpdateVideo(ctx, sessionID, videoID, session.VideoDownloadFailed, "", ""); updateErr != nil {
			return updateErr
		}
		return err
	}
	return p.sessions.UpdateVideo(ctx, sessionID, videoID, session.VideoDownloaded, storagePath, urlPath)
}

// ReconcileStatuses advances Downloading sessions with no Pending
// video left to Downloaded. Download Failed videos do not block the
// advancement.
func (p *Pipeline) ReconcileStatuses(ctx context.Context) {
	sessions, err := p.sessions.ListByDownloadStatus(ctx, session.DownloadDownloading)
	if err != nil {
		p.logger.Printf("video: list downloading sessions: %v", err)
		return
	}
	for _, sess := range sessions {
		pending := 0
		for _, video := range sess.Videos {
			if video.Status == session.VideoPending {
				pending++
			}
		}
		if pending > 0 {
			continue
		}
		if _, err := p.sessions.AdvanceDownloadStatus(ctx, sess.ID, session.DownloadDownloading, session.DownloadDownloaded); err != nil {
			p.logger.Printf("video: advance session %s to downloaded: %v", sess.ID, err)
		}
	}
}

// PurgeRemote deletes the remote copies once everything downloadable
// has been downloaded. The purged flag is one-way.
func (p *Pipeline) PurgeRemote(ctx context.Context, sessionID string) error {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.VideoDownloadStatus != session.DownloadDownloaded || sess.PurgedVideosFromServer {
		return nil
	}
	client, err := p.client(ctx, sess)
	if err != nil {
		return err
	}
	if !client.DeleteVideos(ctx, sess.RemoteID) {
		return fmt.Errorf("purge videos of session %s: %w", sessionID, errAgentCall)
	}
	return p.sessions.SetPurged(ctx, sessionID)
}

// DeleteDownloaded removes the stored recordings of a session and
// advances its download status to Deleted.
func (p *Pipeline) DeleteDownloaded(ctx context.Context, sessionID string) error {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.VideoDownloadStatus != session.DownloadDownloaded {
		return fmt.Errorf("session %s videos are not in a deletable state", sessionID)
	}
	for _, video := range sess.Videos {
		if video.Status != session.VideoDownloaded {
			continue
		}
		if err := p.store.Delete(ctx, video.FilePath); err != nil {
			return err
		}
		if err := p.sessions.UpdateVideo(ctx, sessionID, video.ID, session.VideoDeleted, "", ""); err != nil {
			return err
		}
	}
	_, err = p.sessions.AdvanceDownloadStatus(ctx, sessionID, session.DownloadDownloaded, session.DownloadDeleted)
	return err
}

// TriggerSweep schedules a video sync for every Triggered session that
// ended long enough ago for the agent to have finished writing its
// recording.
func (p *Pipeline) TriggerSweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.settleDelay)
	sessions, err := p.sessions.ListForVideoTrigger(ctx, cutoff)
	if err != nil {
		p.logger.Printf("video: list sessions for trigger: %v", err)
		return
	}
	for _, sess := range sessions {
		p.ScheduleVideoSync(ctx, sess.ID)
	}
}

// DownloadSweep re-targets every video still Pending. Failures stay
// isolated per video and Download Failed rows are left alone.
func (p *Pipeline) DownloadSweep(ctx context.Context) {
	refs, err := p.sessions.ListPendingVideos(ctx)
	if err != nil {
		p.logger.Printf("video: list pending videos: %v", err)
		return
	}
	for _, ref := range refs {
		ref := ref
		if _, err := p.queue.Enqueue(ctx, jobs.Job{
			Key: downloadKeyPrefix + ref.SessionID + "||" + ref.VideoID,
			Run: func(ctx context.Context) error {
				return p.DownloadOne(ctx, ref.SessionID, ref.VideoID)
			},
		}); err != nil {
			p.logger.Printf("video: schedule download %s/%s: %v", ref.SessionID, ref.VideoID, err)
		}
	}
}

// PurgeSweep purges remote copies for every fully downloaded session.
func (p *Pipeline) PurgeSweep(ctx context.Context) {
	sessions, err := p.sessions.ListUnpurged(ctx)
	if err != nil {
		p.logger.Printf("video: list unpurged sessions: %v", err)
		return
	}
	for _, sess := range sessions {
		if err := p.PurgeRemote(ctx, sess.ID); err != nil {
			p.logger.Printf("video: purge session %s: %v", sess.ID, err)
		}
	}
}

func (p *Pipeline) downloadAll(ctx context.Context, sessionID string) error {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, video := range sess.Videos {
		if video.Status != session.VideoPending {
			continue
		}
		if err := p.DownloadOne(ctx, sessionID, video.ID); err != nil {
			p.logger.Printf("video: download %s/%s: %v", sessionID, video.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Pipeline) client(ctx context.Context, sess session.Session) (agentclient.Client, error) {
	srv, err := p.servers.Get(ctx, sess.ServerID)
	if err != nil {
		return nil, err
	}
	return p.clients(srv.Scheme, srv.Host, srv.AuthToken), nil
}
