package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresService struct {
	pool *pgxpool.Pool
}

func NewPostgresService(ctx context.Context, dsn string) (*PostgresService, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	svc := &PostgresService{pool: pool}
	if err := svc.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return svc, nil
}

func (s *PostgresService) Close() {
	s.pool.Close()
}

func (s *PostgresService) Insert(ctx context.Context, input InsertInput) (Session, error) {
	if input.ServerID == "" {
		return Session{}, errors.New("server_id is required")
	}
	if input.RemoteID == "" {
		return Session{}, errors.New("remote_id is required")
	}

	sessionID := "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	startedOn := input.StartedOn
	if startedOn.IsZero() {
		startedOn = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO sessions (
	id, server_id, remote_id, token, endpoint, status, started_on, ended_on,
	duration_seconds, video_download_status, purged_videos_from_server, videos, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, NULL,
	0, $8, FALSE, '[]'::jsonb, $9
)
RETURNING `+sessionColumns,
		sessionID, input.ServerID, input.RemoteID, input.Token, input.Endpoint,
		StatusActive, startedOn, DownloadDraft, time.Now().UTC())

	return scanSession(row)
}

func (s *PostgresService) Get(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return sess, err
}

func (s *PostgresService) List(ctx context.Context) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`)
}

func (s *PostgresService) ListActiveByServer(ctx context.Context, serverID string) ([]Session, error) {
	return s.querySessions(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE server_id = $1 AND status = $2
ORDER BY created_at`, serverID, StatusActive)
}

func (s *PostgresService) MarkStopped(ctx context.Context, id string, endedOn time.Time) (Session, bool, error) {
	endedOn = endedOn.UTC()
	row := s.pool.QueryRow(ctx, `
UPDATE sessions
SET
	status = $2,
	ended_on = $3,
	duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3 - started_on))::bigint)
WHERE id = $1 AND status = $4
RETURNING `+sessionColumns, id, StatusStopped, endedOn, StatusActive)

	sess, err := scanSession(row)
	if err == nil {
		return sess, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return Session{}, false, getErr
		}
		return existing, false, nil
	}
	return Session{}, false, err
}

func (s *PostgresService) AdvanceDownloadStatus(ctx context.Context, id string, from, to DownloadStatus) (bool, error) {
	if downloadRank[to] <= downloadRank[from] {
		return false, fmt.Errorf("download status cannot move from %s to %s", from, to)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE sessions SET video_download_status = $3 WHERE id = $1 AND video_download_status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresService) SetVideos(ctx context.Context, id string, videos []Video) error {
	videosJSON, err := json.Marshal(videos)
	if err != nil {
		return fmt.Errorf("marshal videos: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE sessions SET videos = $2::jsonb WHERE id = $1`, id, videosJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresService) UpdateVideo(ctx context.Context, sessionID, videoID string, status VideoStatus, filePath, fileURLPath string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	found := false
	for i := range sess.Videos {
		if sess.Videos[i].ID == videoID {
			sess.Videos[i].Status = status
			sess.Videos[i].FilePath = filePath
			sess.Videos[i].FileURLPath = fileURLPath
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("video %s not found on session %s", videoID, sessionID)
	}
	return s.SetVideos(ctx, sessionID, sess.Videos)
}

func (s *PostgresService) SetPurged(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE sessions SET purged_videos_from_server = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresService) ListForVideoTrigger(ctx context.Context, endedBefore time.Time) ([]Session, error) {
	return s.querySessions(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE status = $1 AND video_download_status = $2 AND ended_on IS NOT NULL AND ended_on < $3
ORDER BY created_at`, StatusStopped, DownloadTriggered, endedBefore.UTC())
}

func (s *PostgresService) ListByDownloadStatus(ctx context.Context, status DownloadStatus) ([]Session, error) {
	return s.querySessions(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE status = $1 AND video_download_status = $2
ORDER BY created_at`, StatusStopped, status)
}

func (s *PostgresService) ListPendingVideos(ctx context.Context) ([]VideoRef, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, videos FROM sessions
WHERE videos @> '[{"status":"Pending"}]'::jsonb
ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make([]VideoRef, 0)
	for rows.Next() {
		var sessionID string
		var videosJSON []byte
		if err := rows.Scan(&sessionID, &videosJSON); err != nil {
			return nil, err
		}
		var videos []Video
		if err := json.Unmarshal(videosJSON, &videos); err != nil {
			return nil, fmt.Errorf("unmarshal videos of %s: %w", sessionID, err)
		}
		for _, video := range videos {
			if video.Status == VideoPending {
				refs = append(refs, VideoRef{SessionID: sessionID, VideoID: video.ID})
			}
		}
	}
	return refs, rows.Err()
}

func (s *PostgresService) ListUnpurged(ctx context.Context) ([]Session, error) {
	return s.querySessions(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE video_download_status = $1 AND purged_videos_from_server = FALSE
ORDER BY created_at`, DownloadDownloaded)
}

func (s *PostgresService) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresService) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	server_id TEXT NOT NULL,
	remote_id TEXT NOT NULL,
	token TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	status TEXT NOT NULL,
	started_on TIMESTAMPTZ NOT NULL,
	ended_on TIMESTAMPTZ NULL,
	duration_seconds BIGINT NOT NULL DEFAULT 0,
	video_download_status TEXT NOT NULL,
	purged_videos_from_server BOOLEAN NOT NULL DEFAULT FALSE,
	videos JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_server_status
ON sessions (server_id, status);

CREATE INDEX IF NOT EXISTS idx_sessions_download_status
ON sessions (video_download_status);
`)
	if err != nil {
		return fmt.Errorf("initialize sessions schema: %w", err)
	}
	return nil
}

const sessionColumns = `
id,
server_id,
remote_id,
token,
endpoint,
status,
started_on,
ended_on,
duration_seconds,
video_download_status,
purged_videos_from_server,
videos,
created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var videosJSON []byte
	var endedOn *time.Time

	err := row.Scan(
		&sess.ID,
		&sess.ServerID,
		&sess.RemoteID,
		&sess.Token,
		&sess.Endpoint,
		&sess.Status,
		&sess.StartedOn,
		&endedOn,
		&sess.DurationSeconds,
		&sess.VideoDownloadStatus,
		&sess.PurgedVideosFromServer,
		&videosJSON,
		&sess.CreatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	sess.EndedOn = endedOn
	if len(videosJSON) > 0 {
		if err := json.Unmarshal(videosJSON, &sess.Videos); err != nil {
			return Session{}, fmt.Errorf("unmarshal videos: %w", err)
		}
	}
	return sess, nil
}
