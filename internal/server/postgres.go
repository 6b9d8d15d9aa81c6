package server

import (
	"context"
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

func (s *PostgresService) Register(ctx context.Context, input RegisterInput) (Server, error) {
	host := strings.TrimSpace(input.Host)
	if host == "" {
		return Server{}, errors.New("host is required")
	}
	if strings.TrimSpace(input.AuthToken) == "" {
		return Server{}, errors.New("auth_token is required")
	}
	memoryMB := input.MemoryMB
	if memoryMB <= 0 {
		memoryMB = defaultMemoryMB
	}

	serverID := "server_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
INSERT INTO servers (
	id, host, scheme, auth_token, status, active_sessions, memory_mb, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, 0, $6, $7, $7
)
RETURNING `+serverColumns, serverID, host, normalizeScheme(input.Scheme), input.AuthToken, StatusUnreachable, memoryMB, now)

	return scanServer(row)
}

func (s *PostgresService) Get(ctx context.Context, id string) (Server, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	srv, err := scanServer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Server{}, ErrServerNotFound
	}
	return srv, err
}

func (s *PostgresService) List(ctx context.Context) ([]Server, error) {
	return s.queryServers(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY created_at`)
}

func (s *PostgresService) ListEligible(ctx context.Context) ([]Server, error) {
	return s.queryServers(ctx, `SELECT `+serverColumns+` FROM servers WHERE status <> $1 ORDER BY created_at`, StatusDisabled)
}

func (s *PostgresService) SetHealth(ctx context.Context, id string, status Status, activeSessions int) error {
	// updated_at is deliberately untouched: a health sync is not a
	// logical edit of the server record.
	tag, err := s.pool.Exec(ctx, `
UPDATE servers SET status = $2, active_sessions = $3 WHERE id = $1`, id, status, activeSessions)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrServerNotFound
	}
	return nil
}

func (s *PostgresService) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE servers SET status = $2, updated_at = $3 WHERE id = $1`, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrServerNotFound
	}
	return nil
}

func (s *PostgresService) queryServers(ctx context.Context, query string, args ...any) ([]Server, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := make([]Server, 0)
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

func (s *PostgresService) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	scheme TEXT NOT NULL DEFAULT 'http',
	auth_token TEXT NOT NULL,
	status TEXT NOT NULL,
	active_sessions INTEGER NOT NULL DEFAULT 0,
	memory_mb INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_servers_status
ON servers (status);
`)
	if err != nil {
		return fmt.Errorf("initialize servers schema: %w", err)
	}
	return nil
}

const serverColumns = `
id,
host,
scheme,
auth_token,
status,
active_sessions,
memory_mb,
created_at,
updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (Server, error) {
	var srv Server
	err := row.Scan(
		&srv.ID,
		&srv.Host,
		&srv.Scheme,
		&srv.AuthToken,
		&srv.Status,
		&srv.ActiveSessions,
		&srv.MemoryMB,
		&srv.CreatedAt,
		&srv.UpdatedAt,
	)
	if err != nil {
		return Server{}, err
	}
	return srv, nil
}
