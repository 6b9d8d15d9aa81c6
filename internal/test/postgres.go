package test

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

func (s *PostgresService) Create(ctx context.Context, t Test) (Test, error) {
	if t.ID == "" {
		t.ID = "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	for i := range t.Steps {
		if t.Steps[i].ID == "" {
			t.Steps[i].ID = "step_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		if t.Steps[i].Status == "" {
			t.Steps[i].Status = StepPending
		}
	}
	now := time.Now().UTC()
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.StartedOn.IsZero() {
		t.StartedOn = now
	}

	stepsJSON, err := json.Marshal(t.Steps)
	if err != nil {
		return Test{}, fmt.Errorf("marshal steps: %w", err)
	}
	variablesJSON, err := json.Marshal(t.Variables)
	if err != nil {
		return Test{}, fmt.Errorf("marshal variables: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO tests (
	id, definition_id, setup_id, session_id, status, steps, variables,
	session_user, session_user_sid, documents, gc_completed, cleanup_completed,
	started_on, ended_on, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6::jsonb, $7::jsonb,
	'', '', '[]'::jsonb, FALSE, FALSE,
	$8, NULL, $9, $9
)
RETURNING `+testColumns,
		t.ID, t.DefinitionID, t.SetupID, t.SessionID, t.Status, stepsJSON, variablesJSON,
		t.StartedOn, now)

	return scanTest(row)
}

func (s *PostgresService) Get(ctx context.Context, id string) (Test, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+testColumns+` FROM tests WHERE id = $1`, id)
	t, err := scanTest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Test{}, ErrTestNotFound
	}
	return t, err
}

func (s *PostgresService) List(ctx context.Context) ([]Test, error) {
	return s.queryTests(ctx, `SELECT `+testColumns+` FROM tests ORDER BY created_at`)
}

func (s *PostgresService) SetStatus(ctx context.Context, id string, status Status, endedOn time.Time) (bool, error) {
	var ended *time.Time
	if status.Terminal() {
		utc := endedOn.UTC()
		ended = &utc
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE tests
SET status = $2, ended_on = COALESCE($3, ended_on), updated_at = $4
WHERE id = $1 AND status NOT IN ($5, $6, $7, $8)`,
		id, status, ended, time.Now().UTC(),
		StatusSuccess, StatusFailure, StatusStopped, StatusCancelled)
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

func (s *PostgresService) SetStep(ctx context.Context, testID string, step Step) error {
	t, err := s.Get(ctx, testID)
	if err != nil {
		return err
	}
	found := false
	for i := range t.Steps {
		if t.Steps[i].ID == step.ID {
			t.Steps[i] = step
			found = true
			break
		}
	}
	if !found {
		return ErrStepNotFound
	}
	stepsJSON, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
UPDATE tests SET steps = $2::jsonb, updated_at = $3 WHERE id = $1`, testID, stepsJSON, time.Now().UTC())
	return err
}

func (s *PostgresService) SetVariables(ctx context.Context, id string, vars map[string]any) error {
	variablesJSON, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	return s.exec(ctx, `
UPDATE tests SET variables = $2::jsonb, updated_at = $3 WHERE id = $1`, id, variablesJSON, time.Now().UTC())
}

func (s *PostgresService) SetSessionUser(ctx context.Context, id string, user, sid string) error {
	return s.exec(ctx, `
UPDATE tests SET session_user = $2, session_user_sid = $3, updated_at = $4 WHERE id = $1`,
		id, user, sid, time.Now().UTC())
}

func (s *PostgresService) SetDocuments(ctx context.Context, id string, docs []Document) error {
	documentsJSON, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("marshal documents: %w", err)
	}
	return s.exec(ctx, `
UPDATE tests SET documents = $2::jsonb, updated_at = $3 WHERE id = $1`, id, documentsJSON, time.Now().UTC())
}

func (s *PostgresService) SetGCCompleted(ctx context.Context, id string) error {
	return s.exec(ctx, `
UPDATE tests SET gc_completed = TRUE, updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
}

func (s *PostgresService) SetCleanupCompleted(ctx context.Context, id string) error {
	return s.exec(ctx, `
UPDATE tests SET cleanup_completed = TRUE, updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
}

func (s *PostgresService) ListPendingGC(ctx context.Context) ([]Test, error) {
	return s.queryTests(ctx, `
SELECT `+testColumns+` FROM tests
WHERE status IN ($1, $2, $3, $4) AND gc_completed = FALSE
ORDER BY created_at`, StatusSuccess, StatusFailure, StatusStopped, StatusCancelled)
}

func (s *PostgresService) ListPendingCleanup(ctx context.Context) ([]Test, error) {
	return s.queryTests(ctx, `
SELECT `+testColumns+` FROM tests
WHERE gc_completed = TRUE AND cleanup_completed = FALSE
ORDER BY created_at`)
}

func (s *PostgresService) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTestNotFound
	}
	return nil
}

func (s *PostgresService) queryTests(ctx context.Context, query string, args ...any) ([]Test, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tests := make([]Test, 0)
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

func (s *PostgresService) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tests (
	id TEXT PRIMARY KEY,
	definition_id TEXT NOT NULL,
	setup_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	steps JSONB NOT NULL DEFAULT '[]'::jsonb,
	variables JSONB NOT NULL DEFAULT '{}'::jsonb,
	session_user TEXT NOT NULL DEFAULT '',
	session_user_sid TEXT NOT NULL DEFAULT '',
	documents JSONB NOT NULL DEFAULT '[]'::jsonb,
	gc_completed BOOLEAN NOT NULL DEFAULT FALSE,
	cleanup_completed BOOLEAN NOT NULL DEFAULT FALSE,
	started_on TIMESTAMPTZ NOT NULL,
	ended_on TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tests_status_gc
ON tests (status, gc_completed, cleanup_completed);
`)
	if err != nil {
		return fmt.Errorf("initialize tests schema: %w", err)
	}
	return nil
}

const testColumns = `
id,
definition_id,
setup_id,
session_id,
status,
steps,
variables,
session_user,
session_user_sid,
documents,
gc_completed,
cleanup_completed,
started_on,
ended_on,
created_at,
updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTest(row rowScanner) (Test, error) {
	var t Test
	var stepsJSON, variablesJSON, documentsJSON []byte
	var endedOn *time.Time

	err := row.Scan(
		&t.ID,
		&t.DefinitionID,
		&t.SetupID,
		&t.SessionID,
		&t.Status,
		&stepsJSON,
		&variablesJSON,
		&t.SessionUser,
		&t.SessionUserSID,
		&documentsJSON,
		&t.GCCompleted,
		&t.CleanupCompleted,
		&t.StartedOn,
		&endedOn,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return Test{}, err
	}
	t.EndedOn = endedOn
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &t.Steps); err != nil {
			return Test{}, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if len(variablesJSON) > 0 {
		if err := json.Unmarshal(variablesJSON, &t.Variables); err != nil {
			return Test{}, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	if len(documentsJSON) > 0 {
		if err := json.Unmarshal(documentsJSON, &t.Documents); err != nil {
			return Test{}, fmt.Errorf("unmarshal documents: %w", err)
		}
	}
	return t, nil
}
