package testdef

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

func (s *PostgresService) CreateDefinition(ctx context.Context, def TestDefinition) (TestDefinition, error) {
	if err := def.Validate(); err != nil {
		return TestDefinition{}, err
	}
	if def.ID == "" {
		def.ID = "testdef_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	for i := range def.Steps {
		if def.Steps[i].ID == "" {
			def.Steps[i].ID = "stepdef_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}
	now := time.Now().UTC()
	if def.Enabled && def.NextExecutionOn == nil {
		next := now.Add(time.Duration(def.IntervalMinutes) * time.Minute)
		def.NextExecutionOn = &next
	}

	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return TestDefinition{}, fmt.Errorf("marshal steps: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO test_definitions (
	id, title, enabled, interval_minutes, setup_id, steps,
	last_execution_on, next_execution_on, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6::jsonb,
	NULL, $7, $8, $8
)
RETURNING `+definitionColumns,
		def.ID, def.Title, def.Enabled, def.IntervalMinutes, def.SetupID, stepsJSON,
		def.NextExecutionOn, now)

	return scanDefinition(row)
}

func (s *PostgresService) GetDefinition(ctx context.Context, id string) (TestDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM test_definitions WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return TestDefinition{}, ErrDefinitionNotFound
	}
	return def, err
}

func (s *PostgresService) ListDefinitions(ctx context.Context) ([]TestDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM test_definitions ORDER BY created_at`)
}

func (s *PostgresService) ListDue(ctx context.Context, now time.Time) ([]TestDefinition, error) {
	return s.queryDefinitions(ctx, `
SELECT `+definitionColumns+` FROM test_definitions
WHERE enabled = TRUE AND (next_execution_on IS NULL OR next_execution_on <= $1)
ORDER BY created_at`, now.UTC())
}

func (s *PostgresService) MarkTriggered(ctx context.Context, id string, now time.Time) error {
	now = now.UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE test_definitions
SET
	last_execution_on = $2,
	next_execution_on = $2 + make_interval(mins => interval_minutes),
	updated_at = $2
WHERE id = $1`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

func (s *PostgresService) CreateSetup(ctx context.Context, setup TestSetup) (TestSetup, error) {
	if err := setup.Validate(); err != nil {
		return TestSetup{}, err
	}
	if setup.ID == "" {
		setup.ID = "setup_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	now := time.Now().UTC()

	variablesJSON, err := json.Marshal(setup.DefaultVariables)
	if err != nil {
		return TestSetup{}, fmt.Errorf("marshal default variables: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO test_setups (
	id, title, user_type, existing_user, user_script, setup_script, discovery_script, default_variables, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $9
)
RETURNING id, title, user_type, existing_user, user_script, setup_script, discovery_script, default_variables, created_at, updated_at`,
		setup.ID, setup.Title, string(setup.UserType), setup.ExistingUser,
		setup.UserScript, setup.SetupScript, setup.DiscoveryScript, variablesJSON, now)

	return scanSetup(row)
}

func (s *PostgresService) GetSetup(ctx context.Context, id string) (TestSetup, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, title, user_type, existing_user, user_script, setup_script, discovery_script, default_variables, created_at, updated_at
FROM test_setups WHERE id = $1`, id)

	setup, err := scanSetup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return TestSetup{}, ErrSetupNotFound
	}
	return setup, err
}

func scanSetup(row pgx.Row) (TestSetup, error) {
	var setup TestSetup
	var variablesJSON []byte
	err := row.Scan(
		&setup.ID, &setup.Title, &setup.UserType, &setup.ExistingUser,
		&setup.UserScript, &setup.SetupScript, &setup.DiscoveryScript,
		&variablesJSON, &setup.CreatedAt, &setup.UpdatedAt,
	)
	if err != nil {
		return TestSetup{}, err
	}
	if len(variablesJSON) > 0 {
		if err := json.Unmarshal(variablesJSON, &setup.DefaultVariables); err != nil {
			return TestSetup{}, fmt.Errorf("decode default variables: %w", err)
		}
	}
	return setup, nil
}

func (s *PostgresService) queryDefinitions(ctx context.Context, query string, args ...any) ([]TestDefinition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := make([]TestDefinition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *PostgresService) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS test_definitions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT FALSE,
	interval_minutes INTEGER NOT NULL DEFAULT 0,
	setup_id TEXT NOT NULL DEFAULT '',
	steps JSONB NOT NULL DEFAULT '[]'::jsonb,
	last_execution_on TIMESTAMPTZ NULL,
	next_execution_on TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_test_definitions_due
ON test_definitions (enabled, next_execution_on);

CREATE TABLE IF NOT EXISTS test_setups (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	user_type TEXT NOT NULL DEFAULT 'New',
	existing_user TEXT NOT NULL DEFAULT '',
	user_script TEXT NOT NULL DEFAULT '',
	setup_script TEXT NOT NULL DEFAULT '',
	discovery_script TEXT NOT NULL DEFAULT '',
	default_variables JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("initialize test definition schema: %w", err)
	}
	return nil
}

const definitionColumns = `
id,
title,
enabled,
interval_minutes,
setup_id,
steps,
last_execution_on,
next_execution_on,
created_at,
updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (TestDefinition, error) {
	var def TestDefinition
	var stepsJSON []byte
	var lastExecutionOn, nextExecutionOn *time.Time

	err := row.Scan(
		&def.ID,
		&def.Title,
		&def.Enabled,
		&def.IntervalMinutes,
		&def.SetupID,
		&stepsJSON,
		&lastExecutionOn,
		&nextExecutionOn,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return TestDefinition{}, err
	}
	def.LastExecutionOn = lastExecutionOn
	def.NextExecutionOn = nextExecutionOn
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
			return TestDefinition{}, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return def, nil
}
