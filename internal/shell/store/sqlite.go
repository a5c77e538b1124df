package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/hostctl/internal/core/deploy"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed-width so lexical order matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Journal using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if needed) the journal database and runs
// migrations. dsn is a file path or ":memory:".
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrConnectionFailed)
		}
	}

	db, err := sqlx.Open("sqlite3", dsn+"?_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Attempt Operations
// =============================================================================

// attemptRow represents a deployment attempt row in the database.
type attemptRow struct {
	ID              string  `db:"id"`
	Project         string  `db:"project"`
	Dir             string  `db:"dir"`
	State           string  `db:"state"`
	History         string  `db:"history"`
	Images          string  `db:"images"`
	PriorContainers string  `db:"prior_containers"`
	Health          *string `db:"health"`
	FailedStep      string  `db:"failed_step"`
	Error           string  `db:"error"`
	StartedAt       string  `db:"started_at"`
	FinishedAt      *string `db:"finished_at"`
}

const attemptColumns = `id, project, dir, state, history, images, prior_containers, health,
	failed_step, error, started_at, finished_at`

func (s *SQLiteStore) RecordAttempt(ctx context.Context, attempt *deploy.Attempt) error {
	row, err := attemptToRow(attempt)
	if err != nil {
		return NewStoreError("RecordAttempt", "attempt", attempt.ID, err.Error(), ErrInvalidData)
	}

	query := `INSERT INTO deployment_attempts (` + attemptColumns + `)
		VALUES (:id, :project, :dir, :state, :history, :images, :prior_containers, :health,
			:failed_step, :error, :started_at, :finished_at)
		ON CONFLICT(id) DO UPDATE SET
			project = excluded.project,
			dir = excluded.dir,
			state = excluded.state,
			history = excluded.history,
			images = excluded.images,
			prior_containers = excluded.prior_containers,
			health = excluded.health,
			failed_step = excluded.failed_step,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("RecordAttempt", "attempt", attempt.ID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*deploy.Attempt, error) {
	var row attemptRow
	query := `SELECT ` + attemptColumns + ` FROM deployment_attempts WHERE id = ?`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetAttempt", "attempt", id, "attempt not found", ErrNotFound)
		}
		return nil, NewStoreError("GetAttempt", "attempt", id, err.Error(), err)
	}
	return rowToAttempt(row)
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, opts ListOptions) ([]deploy.Attempt, error) {
	opts = opts.Normalize()

	var rows []attemptRow
	query := `SELECT ` + attemptColumns + ` FROM deployment_attempts
		ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	if err := s.db.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListAttempts", "attempt", "", err.Error(), err)
	}

	attempts := make([]deploy.Attempt, 0, len(rows))
	for _, row := range rows {
		a, err := rowToAttempt(row)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func attemptToRow(a *deploy.Attempt) (attemptRow, error) {
	history, err := marshalJSON(a.History, "[]")
	if err != nil {
		return attemptRow{}, err
	}
	images, err := marshalJSON(a.Images, "[]")
	if err != nil {
		return attemptRow{}, err
	}
	prior, err := marshalJSON(a.PriorContainers, "[]")
	if err != nil {
		return attemptRow{}, err
	}

	row := attemptRow{
		ID:              a.ID,
		Project:         a.Project,
		Dir:             a.Dir,
		State:           string(a.State),
		History:         history,
		Images:          images,
		PriorContainers: prior,
		FailedStep:      a.FailedStep,
		Error:           a.Error,
		StartedAt:       a.StartedAt.UTC().Format(timeFormat),
	}
	if a.Health != nil {
		data, err := json.Marshal(a.Health)
		if err != nil {
			return attemptRow{}, err
		}
		h := string(data)
		row.Health = &h
	}
	if !a.FinishedAt.IsZero() {
		f := a.FinishedAt.UTC().Format(timeFormat)
		row.FinishedAt = &f
	}
	return row, nil
}

func rowToAttempt(row attemptRow) (*deploy.Attempt, error) {
	a := &deploy.Attempt{
		ID:         row.ID,
		Project:    row.Project,
		Dir:        row.Dir,
		State:      deploy.State(row.State),
		FailedStep: row.FailedStep,
		Error:      row.Error,
	}

	invalid := func(field string, err error) error {
		return NewStoreError("rowToAttempt", "attempt", row.ID, fmt.Sprintf("invalid %s: %v", field, err), ErrInvalidData)
	}

	if err := json.Unmarshal([]byte(row.History), &a.History); err != nil {
		return nil, invalid("history", err)
	}
	if err := json.Unmarshal([]byte(row.Images), &a.Images); err != nil {
		return nil, invalid("images", err)
	}
	if err := json.Unmarshal([]byte(row.PriorContainers), &a.PriorContainers); err != nil {
		return nil, invalid("prior_containers", err)
	}
	if row.Health != nil {
		a.Health = &deploy.HealthResult{}
		if err := json.Unmarshal([]byte(*row.Health), a.Health); err != nil {
			return nil, invalid("health", err)
		}
	}

	started, err := time.Parse(timeFormat, row.StartedAt)
	if err != nil {
		return nil, invalid("started_at", err)
	}
	a.StartedAt = started
	if row.FinishedAt != nil {
		finished, err := time.Parse(timeFormat, *row.FinishedAt)
		if err != nil {
			return nil, invalid("finished_at", err)
		}
		a.FinishedAt = finished
	}
	return a, nil
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}
