package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/storage/dialect"
)

// Store is a SQL implementation of ports.RunStore that supports multiple
// database dialects. Each finished run is kept as one JSON document next
// to the columns used for listing.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.RunStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	text := s.dialect.TextType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	file_path TEXT NOT NULL,
	language TEXT NOT NULL,
	status TEXT NOT NULL,
	failed_stage TEXT NOT NULL DEFAULT '',
	findings INTEGER NOT NULL DEFAULT 0,
	document ` + text + ` NOT NULL,
	created_at ` + ts + ` NOT NULL,
	finished_at ` + ts + `
)`,
		`CREATE TABLE IF NOT EXISTS run_events (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	type TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	detail ` + text + ` NOT NULL DEFAULT '',
	at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run *domain.Run) error {
	document, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO runs (id, file_path, language, status, failed_stage, findings, document, created_at, finished_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ` + s.dialect.InsertIgnoreClause("id"))

	res, err := s.db.ExecContext(ctx, query,
		run.ID, run.Request.FilePath, run.Request.Language, string(run.Status), string(run.FailedStage),
		len(run.Findings), string(document), run.CreatedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, domain.ErrRunExists)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	query := s.dialect.Rebind(`SELECT document FROM runs WHERE id = ?`)

	var document string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal([]byte(document), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, opts ports.ListOptions) ([]*domain.RunSummary, error) {
	var (
		clauses []string
		args    []any
	)
	query := `SELECT id, file_path, language, status, failed_stage, findings, created_at FROM runs`
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		if s.dialect.Name() == "postgres" {
			query = strings.Replace(query, "LIMIT -1 ", "", 1)
		}
		args = append(args, opts.Offset)
	}

	runs := []*domain.RunSummary{}
	if err := s.db.SelectContext(ctx, &runs, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.RunEvent) error {
	query := `INSERT INTO run_events (id, run_id, type, stage, outcome, status, detail, at)
	          VALUES (:id, :run_id, :type, :stage, :outcome, :status, :detail, :at)`

	if _, err := s.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("failed to append run event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	query := s.dialect.Rebind(`SELECT id, run_id, type, stage, outcome, status, detail, at
	          FROM run_events WHERE run_id = ? ORDER BY at ASC, id ASC`)

	events := []*domain.RunEvent{}
	if err := s.db.SelectContext(ctx, &events, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	return events, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
