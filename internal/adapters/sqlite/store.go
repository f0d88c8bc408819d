// Package sqlite persists run history in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/avh-dev/avhclient/internal/domain"
)

type Store struct {
	db *sql.DB
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// WAL lets the daemon read while a run is being recorded.
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA foreign_keys=ON")

	// One connection keeps :memory: databases shared and writers serialized.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			backend TEXT NOT NULL,
			spec_path TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			backend_state TEXT NOT NULL DEFAULT 'invalid',
			started_at TEXT,
			completed_at TEXT,
			error_message TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS step_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			commands TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS command_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			step_execution_id INTEGER NOT NULL,
			command_id TEXT NOT NULL,
			status TEXT NOT NULL,
			command TEXT NOT NULL,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (step_execution_id) REFERENCES step_executions(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_step_executions_run ON step_executions(run_id);
	`)
	return err
}

const runColumns = `id, backend, spec_path, state, backend_state, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.Run, error) {
	run := &domain.Run{}
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&run.ID, &run.Backend, &run.SpecPath, &run.State, &run.BackendState,
		&startedAt, &completedAt, &run.ErrorMessage); err != nil {
		return nil, err
	}
	run.StartedAt = parseTime(startedAt.String)
	run.CompletedAt = parseTime(completedAt.String)
	return run, nil
}

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Backend, run.SpecPath, string(run.State), string(run.BackendState),
		formatTime(run.StartedAt), formatTime(run.CompletedAt), run.ErrorMessage,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", domain.ErrRunNotFound, id)
	}
	return run, err
}

func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, backend_state = ?, started_at = ?, completed_at = ?, error_message = ? WHERE id = ?`,
		string(run.State), string(run.BackendState),
		formatTime(run.StartedAt), formatTime(run.CompletedAt), run.ErrorMessage,
		run.ID,
	)
	return err
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM command_results WHERE step_execution_id IN (SELECT id FROM step_executions WHERE run_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_executions WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListRuns returns all runs, most recently started first.
func (s *Store) ListRuns(ctx context.Context) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveStepExecution stores a finished step and its command results.
func (s *Store) SaveStepExecution(ctx context.Context, runID string, exec *domain.StepExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO step_executions (run_id, step_name, commands, started_at, completed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, exec.StepName, strings.Join(exec.Commands, "\n"),
		formatTime(exec.StartedAt), formatTime(exec.CompletedAt), exec.Error,
	)
	if err != nil {
		return err
	}
	stepID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, r := range exec.Results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO command_results (step_execution_id, command_id, status, command, stdout, stderr, exit_code)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			stepID, r.CommandID, r.Status, r.Command, r.Stdout, r.Stderr, r.ExitCode,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetStepExecutions(ctx context.Context, runID string) ([]*domain.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step_name, commands, started_at, COALESCE(completed_at, ''), error
		 FROM step_executions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}

	var ids []int64
	var execs []*domain.StepExecution
	for rows.Next() {
		e := &domain.StepExecution{}
		var id int64
		var commands, startedAt, completedAt string
		if err := rows.Scan(&id, &e.StepName, &commands, &startedAt, &completedAt, &e.Error); err != nil {
			rows.Close()
			return nil, err
		}
		if commands != "" {
			e.Commands = strings.Split(commands, "\n")
		}
		e.StartedAt = parseTime(startedAt)
		e.CompletedAt = parseTime(completedAt)
		ids = append(ids, id)
		execs = append(execs, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The single connection must be released before the nested queries.
	for i, id := range ids {
		results, err := s.commandResults(ctx, id)
		if err != nil {
			return nil, err
		}
		execs[i].Results = results
	}
	return execs, nil
}

func (s *Store) commandResults(ctx context.Context, stepID int64) ([]domain.CommandResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT command_id, status, command, stdout, stderr, exit_code
		 FROM command_results WHERE step_execution_id = ? ORDER BY id`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.CommandResult
	for rows.Next() {
		var r domain.CommandResult
		if err := rows.Scan(&r.CommandID, &r.Status, &r.Command, &r.Stdout, &r.Stderr, &r.ExitCode); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// FailInterruptedRuns marks runs left pending or running by a process that
// died as failed. It returns the number of runs changed.
func (s *Store) FailInterruptedRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = 'failed', completed_at = ?, error_message = 'interrupted'
		 WHERE state IN ('pending', 'running')`,
		formatTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
