// Package telemetry rolls execution-reliability signals off the control bus
// into a local sqlite database, giving the daemon a queryable history of turn
// outcomes and board flow without touching task documents.
package telemetry

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// DBFileName is the rollup database under the factory home directory.
const DBFileName = "telemetry.db"

// Store is the sqlite-backed rollup store.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the rollup database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating telemetry directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening telemetry database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// RecordTurn persists one finished agent turn.
func (s *Store) RecordTurn(ctx context.Context, workspaceID, taskID, turnID, outcome string, durationMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (workspace_id, task_id, turn_id, outcome, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		workspaceID, taskID, turnID, outcome, durationMs, time.Now().UTC().Format(time.RFC3339))
	return err
}

// RecordMove persists one phase transition.
func (s *Store) RecordMove(ctx context.Context, workspaceID, taskID, from, to, actor string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phase_moves (workspace_id, task_id, from_phase, to_phase, actor, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		workspaceID, taskID, from, to, actor, time.Now().UTC().Format(time.RFC3339))
	return err
}

// Summary aggregates a workspace's recorded history.
type Summary struct {
	Turns       int            `json:"turns"`
	ByOutcome   map[string]int `json:"byOutcome"`
	AvgTurnMs   int64          `json:"avgTurnMs"`
	Completions int            `json:"completions"`
}

// Summarize aggregates the rollup for one workspace.
func (s *Store) Summarize(ctx context.Context, workspaceID string) (Summary, error) {
	out := Summary{ByOutcome: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*), COALESCE(AVG(duration_ms), 0) FROM turns
		 WHERE workspace_id = ? GROUP BY outcome`, workspaceID)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	var weighted float64
	for rows.Next() {
		var outcome string
		var count int
		var avg float64
		if err := rows.Scan(&outcome, &count, &avg); err != nil {
			return out, err
		}
		out.ByOutcome[outcome] = count
		out.Turns += count
		weighted += avg * float64(count)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}
	if out.Turns > 0 {
		out.AvgTurnMs = int64(weighted / float64(out.Turns))
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM phase_moves WHERE workspace_id = ? AND to_phase = 'complete'`,
		workspaceID).Scan(&out.Completions)
	if err != nil {
		return out, err
	}
	return out, nil
}
