// Package runlog persists one row per completed (or failed) coordinator run
// to Postgres, the same direct database/sql-plus-lib/pq idiom the pack's
// cmd/ledger and cmd/orders entrypoints use for their own tables. It is
// optional: cmd/scuc only constructs a Logger when SCUC_RUNLOG_DSN is set,
// and every method here is a plain SQL statement against a single table, not
// a repository abstraction.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Summary is one worker's finished run, in the shape internal/admm.Result
// and cmd/scuc's bootstrap already carry.
type Summary struct {
	RunID         uuid.UUID
	Zone          int
	Algorithm     string
	Instance      string
	Mode          string
	Objective     float64
	Infeasibility float64
	Iterations    int
	WallTime      time.Duration
	Converged     bool
	Violations    int
	Err           string
}

// Logger writes run summaries to a run_summary table.
type Logger struct {
	db *sql.DB
}

// Open connects to dsn and verifies it's reachable. Callers should Close the
// returned Logger when the run's process exits.
func Open(dsn string) (*Logger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("runlog: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("runlog: ping: %w", err)
	}
	return &Logger{db: db}, nil
}

func (l *Logger) Close() error {
	return l.db.Close()
}

// EnsureSchema creates the run_summary table if it doesn't already exist,
// so a fresh Postgres instance needs no separate migration step to receive
// its first row.
func (l *Logger) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS run_summary (
			id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			run_id         UUID NOT NULL,
			zone           INTEGER NOT NULL,
			algorithm      TEXT NOT NULL,
			instance       TEXT NOT NULL,
			mode           TEXT NOT NULL,
			objective      DOUBLE PRECISION NOT NULL,
			infeasibility  DOUBLE PRECISION NOT NULL,
			iterations     INTEGER NOT NULL,
			wall_time_ms   BIGINT NOT NULL,
			converged      BOOLEAN NOT NULL,
			violations     INTEGER NOT NULL,
			error          TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("runlog: ensure schema: %w", err)
	}
	return nil
}

// Insert records one worker's completed run.
func (l *Logger) Insert(ctx context.Context, s Summary) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_summary
			(run_id, zone, algorithm, instance, mode, objective, infeasibility,
			 iterations, wall_time_ms, converged, violations, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.RunID, s.Zone, s.Algorithm, s.Instance, s.Mode, s.Objective, s.Infeasibility,
		s.Iterations, s.WallTime.Milliseconds(), s.Converged, s.Violations, s.Err,
	)
	if err != nil {
		return fmt.Errorf("runlog: insert: %w", err)
	}
	return nil
}
