package runlog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestLoggerInsertsSummary needs a live Postgres instance
// (SCUC_TEST_RUNLOG_DSN) and is skipped otherwise, matching the
// testing.Short()-gated convention the pack's integration suites use for
// anything that needs a real broker or database.
func TestLoggerInsertsSummary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := os.Getenv("SCUC_TEST_RUNLOG_DSN")
	if dsn == "" {
		t.Skip("SCUC_TEST_RUNLOG_DSN not set")
	}

	l, err := Open(dsn)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, l.EnsureSchema(ctx))
	err = l.Insert(ctx, Summary{
		RunID:         uuid.New(),
		Zone:          1,
		Algorithm:     "scuc-isf",
		Instance:      "ieee14",
		Mode:          "miqp",
		Objective:     1234.5,
		Infeasibility: 1e-4,
		Iterations:    42,
		WallTime:      3 * time.Second,
		Converged:     true,
		Violations:    2,
	})
	require.NoError(t, err)
}
