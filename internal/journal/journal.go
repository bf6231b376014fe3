// Package journal keeps an optional sqlite record of runs and their
// per-item outcomes. The dispatcher only writes to it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/groupfill/internal/dispatch"
	"github.com/mattjoyce/groupfill/internal/storage"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// TimeLayout is fixed width so stored timestamps sort as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal writes run and invocation rows.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return New(db), nil
}

// New wraps an already bootstrapped database.
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// BeginRun inserts the run row.
func (j *Journal) BeginRun(ctx context.Context, runID string, parallelism, total int) error {
	if runID == "" {
		return fmt.Errorf("run id is empty")
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO runs(id, parallelism, total, status, started_at)
VALUES(?, ?, ?, ?, ?);
`, runID, parallelism, total, StatusRunning, now())
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun stamps the run's final status.
func (j *Journal) FinishRun(ctx context.Context, runID, status string) error {
	res, err := j.db.ExecContext(ctx, `
UPDATE runs SET status = ?, completed_at = ? WHERE id = ?;
`, status, now(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: run %q not found", runID)
	}
	return nil
}

// Record implements dispatch.Recorder.
func (j *Journal) Record(ctx context.Context, r dispatch.InvocationResult) error {
	var diagnostic any
	if r.Diagnostic != "" {
		diagnostic = r.Diagnostic
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO invocations(id, run_id, group_id, member_id, succeeded, diagnostic, started_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), r.RunID, r.Group, r.Member, r.Succeeded, diagnostic,
		r.StartedAt.UTC().Format(TimeLayout), r.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// Counts summarizes the journal rows of one run.
type Counts struct {
	Status    string
	Total     int
	Recorded  int
	Succeeded int
	Failed    int
}

// RunCounts reads back what was recorded for runID.
func (j *Journal) RunCounts(ctx context.Context, runID string) (*Counts, error) {
	var c Counts
	err := j.db.QueryRowContext(ctx, `
SELECT r.status, r.total,
       COUNT(i.id),
       COALESCE(SUM(CASE WHEN i.succeeded = 1 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN i.succeeded = 0 THEN 1 ELSE 0 END), 0)
FROM runs r
LEFT JOIN invocations i ON i.run_id = r.id
WHERE r.id = ?
GROUP BY r.id;
`, runID).Scan(&c.Status, &c.Total, &c.Recorded, &c.Succeeded, &c.Failed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("run counts: %w", err)
	}
	return &c, nil
}

// FailedMembers lists the (group, member) pairs that failed in runID.
func (j *Journal) FailedMembers(ctx context.Context, runID string) ([][2]string, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT group_id, member_id FROM invocations
WHERE run_id = ? AND succeeded = 0
ORDER BY group_id, member_id;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed members: %w", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var pair [2]string
		if err := rows.Scan(&pair[0], &pair[1]); err != nil {
			return nil, fmt.Errorf("scan failed member: %w", err)
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(TimeLayout)
}
