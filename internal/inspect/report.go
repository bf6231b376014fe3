// Package inspect renders what the journal recorded about a run.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Latest selects the most recently started run.
const Latest = "latest"

// Report is the structured JSON representation of a run report.
type Report struct {
	RunID       string       `json:"run_id"`
	Status      string       `json:"status"`
	Parallelism int          `json:"parallelism"`
	Total       int          `json:"total"`
	Recorded    int          `json:"recorded"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	StartedAt   string       `json:"started_at"`
	CompletedAt string       `json:"completed_at,omitempty"`
	Groups      []GroupTally `json:"groups"`
	Failures    []Failure    `json:"failures,omitempty"`
}

// GroupTally is the outcome count for one group.
type GroupTally struct {
	Group     string `json:"group"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Failure is one failed invocation.
type Failure struct {
	Group      string `json:"group"`
	Member     string `json:"member"`
	Diagnostic string `json:"diagnostic,omitempty"`
	StartedAt  string `json:"started_at"`
}

// BuildReport renders a terminal-friendly report for runID (or Latest).
func BuildReport(ctx context.Context, db *sql.DB, runID string) (string, error) {
	report, err := gatherReportData(ctx, db, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Parallelism : %d\n", report.Parallelism)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt)
	fmt.Fprintf(&out, "Completed   : %s\n", renderUnset(report.CompletedAt, "<running>"))
	fmt.Fprintf(&out, "Items       : %d recorded of %d (%d succeeded, %d failed)\n",
		report.Recorded, report.Total, report.Succeeded, report.Failed)
	fmt.Fprintf(&out, "\n")

	for _, g := range report.Groups {
		fmt.Fprintf(&out, "%-24s ok=%d failed=%d\n", g.Group, g.Succeeded, g.Failed)
	}

	if len(report.Failures) > 0 {
		fmt.Fprintf(&out, "\nFailures\n")
		for _, f := range report.Failures {
			fmt.Fprintf(&out, "  %s %s: %s\n", f.Group, f.Member, renderUnset(f.Diagnostic, "<no diagnostic>"))
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable run report.
func BuildJSONReport(ctx context.Context, db *sql.DB, runID string) (string, error) {
	report, err := gatherReportData(ctx, db, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, runID string) (*Report, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	report, err := lookupRun(ctx, db, runID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
SELECT group_id,
       SUM(CASE WHEN succeeded = 1 THEN 1 ELSE 0 END),
       SUM(CASE WHEN succeeded = 0 THEN 1 ELSE 0 END)
FROM invocations
WHERE run_id = ?
GROUP BY group_id
ORDER BY group_id;
`, report.RunID)
	if err != nil {
		return nil, fmt.Errorf("query group tallies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var g GroupTally
		if err := rows.Scan(&g.Group, &g.Succeeded, &g.Failed); err != nil {
			return nil, fmt.Errorf("scan group tally: %w", err)
		}
		report.Succeeded += g.Succeeded
		report.Failed += g.Failed
		report.Groups = append(report.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	report.Recorded = report.Succeeded + report.Failed

	failures, err := listFailures(ctx, db, report.RunID)
	if err != nil {
		return nil, err
	}
	report.Failures = failures
	return report, nil
}

func lookupRun(ctx context.Context, db *sql.DB, runID string) (*Report, error) {
	query := `SELECT id, status, parallelism, total, started_at, completed_at FROM runs WHERE id = ?;`
	args := []any{runID}
	if runID == Latest {
		query = `SELECT id, status, parallelism, total, started_at, completed_at FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1;`
		args = nil
	}

	var r Report
	var completedAt sql.NullString
	err := db.QueryRowContext(ctx, query, args...).Scan(&r.RunID, &r.Status, &r.Parallelism, &r.Total, &r.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if runID == Latest {
			return nil, fmt.Errorf("journal has no runs")
		}
		return nil, fmt.Errorf("run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup run: %w", err)
	}
	r.CompletedAt = completedAt.String
	r.Groups = []GroupTally{}
	return &r, nil
}

func listFailures(ctx context.Context, db *sql.DB, runID string) ([]Failure, error) {
	rows, err := db.QueryContext(ctx, `
SELECT group_id, member_id, COALESCE(diagnostic, ''), started_at
FROM invocations
WHERE run_id = ? AND succeeded = 0
ORDER BY group_id, started_at;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Group, &f.Member, &f.Diagnostic, &f.StartedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
