package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/groupfill/internal/dispatch"
	"github.com/mattjoyce/groupfill/internal/session"
	"github.com/mattjoyce/groupfill/internal/workload"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalRecordsRun(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.BeginRun(ctx, "run-1", 2, 3))
	for _, r := range []dispatch.InvocationResult{
		{RunID: "run-1", Group: "g1", Member: "user3", Succeeded: true, StartedAt: time.Now(), Duration: time.Millisecond},
		{RunID: "run-1", Group: "g1", Member: "user6", Succeeded: false, Diagnostic: "not found", StartedAt: time.Now()},
		{RunID: "run-1", Group: "g2", Member: "user9", Succeeded: true, StartedAt: time.Now()},
	} {
		require.NoError(t, j.Record(ctx, r))
	}
	require.NoError(t, j.FinishRun(ctx, "run-1", StatusCompleted))

	c, err := j.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, &Counts{Status: StatusCompleted, Total: 3, Recorded: 3, Succeeded: 2, Failed: 1}, c)

	failed, err := j.FailedMembers(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"g1", "user6"}}, failed)
}

func TestJournalErrors(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	ctx := context.Background()

	assert.Error(t, j.BeginRun(ctx, "", 1, 1))
	assert.Error(t, j.FinishRun(ctx, "missing", StatusCompleted))
	_, err := j.RunCounts(ctx, "missing")
	assert.Error(t, err)

	// Foreign key: invocation for an unknown run is rejected.
	err = j.Record(ctx, dispatch.InvocationResult{RunID: "ghost", Group: "g", Member: "m", StartedAt: time.Now()})
	assert.Error(t, err)
}

func TestJournalAsDispatchRecorder(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	ctx := context.Background()

	opener := &session.MemoryOpener{
		Fail: func(_ string, params map[string]string) bool { return params["Member"] == "user4" },
	}
	cfg := dispatch.Config{
		Parallelism:  2,
		MemberFormat: "user%d",
		Batches: []workload.Batch{
			{Group: "G1", Size: 4, Universe: 8},
			{Group: "G2", Size: 2, Universe: 8},
		},
		Action:   dispatch.Action{Command: "Add-DistributionGroupMember", GroupParam: "Identity", MemberParam: "Member"},
		Endpoint: session.Endpoint{URI: "mem://"},
	}
	d, err := dispatch.New(cfg, opener, dispatch.WithRecorder(j), dispatch.WithRunID("run-2"))
	require.NoError(t, err)

	require.NoError(t, j.BeginRun(ctx, d.RunID(), cfg.Parallelism, d.Total()))
	_, err = d.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, j.FinishRun(ctx, d.RunID(), StatusCompleted))

	c, err := j.RunCounts(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 6, c.Recorded)
	assert.Equal(t, 2, c.Failed)
	assert.Equal(t, 4, c.Succeeded)

	failed, err := j.FailedMembers(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"G1", "user4"}, {"G2", "user4"}}, failed)
}
