package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/groupfill/internal/events"
	"github.com/mattjoyce/groupfill/internal/session"
	"github.com/mattjoyce/groupfill/internal/workload"
)

// maxDiagnosticBytes caps diagnostics carried in results and events.
const maxDiagnosticBytes = 4 * 1024

// Action is the remote command a work item maps onto.
type Action struct {
	Command     string
	GroupParam  string
	MemberParam string
	Params      map[string]string
}

// Parameters builds the command parameters for one item.
func (a Action) Parameters(item workload.WorkItem) map[string]string {
	params := make(map[string]string, len(a.Params)+2)
	for k, v := range a.Params {
		params[k] = v
	}
	params[a.GroupParam] = item.Group
	params[a.MemberParam] = item.Member
	return params
}

// InvocationResult is the outcome of one work item.
type InvocationResult struct {
	RunID      string        `json:"run_id"`
	Group      string        `json:"group"`
	Member     string        `json:"member"`
	Succeeded  bool          `json:"succeeded"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Publisher receives progress events. *events.Feed implements it.
type Publisher interface {
	Publish(eventType events.Type, data any)
}

// Recorder persists results somewhere. Errors are logged and otherwise ignored.
type Recorder interface {
	Record(ctx context.Context, res InvocationResult) error
}

// Invoker performs one remote mutation per work item.
type Invoker struct {
	session   session.Session
	action    Action
	runID     string
	logger    *slog.Logger
	publisher Publisher
	recorder  Recorder
	onResult  func(InvocationResult)
}

// Invoke runs item against the session and returns its outcome. It does not
// return until the remote call has finished. release is always called exactly
// once, after everything else, whatever happens.
func (inv *Invoker) Invoke(ctx context.Context, item workload.WorkItem, release func()) InvocationResult {
	defer release()

	res := InvocationResult{
		RunID:     inv.runID,
		Group:     item.Group,
		Member:    item.Member,
		StartedAt: time.Now().UTC(),
	}

	logger := inv.logger.With("group", item.Group, "member", item.Member)
	logger.Info("invoking", "command", inv.action.Command)
	inv.publish(events.InvocationStarted, res)

	res.Succeeded, res.Diagnostic = inv.call(ctx, item)
	res.Duration = time.Since(res.StartedAt)

	if res.Succeeded {
		logger.Info("invocation succeeded", "duration_ms", res.Duration.Milliseconds())
	} else {
		logger.Warn("invocation failed", "duration_ms", res.Duration.Milliseconds(), "diagnostic", res.Diagnostic)
	}
	inv.publish(events.InvocationCompleted, res)

	if inv.recorder != nil {
		if err := inv.recorder.Record(ctx, res); err != nil {
			logger.Error("failed to record result", "error", err)
		}
	}
	if inv.onResult != nil {
		inv.onResult(res)
	}
	return res
}

func (inv *Invoker) call(ctx context.Context, item workload.WorkItem) (ok bool, diagnostic string) {
	defer func() {
		if r := recover(); r != nil {
			ok, diagnostic = false, fmt.Sprintf("panic during invocation: %v", r)
		}
	}()

	r, err := inv.session.Invoke(ctx, inv.action.Command, inv.action.Parameters(item))
	if err != nil {
		return false, truncate(err.Error())
	}
	if r == nil {
		return false, "session returned no result"
	}
	if !r.Succeeded || len(r.Errors) > 0 {
		return false, truncate(describeFailure(r))
	}
	return true, ""
}

func (inv *Invoker) publish(eventType events.Type, res InvocationResult) {
	if inv.publisher != nil {
		inv.publisher.Publish(eventType, res)
	}
}

func describeFailure(r *session.Result) string {
	parts := append([]string(nil), r.Errors...)
	if len(parts) == 0 {
		parts = append(parts, "remote command reported failure")
	}
	if s := strings.TrimSpace(r.Stderr); s != "" {
		parts = append(parts, "stderr: "+s)
	}
	return strings.Join(parts, "; ")
}

func truncate(s string) string {
	if len(s) > maxDiagnosticBytes {
		return s[:maxDiagnosticBytes]
	}
	return s
}
