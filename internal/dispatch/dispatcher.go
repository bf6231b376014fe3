package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/groupfill/internal/config"
	"github.com/mattjoyce/groupfill/internal/events"
	"github.com/mattjoyce/groupfill/internal/gate"
	"github.com/mattjoyce/groupfill/internal/log"
	"github.com/mattjoyce/groupfill/internal/session"
	"github.com/mattjoyce/groupfill/internal/workload"
)

// Run phases reported by Status.
const (
	PhasePending     = "pending"
	PhaseDispatching = "dispatching"
	PhaseDraining    = "draining"
	PhaseCompleted   = "completed"
	PhaseFailed      = "failed"
)

// Config is everything a run needs. It is passed in explicitly; nothing is read
// from globals.
type Config struct {
	Parallelism  int
	MemberFormat string
	Batches      []workload.Batch
	Action       Action
	Endpoint     session.Endpoint
}

// ConfigFrom maps the loaded configuration file onto a dispatcher Config.
func ConfigFrom(cfg *config.Config) Config {
	batches := make([]workload.Batch, 0, len(cfg.Batches))
	for _, b := range cfg.Batches {
		batches = append(batches, workload.Batch{Group: b.Group, Size: b.Size, Universe: b.Universe})
	}
	return Config{
		Parallelism:  cfg.Dispatch.Parallelism,
		MemberFormat: cfg.Action.MemberFormat,
		Batches:      batches,
		Action: Action{
			Command:     cfg.Action.Command,
			GroupParam:  cfg.Action.GroupParam,
			MemberParam: cfg.Action.MemberParam,
			Params:      cfg.Action.Params,
		},
		Endpoint: session.EndpointFromConfig(cfg.Session),
	}
}

// Summary is the tally of a finished run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Submitted int64         `json:"submitted"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Peak      int           `json:"peak"`
	Duration  time.Duration `json:"duration"`
}

// Status is a live view of a run.
type Status struct {
	RunID     string     `json:"run_id"`
	Phase     string     `json:"phase"`
	Total     int        `json:"total"`
	Submitted int64      `json:"submitted"`
	Succeeded int64      `json:"succeeded"`
	Failed    int64      `json:"failed"`
	Gate      gate.Stats `json:"gate"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher sends progress events to p.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithRecorder hands every result to r.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(d *Dispatcher) { d.runID = id }
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher drives one run over one session.
type Dispatcher struct {
	cfg       Config
	opener    session.Opener
	gate      *gate.Gate
	publisher Publisher
	recorder  Recorder
	logger    *slog.Logger
	runID     string
	total     int

	phase     atomic.Value
	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// New creates a Dispatcher. The gate is sized from cfg.Parallelism.
func New(cfg Config, opener session.Opener, opts ...Option) (*Dispatcher, error) {
	if opener == nil {
		return nil, fmt.Errorf("session opener is nil")
	}
	g, err := gate.New(cfg.Parallelism)
	if err != nil {
		return nil, fmt.Errorf("dispatch.parallelism: %w", err)
	}
	if cfg.MemberFormat == "" {
		cfg.MemberFormat = "%d"
	}

	d := &Dispatcher{
		cfg:    cfg,
		opener: opener,
		gate:   g,
		runID:  uuid.NewString(),
		total:  workload.Count(cfg.Batches),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithRun(d.runID).With("component", "dispatch")
	}
	d.phase.Store(PhasePending)
	return d, nil
}

// RunID identifies this run in logs, events and the journal.
func (d *Dispatcher) RunID() string { return d.runID }

// Total is the number of work items the run will dispatch.
func (d *Dispatcher) Total() int { return d.total }

// Run opens the session, dispatches every item, drains, and closes the
// session. Failing to open the session is the only fatal error; per-item
// failures never surface here. If ctx is cancelled, admission stops but
// everything already admitted is drained before the session closes, and
// ctx.Err() is returned with the partial summary.
func (d *Dispatcher) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	ctx = session.WithRunID(ctx, d.runID)

	d.logger.Info("run starting",
		"batches", len(d.cfg.Batches),
		"items", d.total,
		"parallelism", d.cfg.Parallelism,
		"endpoint", d.cfg.Endpoint.URI,
	)
	d.publish(events.RunStarted, map[string]any{
		"run_id":      d.runID,
		"items":       d.total,
		"parallelism": d.cfg.Parallelism,
	})

	sess, err := d.opener.Open(ctx, d.cfg.Endpoint)
	if err != nil {
		d.phase.Store(PhaseFailed)
		var connErr *session.ConnectionError
		if !errors.As(err, &connErr) {
			err = &session.ConnectionError{Endpoint: d.cfg.Endpoint.URI, Err: err}
		}
		d.logger.Error("failed to open session", "error", err)
		d.publish(events.RunCompleted, map[string]any{"run_id": d.runID, "error": err.Error()})
		return nil, err
	}

	inv := &Invoker{
		session:   sess,
		action:    d.cfg.Action,
		runID:     d.runID,
		logger:    d.logger,
		publisher: d.publisher,
		recorder:  d.recorder,
		onResult:  d.tally,
	}

	d.phase.Store(PhaseDispatching)
	admitErr := d.dispatchAll(ctx, inv)
	if admitErr != nil {
		d.logger.Warn("admission stopped early", "error", admitErr, "submitted", d.submitted.Load())
	}

	d.phase.Store(PhaseDraining)
	d.logger.Info("draining", "outstanding", d.gate.Outstanding())
	d.publish(events.RunDraining, d.Status())
	d.gate.Drain()

	closeErr := sess.Close()
	if closeErr != nil {
		d.logger.Error("failed to close session", "error", closeErr)
	}

	summary := d.summary(time.Since(start))
	d.phase.Store(PhaseCompleted)
	d.logger.Info("run completed",
		"submitted", summary.Submitted,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"peak", summary.Peak,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	d.publish(events.RunCompleted, summary)

	if admitErr != nil {
		return summary, admitErr
	}
	if closeErr != nil {
		return summary, fmt.Errorf("close session: %w", closeErr)
	}
	return summary, nil
}

// dispatchAll is the single producer: acquire, launch, repeat. Invocations
// are not awaited here; the remote call runs detached from ctx cancellation
// so an admitted mutation is never torn down half way.
func (d *Dispatcher) dispatchAll(ctx context.Context, inv *Invoker) error {
	invokeCtx := context.WithoutCancel(ctx)
	for i, b := range d.cfg.Batches {
		d.logger.Info("batch starting", "batch", i+1, "group", b.Group, "size", b.Size, "universe", b.Universe)
		d.publish(events.BatchStarted, map[string]any{
			"run_id": d.runID, "batch": i + 1, "group": b.Group, "size": b.Size,
		})

		for item := range b.Items(d.cfg.MemberFormat) {
			if err := d.gate.Acquire(ctx); err != nil {
				return err
			}
			d.submitted.Add(1)
			go inv.Invoke(invokeCtx, item, d.gate.Release)
		}
	}
	return nil
}

func (d *Dispatcher) tally(res InvocationResult) {
	if res.Succeeded {
		d.succeeded.Add(1)
	} else {
		d.failed.Add(1)
	}
}

func (d *Dispatcher) publish(eventType events.Type, data any) {
	if d.publisher != nil {
		d.publisher.Publish(eventType, data)
	}
}

func (d *Dispatcher) summary(elapsed time.Duration) *Summary {
	return &Summary{
		RunID:     d.runID,
		Total:     d.total,
		Submitted: d.submitted.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Peak:      d.gate.Peak(),
		Duration:  elapsed,
	}
}

// Status snapshots the run. Safe to call from any goroutine.
func (d *Dispatcher) Status() Status {
	phase, _ := d.phase.Load().(string)
	return Status{
		RunID:     d.runID,
		Phase:     phase,
		Total:     d.total,
		Submitted: d.submitted.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Gate:      d.gate.Stats(),
	}
}
