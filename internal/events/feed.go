// Package events is the progress feed of one run. The feed keeps what the
// dispatcher publishes until the run ends, so a status client that connects
// late can replay the run from its first event, and it seals itself on
// run.completed so readers know when to stop.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type names a progress event.
type Type string

const (
	RunStarted          Type = "run.started"
	BatchStarted        Type = "batch.started"
	InvocationStarted   Type = "invocation.started"
	InvocationCompleted Type = "invocation.completed"
	RunDraining         Type = "run.draining"
	RunCompleted        Type = "run.completed"
)

// Terminal reports whether t is the last event of a run.
func (t Type) Terminal() bool { return t == RunCompleted }

type Event struct {
	ID   int64           `json:"id"`
	Type Type            `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// CapacityFor is the number of events a run of items spread over batches
// publishes: two per item, one per batch, and start, draining and completion.
func CapacityFor(items, batches int) int {
	return 2*items + batches + 3
}

// Feed is an append-only event log for a single run.
type Feed struct {
	mu      sync.Mutex
	log     []Event
	limit   int
	evicted int64
	lastID  int64
	sealed  bool
	changed chan struct{}
}

// NewFeed keeps at most limit events. Size it with CapacityFor to replay a
// whole run; older events are evicted first when a run outgrows it.
func NewFeed(limit int) *Feed {
	if limit < 1 {
		limit = 1
	}
	return &Feed{limit: limit, changed: make(chan struct{})}
}

// Publish appends an event and wakes waiting readers. Events published after
// run.completed are dropped.
func (f *Feed) Publish(t Type, data any) {
	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return
	}

	f.lastID++
	f.log = append(f.log, Event{ID: f.lastID, Type: t, At: time.Now().UTC(), Data: payload})
	if len(f.log) > f.limit {
		f.log = f.log[1:]
		f.evicted++
	}
	if t.Terminal() {
		f.sealed = true
	}

	close(f.changed)
	f.changed = make(chan struct{})
}

// Since returns the events with ID > lastID, whether the run has completed,
// and a channel that is closed by the next Publish.
func (f *Feed) Since(lastID int64) ([]Event, bool, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// IDs are contiguous, so the first unseen event is found by offset.
	first := int64(0)
	if len(f.log) > 0 {
		first = f.log[0].ID
	}
	skip := lastID - first + 1
	if skip < 0 {
		skip = 0
	}
	var out []Event
	if skip < int64(len(f.log)) {
		out = append(out, f.log[skip:]...)
	}
	return out, f.sealed, f.changed
}

// Events returns everything still held, oldest first.
func (f *Feed) Events() []Event {
	evs, _, _ := f.Since(0)
	return evs
}

// Evicted counts events dropped because the feed outgrew its limit.
func (f *Feed) Evicted() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evicted
}

// Completed reports whether run.completed has been published.
func (f *Feed) Completed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sealed
}
