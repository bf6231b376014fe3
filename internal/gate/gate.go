// Package gate bounds how many remote invocations may be in flight at once.
//
// Admission and completion tracking are kept apart: a weighted semaphore
// admits at most Capacity holders, and a WaitGroup counts admitted work
// that has not been released yet. Drain waits on the latter only.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting admission gate with a fixed capacity.
type Gate struct {
	capacity int64
	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	outstanding atomic.Int64
	peak        atomic.Int64
	admitted    atomic.Int64
}

// Stats is a point-in-time view of the gate.
type Stats struct {
	Capacity    int   `json:"capacity"`
	Outstanding int   `json:"outstanding"`
	Available   int   `json:"available"`
	Peak        int   `json:"peak"`
	Admitted    int64 `json:"admitted"`
}

// New returns a gate admitting at most capacity concurrent holders.
func New(capacity int) (*Gate, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("gate capacity must be at least 1 (got %d)", capacity)
	}
	return &Gate{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}, nil
}

// Acquire blocks until a slot is free or ctx is done.
// Every nil return must be paired with exactly one Release.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inflight.Add(1)
	g.admitted.Add(1)
	n := g.outstanding.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Release returns a slot. Releasing more than was acquired panics and leaves
// the counters untouched.
func (g *Gate) Release() {
	for {
		n := g.outstanding.Load()
		if n <= 0 {
			panic("gate: release without matching acquire")
		}
		if g.outstanding.CompareAndSwap(n, n-1) {
			break
		}
	}
	g.inflight.Done()
	g.sem.Release(1)
}

// Drain blocks until nothing is outstanding. Slots that are already free are
// not waited for. No Acquire may run concurrently with Drain.
func (g *Gate) Drain() {
	g.inflight.Wait()
}

// Capacity is the fixed admission limit.
func (g *Gate) Capacity() int { return int(g.capacity) }

// Outstanding is the number of acquired but unreleased slots.
func (g *Gate) Outstanding() int { return int(g.outstanding.Load()) }

// Available is Capacity minus Outstanding.
func (g *Gate) Available() int { return int(g.capacity - g.outstanding.Load()) }

// Peak is the highest Outstanding value observed.
func (g *Gate) Peak() int { return int(g.peak.Load()) }

// Stats snapshots the gate counters.
func (g *Gate) Stats() Stats {
	out := g.outstanding.Load()
	return Stats{
		Capacity:    int(g.capacity),
		Outstanding: int(out),
		Available:   int(g.capacity - out),
		Peak:        int(g.peak.Load()),
		Admitted:    g.admitted.Load(),
	}
}
