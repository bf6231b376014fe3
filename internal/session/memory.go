package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/groupfill/internal/config"
)

// Call is one invocation recorded by a MemorySession.
type Call struct {
	Command string
	Params  map[string]string
	At      time.Time
}

// MemoryOpener opens in-process sessions. Used for dry runs and tests.
type MemoryOpener struct {
	// Latency is how long each Invoke takes.
	Latency time.Duration
	// Fail decides which calls report a remote execution error.
	Fail func(command string, params map[string]string) bool
	// OpenErr, when set, makes Open fail with a ConnectionError.
	OpenErr error

	mu       sync.Mutex
	sessions []*MemorySession
}

// NewMemoryOpenerFromConfig is the registry factory for the memory transport.
// Calls whose parameters name a member in fail_members report an error.
func NewMemoryOpenerFromConfig(cfg config.SessionConfig) (Opener, error) {
	o := &MemoryOpener{}
	if cfg.Memory == nil {
		return o, nil
	}
	o.Latency = cfg.Memory.Latency
	if len(cfg.Memory.FailMembers) > 0 {
		fail := make(map[string]bool, len(cfg.Memory.FailMembers))
		for _, m := range cfg.Memory.FailMembers {
			fail[m] = true
		}
		o.Fail = func(_ string, params map[string]string) bool {
			for _, v := range params {
				if fail[v] {
					return true
				}
			}
			return false
		}
	}
	return o, nil
}

// Open returns a fresh MemorySession.
func (o *MemoryOpener) Open(_ context.Context, ep Endpoint) (Session, error) {
	if o.OpenErr != nil {
		return nil, &ConnectionError{Endpoint: ep.URI, Err: o.OpenErr}
	}
	s := &MemorySession{endpoint: ep, latency: o.Latency, fail: o.Fail}
	o.mu.Lock()
	o.sessions = append(o.sessions, s)
	o.mu.Unlock()
	return s, nil
}

// Sessions returns every session this opener has handed out.
func (o *MemoryOpener) Sessions() []*MemorySession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*MemorySession(nil), o.sessions...)
}

// MemorySession records invocations instead of reaching a remote endpoint.
type MemorySession struct {
	endpoint Endpoint
	latency  time.Duration
	fail     func(string, map[string]string) bool

	mu    sync.Mutex
	calls []Call

	inflight       atomic.Int64
	peak           atomic.Int64
	closes         atomic.Int64
	closedInflight atomic.Int64
	closed         atomic.Bool
}

func (s *MemorySession) Invoke(ctx context.Context, command string, params map[string]string) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	s.mu.Lock()
	s.calls = append(s.calls, Call{Command: command, Params: cp, At: time.Now()})
	s.mu.Unlock()

	if s.fail != nil && s.fail(command, cp) {
		return &Result{Errors: []string{fmt.Sprintf("%s failed for %v", command, cp)}}, nil
	}
	return &Result{Succeeded: true, Output: command + " ok"}, nil
}

// Close marks the session closed. Only the first call succeeds.
func (s *MemorySession) Close() error {
	s.closes.Add(1)
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.closedInflight.Store(s.inflight.Load())
	return nil
}

// Calls returns a copy of the recorded invocations in completion order.
func (s *MemorySession) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Peak is the highest number of concurrent Invoke calls observed.
func (s *MemorySession) Peak() int { return int(s.peak.Load()) }

// CloseCount is how many times Close was called.
func (s *MemorySession) CloseCount() int { return int(s.closes.Load()) }

// InflightAtClose is how many Invoke calls were still running when the session closed.
func (s *MemorySession) InflightAtClose() int { return int(s.closedInflight.Load()) }

// Endpoint is the endpoint the session was opened against.
func (s *MemorySession) Endpoint() Endpoint { return s.endpoint }
