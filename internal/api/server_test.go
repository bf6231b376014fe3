package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/groupfill/internal/dispatch"
	"github.com/mattjoyce/groupfill/internal/events"
	"github.com/mattjoyce/groupfill/internal/gate"
)

type fixedStatus dispatch.Status

func (f fixedStatus) Status() dispatch.Status { return dispatch.Status(f) }

func newTestServer(t *testing.T, cfg Config, source StatusSource, feed *events.Feed) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(New(cfg, source, feed, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	source := fixedStatus{Phase: dispatch.PhaseDispatching}
	srv := newTestServer(t, Config{APIKey: "secret"}, source, nil)

	resp := get(t, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, dispatch.PhaseDispatching, body.Phase)
}

func TestStatus(t *testing.T) {
	source := fixedStatus{
		RunID:     "run-1",
		Phase:     dispatch.PhaseDraining,
		Total:     10,
		Submitted: 10,
		Succeeded: 6,
		Failed:    1,
		Gate:      gate.Stats{Capacity: 4, Outstanding: 3, Available: 1, Peak: 4, Admitted: 10},
	}
	srv := newTestServer(t, Config{}, source, nil)

	resp := get(t, srv.URL+"/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, dispatch.PhaseDraining, body.Phase)
	assert.EqualValues(t, 3, body.Remaining)
	assert.EqualValues(t, 3, body.Gate.Outstanding)
	assert.EqualValues(t, 4, body.Gate.Peak)
}

func TestStatusWithoutSource(t *testing.T) {
	srv := newTestServer(t, Config{}, nil, nil)
	resp := get(t, srv.URL+"/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusAuth(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "secret"}, fixedStatus{}, nil)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{name: "missing", key: "", want: http.StatusUnauthorized},
		{name: "wrong", key: "nope", want: http.StatusUnauthorized},
		{name: "valid", key: "secret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, srv.URL+"/status", tt.key)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer ", wantErr: true},
		{header: "Bearer   ", wantErr: true},
		{header: "Bearer abc", want: "abc"},
		{header: "Bearer  abc ", want: "abc"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractAPIKey(r)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got)
	}

	assert.False(t, ValidateAPIKey("x", ""))
	assert.False(t, ValidateAPIKey("", "x"))
	assert.False(t, ValidateAPIKey("abc", "abcd"))
	assert.True(t, ValidateAPIKey("abcd", "abcd"))
}

type sseEvent struct {
	id, typ, data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.id != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openEvents(t *testing.T, url, lastID string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/events", nil)
	require.NoError(t, err)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestEventsReplayAndLive(t *testing.T) {
	feed := events.NewFeed(16)
	feed.Publish(events.RunStarted, map[string]any{"run_id": "r"})
	feed.Publish(events.BatchStarted, map[string]any{"group": "G1"})
	srv := newTestServer(t, Config{}, fixedStatus{}, feed)

	resp := openEvents(t, srv.URL, "1")
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	first := readSSE(t, r)
	assert.Equal(t, "2", first.id)
	assert.Equal(t, string(events.BatchStarted), first.typ)
	assert.JSONEq(t, `{"group":"G1"}`, first.data)

	feed.Publish(events.InvocationStarted, map[string]any{"member": "m1"})
	live := readSSE(t, r)
	assert.Equal(t, "3", live.id)
	assert.Equal(t, string(events.InvocationStarted), live.typ)
}

func TestEventsStreamEndsAfterRunCompleted(t *testing.T) {
	feed := events.NewFeed(16)
	feed.Publish(events.RunStarted, nil)
	srv := newTestServer(t, Config{}, fixedStatus{}, feed)

	resp := openEvents(t, srv.URL, "")
	r := bufio.NewReader(resp.Body)
	assert.Equal(t, string(events.RunStarted), readSSE(t, r).typ)

	feed.Publish(events.RunCompleted, map[string]any{"succeeded": 3})
	last := readSSE(t, r)
	assert.Equal(t, "2", last.id)
	assert.Equal(t, string(events.RunCompleted), last.typ)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(rest)))
}

func TestEventsAfterCompletionReplaysAndCloses(t *testing.T) {
	feed := events.NewFeed(16)
	feed.Publish(events.RunStarted, nil)
	feed.Publish(events.RunCompleted, nil)
	srv := newTestServer(t, Config{}, fixedStatus{}, feed)

	body, err := io.ReadAll(openEvents(t, srv.URL, "").Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: run.started")
	assert.Contains(t, string(body), "event: run.completed")

	// Resuming past the end returns an empty, closed stream.
	body, err = io.ReadAll(openEvents(t, srv.URL, "2").Body)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(body)))
}

func TestEventsWithoutFeed(t *testing.T) {
	srv := newTestServer(t, Config{}, fixedStatus{}, nil)
	body, err := io.ReadAll(openEvents(t, srv.URL, "").Body)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestLastEventID(t *testing.T) {
	tests := []struct {
		header, query string
		want          int64
	}{
		{want: 0},
		{header: "x", want: 0},
		{header: "-4", want: 0},
		{header: "42", want: 42},
		{query: "7", want: 7},
		{header: "9", query: "7", want: 9},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/events?last_event_id="+tt.query, nil)
		if tt.header != "" {
			r.Header.Set("Last-Event-ID", tt.header)
		}
		assert.Equal(t, tt.want, lastEventID(r), "header=%q query=%q", tt.header, tt.query)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s := New(Config{Listen: "127.0.0.1:0"}, fixedStatus{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
