package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/groupfill/internal/events"
)

// keepAliveInterval is a var so tests can shorten it.
var keepAliveInterval = 15 * time.Second

// handleEvents streams the run's progress feed as server-sent events. A
// client first receives every event after Last-Event-ID still held by the
// feed, then live events; the response ends once run.completed is sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.feed == nil {
		return
	}

	cursor := lastEventID(r)
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		evs, completed, changed := s.feed.Since(cursor)
		for _, ev := range evs {
			if err := writeEvent(w, ev); err != nil {
				return
			}
			cursor = ev.ID
		}
		flusher.Flush()
		if completed {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-changed:
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": waiting\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// lastEventID reads the resume point from the Last-Event-ID header, or the
// last_event_id query parameter for clients that cannot set headers.
func lastEventID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("last_event_id")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
