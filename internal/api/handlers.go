package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.source != nil {
		resp.Phase = s.source.Status().Phase
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no run in progress")
		return
	}
	st := s.source.Status()
	remaining := int64(st.Total) - st.Succeeded - st.Failed
	if remaining < 0 {
		remaining = 0
	}
	respondJSON(w, http.StatusOK, StatusResponse{
		Status:        st,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Remaining:     remaining,
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
