package api

import "github.com/mattjoyce/groupfill/internal/dispatch"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Phase         string `json:"phase,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	dispatch.Status
	UptimeSeconds int64 `json:"uptime_seconds"`
	Remaining     int64 `json:"remaining"`
}
