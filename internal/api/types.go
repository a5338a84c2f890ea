package api

import (
	"time"

	"github.com/mattjoyce/rota/internal/joblog"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Available     int    `json:"available"`
	Busy          int    `json:"busy"`
}

// WorkerView is one available worker in roster order.
type WorkerView struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	JoinedAt     time.Time `json:"joined_at"`
}

// RosterResponse is returned by GET /roster.
type RosterResponse struct {
	Available []WorkerView `json:"available"`
	Busy      []string     `json:"busy"`
}

// JobListResponse is returned by GET /jobs.
type JobListResponse struct {
	Jobs []joblog.Record `json:"jobs"`
}
