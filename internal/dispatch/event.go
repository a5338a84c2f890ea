package dispatch

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/rota/internal/endpoint"
	"github.com/mattjoyce/rota/internal/roster"
)

// EventType names a dispatcher event. Values match the wire frame types.
type EventType string

const (
	EventOnDuty  EventType = "staff.onduty"
	EventOffDuty EventType = "staff.offduty"
	EventJob     EventType = "order"
)

// Event is one already-parsed request delivered by the connection layer.
type Event struct {
	Type EventType

	// WorkerID and Capabilities are set for on-duty; WorkerID for off-duty.
	WorkerID     string
	Capabilities []string

	// Capability is the requested capability of a job.
	Capability string

	// Endpoint is the worker's channel for on-duty and the requester's
	// channel for a job.
	Endpoint endpoint.Endpoint
}

var (
	// ErrNoStaff means the roster was empty when the job arrived.
	ErrNoStaff = roster.ErrNoStaff
	// ErrUnknownEventType signals a caller or transport bug.
	ErrUnknownEventType = errors.New("unrecognized event type")
	// ErrInvalidEvent means a known event type was missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrWorkerFailed means the worker's channel failed or the worker
	// reported a failure for the job.
	ErrWorkerFailed = errors.New("worker failed")
	// ErrRequesterFailed means the requester's channel failed.
	ErrRequesterFailed = errors.New("requester failed")
)

// Job outcome statuses.
const (
	StatusSucceeded       = "succeeded"
	StatusNoStaff         = "no_staff"
	StatusWorkerFailed    = "worker_failed"
	StatusRequesterFailed = "requester_failed"
	StatusCancelled       = "cancelled"
)

// Outcome describes one finished job.
type Outcome struct {
	JobID       string
	Capability  string
	WorkerID    string
	Matched     bool
	Status      string
	Payload     json.RawMessage
	Result      json.RawMessage
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Fallback reports whether the job went to a worker lacking the capability.
func (o Outcome) Fallback() bool {
	return o.WorkerID != "" && !o.Matched
}
