package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/rota/internal/endpoint"
	"github.com/mattjoyce/rota/internal/events"
	"github.com/mattjoyce/rota/internal/log"
	"github.com/mattjoyce/rota/internal/roster"
)

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/rota/internal/dispatch Recorder

// Recorder persists job outcomes.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Metrics receives dispatch measurements.
type Metrics interface {
	ObserveJob(capability, outcome string, fallback bool, elapsed time.Duration)
	SetRosterSize(n int)
}

// Dispatcher owns the roster and turns events into roster mutations and
// payload relays.
type Dispatcher struct {
	roster    *roster.Roster
	recorder  Recorder
	metrics   Metrics
	publisher events.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder sets where job outcomes are written.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher over r. A nil roster gets a fresh empty one.
func New(r *roster.Roster, opts ...Option) *Dispatcher {
	if r == nil {
		r = roster.New(nil)
	}
	d := &Dispatcher{
		roster:    r,
		recorder:  nopRecorder{},
		metrics:   nopMetrics{},
		publisher: nopPublisher{},
		logger:    log.WithComponent("dispatch"),
		tracer:    otel.Tracer("github.com/mattjoyce/rota/internal/dispatch"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Roster exposes the roster for read-only inspection.
func (d *Dispatcher) Roster() *roster.Roster {
	return d.roster
}

// Handle processes one event. It is safe to call concurrently for events
// from different connections.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventOnDuty:
		return d.onDuty(ev)
	case EventOffDuty:
		return d.offDuty(ev)
	case EventJob:
		return d.job(ctx, ev)
	default:
		d.logger.Error("unrecognized event type", "type", string(ev.Type))
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}

func (d *Dispatcher) onDuty(ev Event) error {
	if ev.WorkerID == "" || ev.Endpoint == nil {
		return fmt.Errorf("%w: on-duty requires worker id and endpoint", ErrInvalidEvent)
	}
	d.roster.Add(&roster.Entry{
		ID:           ev.WorkerID,
		Capabilities: ev.Capabilities,
		Endpoint:     ev.Endpoint,
		JoinedAt:     d.now(),
	})
	d.metrics.SetRosterSize(d.roster.Len())
	d.publisher.Publish(events.TypeWorkerOnDuty, map[string]any{
		"worker_id":    ev.WorkerID,
		"capabilities": ev.Capabilities,
	})
	d.logger.Info("worker on duty", "worker_id", ev.WorkerID, "capabilities", ev.Capabilities)
	return nil
}

func (d *Dispatcher) offDuty(ev Event) error {
	if ev.WorkerID == "" {
		return fmt.Errorf("%w: off-duty requires worker id", ErrInvalidEvent)
	}
	if !d.roster.Remove(ev.WorkerID) {
		d.logger.Debug("off-duty for unknown worker", "worker_id", ev.WorkerID)
		return nil
	}
	d.metrics.SetRosterSize(d.roster.Len())
	d.publisher.Publish(events.TypeWorkerOffDuty, map[string]any{"worker_id": ev.WorkerID})
	d.logger.Info("worker off duty", "worker_id", ev.WorkerID)
	return nil
}

// job relays one job. The wait for the worker's result has no deadline of
// its own: a worker that never answers holds the requester until ctx is
// cancelled. Cancellation ends the job for the requester only; the worker
// is returned once its result arrives.
func (d *Dispatcher) job(ctx context.Context, ev Event) (err error) {
	if ev.Endpoint == nil {
		return fmt.Errorf("%w: job requires a requester endpoint", ErrInvalidEvent)
	}

	out := Outcome{
		JobID:      uuid.NewString(),
		Capability: ev.Capability,
		StartedAt:  d.now(),
	}
	logger := log.WithJob(out.JobID).With("capability", ev.Capability)

	ctx, span := d.tracer.Start(ctx, "dispatch.job", trace.WithAttributes(
		attribute.String("job.id", out.JobID),
		attribute.String("job.capability", ev.Capability),
	))
	defer func() {
		if err != nil {
			out.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, out.Status)
		} else {
			span.SetStatus(codes.Ok, out.Status)
		}
		span.End()
		d.finish(ctx, out, logger)
	}()

	requester := ev.Endpoint

	// 1. Full job payload from the requester.
	payload, err := requester.Receive(ctx)
	if err != nil {
		out.Status = failureStatus(ctx, StatusRequesterFailed)
		return fmt.Errorf("%w: receive job payload: %w", ErrRequesterFailed, err)
	}
	out.Payload = payload

	// 2. Pick a worker; an empty roster fails this job only.
	taken, err := d.roster.TakeMatching(ev.Capability)
	if err != nil {
		out.Status = StatusNoStaff
		d.notifyRequester(ctx, requester, err.Error(), logger)
		return fmt.Errorf("job %s: %w", out.JobID, err)
	}
	worker := taken.Entry
	out.WorkerID = worker.ID
	out.Matched = taken.Matched
	span.SetAttributes(
		attribute.String("worker.id", worker.ID),
		attribute.Bool("job.fallback", !taken.Matched),
	)
	d.metrics.SetRosterSize(d.roster.Len())
	d.publisher.Publish(events.TypeJobDispatched, map[string]any{
		"job_id":     out.JobID,
		"capability": ev.Capability,
		"worker_id":  worker.ID,
		"fallback":   !taken.Matched,
	})
	logger.Info("job dispatched", "worker_id", worker.ID, "fallback", !taken.Matched)

	// 3. Hand the payload over.
	if err := worker.Endpoint.Send(ctx, payload); err != nil {
		if isContextErr(ctx, err) {
			// Nothing reached the worker.
			d.returnWorker(taken)
		} else {
			d.releaseWorker(taken)
		}
		out.Status = failureStatus(ctx, StatusWorkerFailed)
		d.notifyRequester(ctx, requester, err.Error(), logger)
		return fmt.Errorf("%w: worker %s: send job payload: %w", ErrWorkerFailed, worker.ID, err)
	}

	// 4. Wait for exactly one result.
	result, err := worker.Endpoint.Receive(ctx)
	if err != nil {
		var remote *endpoint.RemoteError
		switch {
		case errors.As(err, &remote):
			// The worker answered with a failure; its channel is healthy.
			d.returnWorker(taken)
		case isContextErr(ctx, err):
			// The worker still owes a result. It stays checked out until
			// that arrives so the result cannot leak into a later job.
			go d.awaitAbandoned(taken, logger)
		default:
			d.releaseWorker(taken)
		}
		out.Status = failureStatus(ctx, StatusWorkerFailed)
		d.notifyRequester(ctx, requester, err.Error(), logger)
		return fmt.Errorf("%w: worker %s: receive result: %w", ErrWorkerFailed, worker.ID, err)
	}
	out.Result = result

	// 5 and 6. Relay the result; the worker goes back on the roster either way.
	sendErr := requester.Send(ctx, result)
	d.returnWorker(taken)
	if sendErr != nil {
		out.Status = failureStatus(ctx, StatusRequesterFailed)
		return fmt.Errorf("%w: send result: %w", ErrRequesterFailed, sendErr)
	}

	out.Status = StatusSucceeded
	return nil
}

// awaitAbandoned drains the result of a job whose requester gave up, then
// returns the worker. Only a broken channel keeps it off the roster.
func (d *Dispatcher) awaitAbandoned(taken roster.Taken, logger *slog.Logger) {
	_, err := taken.Entry.Endpoint.Receive(context.Background())
	var remote *endpoint.RemoteError
	if err != nil && !errors.As(err, &remote) {
		logger.Warn("worker channel failed after job was abandoned", "worker_id", taken.Entry.ID, "error", err)
		d.releaseWorker(taken)
		return
	}
	logger.Debug("late result discarded", "worker_id", taken.Entry.ID)
	d.returnWorker(taken)
}

func (d *Dispatcher) returnWorker(taken roster.Taken) {
	if d.roster.Return(taken) {
		d.metrics.SetRosterSize(d.roster.Len())
	}
}

func (d *Dispatcher) releaseWorker(taken roster.Taken) {
	d.roster.Release(taken)
	d.metrics.SetRosterSize(d.roster.Len())
}

// notifyRequester reports a failed job to the requester when its transport
// can carry failures. Errors here are logged only; the job already failed.
func (d *Dispatcher) notifyRequester(ctx context.Context, requester endpoint.Endpoint, reason string, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	if _, err := endpoint.FailIfSupported(ctx, requester, reason); err != nil {
		logger.Warn("failed to report job failure to requester", "error", err)
	}
}

func (d *Dispatcher) finish(ctx context.Context, out Outcome, logger *slog.Logger) {
	out.CompletedAt = d.now()
	elapsed := out.CompletedAt.Sub(out.StartedAt)

	d.metrics.ObserveJob(out.Capability, out.Status, out.Fallback(), elapsed)

	if err := d.recorder.Record(context.WithoutCancel(ctx), out); err != nil {
		logger.Error("failed to record job outcome", "error", err)
	}

	data := map[string]any{
		"job_id":      out.JobID,
		"capability":  out.Capability,
		"worker_id":   out.WorkerID,
		"status":      out.Status,
		"duration_ms": elapsed.Milliseconds(),
	}
	if out.Status == StatusSucceeded {
		d.publisher.Publish(events.TypeJobCompleted, data)
		logger.Info("job completed", "worker_id", out.WorkerID, "duration_ms", elapsed.Milliseconds())
		return
	}
	data["error"] = out.Error
	d.publisher.Publish(events.TypeJobFailed, data)
	logger.Warn("job failed", "status", out.Status, "worker_id", out.WorkerID, "error", out.Error)
}

// isContextErr reports whether err is ctx's own cancellation rather than a
// channel failure.
func isContextErr(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func failureStatus(ctx context.Context, status string) string {
	if ctx.Err() != nil {
		return StatusCancelled
	}
	return status
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Outcome) error { return nil }

type nopMetrics struct{}

func (nopMetrics) ObserveJob(string, string, bool, time.Duration) {}
func (nopMetrics) SetRosterSize(int)                              {}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}
