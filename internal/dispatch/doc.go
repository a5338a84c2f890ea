// Package dispatch routes jobs to on-duty workers by capability and relays
// payloads between requester and worker.
//
// The dispatcher is driven by three event types delivered by the connection
// layer:
//   - staff.onduty  adds the worker to the roster
//   - staff.offduty removes it (unknown ids are ignored)
//   - order         runs one job
//
// Per worker connection the states are:
//
//	unregistered -> on duty -> busy -> on duty -> ... -> off duty
//
// A job runs as a linear sequence: read the payload from the requester,
// take a worker from the roster (first capability match, else the oldest
// worker), send it the payload, wait for one result, send the result to the
// requester, put the worker back at the end of the roster. Only the roster
// operations are serialized; the relay itself runs unlocked so one slow job
// never blocks other dispatch decisions.
//
// Failure handling:
//   - Empty roster: the job fails with ErrNoStaff, the requester gets a
//     failure frame when its endpoint supports it.
//   - Worker reports a failure: relayed to the requester, worker returned.
//   - Worker channel breaks: job fails with ErrWorkerFailed and the worker is
//     not returned.
//   - Requester channel breaks after the result arrived: the worker is still
//     returned.
//   - Worker goes off duty mid-job: its checkout is cancelled and it is not
//     returned when the job ends.
//   - Unknown event type: ErrUnknownEventType, isolated to that event.
//
// Known limitation: there is no timeout on the worker's result. A worker that
// never answers keeps its requester waiting until the caller cancels the
// context.
package dispatch
