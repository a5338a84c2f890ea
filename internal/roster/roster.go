// Package roster tracks the workers currently available for dispatch.
//
// A worker is either available (held in insertion order) or checked out
// while it services a job. All operations serialize on one mutex, so a
// worker can never be handed to two jobs at once.
package roster

import (
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/rota/internal/endpoint"
	"github.com/mattjoyce/rota/internal/log"
)

// ErrNoStaff is returned by TakeMatching when no worker is on duty.
var ErrNoStaff = errors.New("no staff available")

// Entry is one on-duty worker.
type Entry struct {
	ID           string
	Capabilities []string
	Endpoint     endpoint.Endpoint
	JoinedAt     time.Time
}

// HasCapability reports whether the worker declared capability.
func (e *Entry) HasCapability(capability string) bool {
	return slices.Contains(e.Capabilities, capability)
}

// Taken is the result of a successful TakeMatching. Pass it back to Return
// or Release to end the checkout.
type Taken struct {
	Entry *Entry
	// Matched is false when the worker was chosen by the oldest-worker
	// fallback rather than by capability.
	Matched bool

	seq uint64
}

// checkout is a busy worker. entry is the registration the worker goes back
// on duty with; it changes if the worker re-announces mid-job.
type checkout struct {
	entry *Entry
	seq   uint64
}

// Roster is the set of available workers plus the ones checked out for jobs.
type Roster struct {
	mu        sync.Mutex
	available []*Entry
	busy      map[string]*checkout
	seq       uint64
	logger    *slog.Logger
}

// New creates an empty roster. A nil logger uses the component logger.
func New(logger *slog.Logger) *Roster {
	if logger == nil {
		logger = log.WithComponent("roster")
	}
	return &Roster{
		busy:   make(map[string]*checkout),
		logger: logger,
	}
}

// Add puts a worker on duty.
//
// A repeated announcement for an available id overwrites the entry in place
// and keeps its position. An announcement for an id that is checked out
// only updates the registration it will return with: a busy worker never
// becomes available before its job ends. Add reports whether an existing
// entry was replaced.
func (r *Roster) Add(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexLocked(e.ID); i >= 0 {
		r.available[i] = e
		r.logger.Warn("duplicate on-duty announcement, overwriting entry", "worker_id", e.ID)
		return true
	}
	if co, ok := r.busy[e.ID]; ok {
		co.entry = e
		r.logger.Warn("on-duty announcement for busy worker, updating checkout", "worker_id", e.ID)
		return true
	}
	r.available = append(r.available, e)
	return false
}

// Remove takes a worker off duty. If the worker is currently checked out the
// checkout is cancelled so it is not returned when its job completes.
// Remove returns false for an unknown id.
func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexLocked(id); i >= 0 {
		r.available = slices.Delete(r.available, i, i+1)
		return true
	}
	if _, ok := r.busy[id]; ok {
		delete(r.busy, id)
		return true
	}
	return false
}

// TakeMatching selects a worker for capability (see Select), removes it from
// the available set, and checks it out.
func (r *Roster) TakeMatching(capability string) (Taken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, matched, ok := Select(r.available, capability)
	if !ok {
		return Taken{}, ErrNoStaff
	}
	e := r.available[idx]
	r.available = slices.Delete(r.available, idx, idx+1)
	r.seq++
	r.busy[e.ID] = &checkout{entry: e, seq: r.seq}
	return Taken{Entry: e, Matched: matched, seq: r.seq}, nil
}

// Return ends a checkout and re-appends the worker at the end of iteration
// order, using its latest registration. It returns false, inserting
// nothing, when the checkout was cancelled by Remove in the meantime.
func (r *Roster) Return(t Taken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	co, ok := r.takeCheckoutLocked(t)
	if !ok {
		r.logger.Info("dropping return of worker no longer checked out", "worker_id", t.Entry.ID)
		return false
	}
	r.available = append(r.available, co.entry)
	return true
}

// Release ends a checkout whose channel failed mid-job. The worker stays off
// the roster unless it re-announced over a different endpoint while busy,
// in which case that registration becomes available. Release reports
// whether the worker went back on duty.
func (r *Roster) Release(t Taken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	co, ok := r.takeCheckoutLocked(t)
	if !ok || co.entry.Endpoint == t.Entry.Endpoint {
		return false
	}
	r.available = append(r.available, co.entry)
	return true
}

func (r *Roster) takeCheckoutLocked(t Taken) (*checkout, bool) {
	if t.Entry == nil {
		return nil, false
	}
	co, ok := r.busy[t.Entry.ID]
	if !ok || co.seq != t.seq {
		return nil, false
	}
	delete(r.busy, t.Entry.ID)
	return co, true
}

// Snapshot returns the available workers in dispatch order.
func (r *Roster) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.available))
	for i, e := range r.available {
		out[i] = *e
		out[i].Capabilities = slices.Clone(e.Capabilities)
	}
	return out
}

// IDs returns the available worker ids in dispatch order.
func (r *Roster) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, len(r.available))
	for i, e := range r.available {
		ids[i] = e.ID
	}
	return ids
}

// Busy returns the ids of checked-out workers, sorted.
func (r *Roster) Busy() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.busy))
	for id := range r.busy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of available workers.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.available)
}

// Contains reports whether id is available for dispatch.
func (r *Roster) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexLocked(id) >= 0
}

func (r *Roster) indexLocked(id string) int {
	for i, e := range r.available {
		if e.ID == id {
			return i
		}
	}
	return -1
}
