// Package fanout issues asynchronous commands to sets of remote resources
// and aggregates their completion events.
package fanout

import (
	"context"
	"sync"

	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
)

// resultBuffer bounds how many undrained completion events the tracker can
// hold. Sized well above the largest possible fan-out (every VCC plus every
// FSP) so event-delivery threads never block on a slow waiter.
const resultBuffer = 1024

// Tracker holds the set of asynchronous operations currently in flight,
// keyed by correlation ID, and the stream of completion events delivered by
// per-resource change-notification subscriptions.
//
// Every outstanding entry is removed exactly once: by a matching result, or
// by the abandon pass a timed-out or aborted wait performs.
type Tracker struct {
	log logging.Logger

	mu          sync.Mutex
	outstanding map[rpc.CorrelationID]string // correlation ID -> resource name
	results     chan rpc.Event
}

// NewTracker builds an empty tracker.
func NewTracker(log logging.Logger) *Tracker {
	if log == nil {
		log = logging.Noop()
	}
	return &Tracker{
		log:         log,
		outstanding: make(map[rpc.CorrelationID]string),
		results:     make(chan rpc.Event, resultBuffer),
	}
}

// Add registers an issued operation as outstanding.
func (t *Tracker) Add(id rpc.CorrelationID, resource string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding[id] = resource
}

// Deliver feeds a command-result event into the tracker. It is the handler
// to hook into each resource's change-notification subscription; non-result
// events are ignored.
func (t *Tracker) Deliver(ev rpc.Event) {
	if ev.Kind != rpc.EventCommandResult {
		return
	}
	select {
	case t.results <- ev:
	default:
		// The buffer is sized so this cannot happen during normal
		// operation; a full buffer means nothing has drained results
		// for a very long time.
		t.log.Error(context.Background(), "result buffer full, dropping completion event",
			logging.String("correlation_id", string(ev.CorrelationID)))
	}
}

// Pending returns the number of operations still outstanding.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// remove takes an entry out of the outstanding set, returning the resource
// name and whether the ID was known.
func (t *Tracker) remove(id rpc.CorrelationID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.outstanding[id]
	if ok {
		delete(t.outstanding, id)
	}
	return name, ok
}

// Abandon drops every outstanding entry, returning the names of the
// resources whose operations were abandoned. Waits do this on timeout and
// cancellation; callers that bail out after a partial issuance must do it
// themselves, or the leftover entries are charged to the next wait.
func (t *Tracker) Abandon() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.outstanding))
	for _, name := range t.outstanding {
		names = append(names, name)
	}
	t.outstanding = make(map[rpc.CorrelationID]string)
	return names
}
