package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
)

// Target names one resource a fan-out operation should reach. Arg, when
// non-nil, overrides the common argument for this target; per-FSP scan
// configuration fragments use this.
type Target struct {
	Name   string
	Client rpc.Client
	Arg    json.RawMessage
}

// TargetFailure records one resource that could not be issued to.
type TargetFailure struct {
	Resource string
	Status   rpc.CallStatus
	Err      error
}

// Report summarises one fan-out issuance.
type Report struct {
	Issued   int
	Failures []TargetFailure
}

// AllFailed reports whether nothing at all was issued.
func (r Report) AllFailed() bool {
	return r.Issued == 0 && len(r.Failures) > 0
}

// Group issues the same asynchronous operation to a set of resources,
// best-effort: a rejection or transport fault on one target never stops
// issuance to the rest. Successfully issued correlation IDs are registered
// with the shared Tracker for a later blocking wait.
type Group struct {
	tracker *Tracker
	workers int64
	log     logging.Logger
}

// NewGroup builds a fan-out group bound to tracker. workers bounds the
// number of concurrent remote calls; values below one fall back to one.
func NewGroup(tracker *Tracker, workers int64, log logging.Logger) *Group {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Group{tracker: tracker, workers: workers, log: log}
}

// Issue fans command out to all targets on a bounded worker pool and
// returns once every call has been issued (or failed to issue). An empty
// target set is a completed no-op.
func (g *Group) Issue(ctx context.Context, command string, targets []Target, arg json.RawMessage) Report {
	if len(targets) == 0 {
		return Report{}
	}

	sem := semaphore.NewWeighted(g.workers)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		issued   int
		failures []TargetFailure
	)

	for _, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled mid fan-out; the remaining targets are
			// recorded as not issued.
			mu.Lock()
			failures = append(failures, TargetFailure{Resource: target.Name, Err: err})
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			defer sem.Release(1)

			callArg := arg
			if t.Arg != nil {
				callArg = t.Arg
			}
			status, id, err := t.Client.Invoke(ctx, command, callArg)
			switch {
			case err != nil:
				g.log.Warn(ctx, "fan-out call failed",
					logging.String("command", command),
					logging.String("resource", t.Name),
					logging.Err(err))
				mu.Lock()
				failures = append(failures, TargetFailure{Resource: t.Name, Status: status, Err: err})
				mu.Unlock()
			case !status.Accepted():
				g.log.Warn(ctx, "fan-out call rejected",
					logging.String("command", command),
					logging.String("resource", t.Name),
					logging.String("status", string(status)))
				mu.Lock()
				failures = append(failures, TargetFailure{Resource: t.Name, Status: status})
				mu.Unlock()
			default:
				g.tracker.Add(id, t.Name)
				mu.Lock()
				issued++
				mu.Unlock()
			}
		}(target)
	}

	wg.Wait()
	return Report{Issued: issued, Failures: failures}
}
