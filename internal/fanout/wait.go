package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
)

// Outcome is the aggregate result of waiting on a fan-out.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "COMPLETED"
	case OutcomeFailed:
		return "FAILED"
	case OutcomeAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Wait blocks until the outstanding set drains, the timeout elapses, or ctx
// is cancelled.
//
// With partialSuccess false every completed entry must report success;
// hardware bring-up style operations pass true, where at least one success
// is enough. Timeout and cancellation abandon whatever is still
// outstanding; the remote operations are not cancelled at the resource.
func (t *Tracker) Wait(ctx context.Context, timeout time.Duration, partialSuccess bool) (Outcome, string) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var succeeded, failed int
	var failedResources []string

	for {
		if t.Pending() == 0 {
			return evaluate(succeeded, failed, failedResources, partialSuccess)
		}

		select {
		case <-ctx.Done():
			abandoned := t.Abandon()
			t.log.Info(ctx, "wait aborted",
				logging.Int("abandoned", len(abandoned)))
			return OutcomeAborted, fmt.Sprintf("aborted with %d operations outstanding", len(abandoned))

		case <-timer.C:
			abandoned := t.Abandon()
			t.log.Warn(ctx, "wait timed out",
				logging.Any("resources", abandoned))
			return OutcomeFailed, fmt.Sprintf("timed out waiting for %s", strings.Join(abandoned, ", "))

		case ev := <-t.results:
			resource, ok := t.remove(ev.CorrelationID)
			if !ok {
				// Result for an operation abandoned by an earlier
				// wait; nothing left to account it against.
				t.log.Debug(ctx, "discarding stale result",
					logging.String("correlation_id", string(ev.CorrelationID)))
				continue
			}
			if ev.Status == rpc.ResultOK {
				succeeded++
			} else {
				failed++
				failedResources = append(failedResources, fmt.Sprintf("%s (%s)", resource, ev.Message))
			}
		}
	}
}

func evaluate(succeeded, failed int, failedResources []string, partialSuccess bool) (Outcome, string) {
	switch {
	case failed == 0:
		return OutcomeCompleted, fmt.Sprintf("%d operations completed", succeeded)
	case partialSuccess && succeeded > 0:
		return OutcomeCompleted, fmt.Sprintf("%d operations completed, %d failed: %s",
			succeeded, failed, strings.Join(failedResources, ", "))
	default:
		return OutcomeFailed, fmt.Sprintf("%d operations failed: %s",
			failed, strings.Join(failedResources, ", "))
	}
}
