package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
)

func TestWaitCompletesWhenAllSucceed(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Add("op-1", "vcc-001")
	tracker.Add("op-2", "vcc-002")
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-1", Status: rpc.ResultOK})
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-2", Status: rpc.ResultOK})

	outcome, _ := tracker.Wait(context.Background(), time.Second, false)
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want COMPLETED", outcome)
	}
	if tracker.Pending() != 0 {
		t.Fatalf("pending = %d after wait", tracker.Pending())
	}
}

func TestWaitFailsOnAnyFailureWhenStrict(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Add("op-1", "vcc-001")
	tracker.Add("op-2", "vcc-002")
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-1", Status: rpc.ResultOK})
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-2", Status: rpc.ResultFailed, Message: "band mismatch"})

	outcome, msg := tracker.Wait(context.Background(), time.Second, false)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", outcome)
	}
	if msg == "" {
		t.Fatal("expected failure detail in message")
	}
}

func TestWaitPartialSuccessToleratesFailures(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Add("op-1", "vcc-001")
	tracker.Add("op-2", "vcc-002")
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-1", Status: rpc.ResultOK})
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-2", Status: rpc.ResultFailed})

	outcome, _ := tracker.Wait(context.Background(), time.Second, true)
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want COMPLETED with partial success", outcome)
	}
}

func TestWaitPartialSuccessStillFailsWithZeroSuccesses(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Add("op-1", "vcc-001")
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-1", Status: rpc.ResultFailed})

	outcome, _ := tracker.Wait(context.Background(), time.Second, true)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", outcome)
	}
}

func TestWaitTimesOutAndAbandons(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Add("op-1", "fsp-01")

	outcome, _ := tracker.Wait(context.Background(), 20*time.Millisecond, false)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED on timeout", outcome)
	}
	if tracker.Pending() != 0 {
		t.Fatal("timed-out wait must abandon outstanding operations")
	}
}

func TestWaitAbortsOnContextCancel(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Add("op-1", "fsp-01")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, _ := tracker.Wait(ctx, time.Second, false)
	if outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want ABORTED", outcome)
	}
	if tracker.Pending() != 0 {
		t.Fatal("aborted wait must abandon outstanding operations")
	}
}

func TestWaitDiscardsStaleResults(t *testing.T) {
	tracker := NewTracker(nil)
	// Result for an ID nothing is waiting on, then the real one.
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "stale", Status: rpc.ResultFailed})
	tracker.Add("op-1", "vcc-001")
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-1", Status: rpc.ResultOK})

	outcome, _ := tracker.Wait(context.Background(), time.Second, false)
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want COMPLETED despite stale result", outcome)
	}
}

func TestAbandonedOperationsDoNotChargeLaterWaits(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Add("op-1", "vcc-001")
	tracker.Add("op-2", "vcc-002")

	if abandoned := tracker.Abandon(); len(abandoned) != 2 {
		t.Fatalf("abandoned = %v, want both operations", abandoned)
	}
	if tracker.Pending() != 0 {
		t.Fatalf("pending = %d after abandon", tracker.Pending())
	}

	// The abandoned operations complete late; their results must be
	// discarded, not counted against the next wait.
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-1", Status: rpc.ResultFailed, Message: "late"})
	tracker.Add("op-3", "vcc-001")
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-3", Status: rpc.ResultOK})

	outcome, _ := tracker.Wait(context.Background(), time.Second, false)
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want COMPLETED despite late abandoned result", outcome)
	}
}

func TestDeliverIgnoresNonResultEvents(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Add("op-1", "vcc-001")
	tracker.Deliver(rpc.Event{Kind: rpc.EventAttributeChange, Attribute: "delayModel"})
	tracker.Deliver(rpc.Event{Kind: rpc.EventCommandResult, CorrelationID: "op-1", Status: rpc.ResultOK})

	outcome, _ := tracker.Wait(context.Background(), time.Second, false)
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want COMPLETED", outcome)
	}
}
