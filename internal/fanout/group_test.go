package fanout

import (
	"context"
	"errors"
	"testing"

	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
)

func TestIssueRegistersOutstandingOperations(t *testing.T) {
	tracker := NewTracker(nil)
	group := NewGroup(tracker, 4, nil)

	a := rpc.NewFakeResource("vcc-001")
	b := rpc.NewFakeResource("vcc-002")
	a.SilenceCommand("Scan")
	b.SilenceCommand("Scan")

	report := group.Issue(context.Background(), "Scan", []Target{
		{Name: "vcc-001", Client: a},
		{Name: "vcc-002", Client: b},
	}, nil)

	if report.Issued != 2 {
		t.Fatalf("issued = %d, want 2", report.Issued)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("failures = %v, want none", report.Failures)
	}
	if got := tracker.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
}

func TestIssueEmptyTargetsIsNoOp(t *testing.T) {
	tracker := NewTracker(nil)
	group := NewGroup(tracker, 4, nil)

	report := group.Issue(context.Background(), "Scan", nil, nil)
	if report.Issued != 0 || len(report.Failures) != 0 {
		t.Fatalf("report = %+v, want empty", report)
	}
	if report.AllFailed() {
		t.Fatal("empty fan-out must not count as all-failed")
	}
}

func TestIssueRecordsRejectionsAndKeepsGoing(t *testing.T) {
	tracker := NewTracker(nil)
	group := NewGroup(tracker, 1, nil)

	ok := rpc.NewFakeResource("fsp-01")
	rejecting := rpc.NewFakeResource("fsp-02")
	broken := rpc.NewFakeResource("fsp-03")
	ok.SilenceCommand("ConfigureScan")
	rejecting.RejectCommand("ConfigureScan")
	broken.SetInvokeError(errors.New("connection refused"))

	report := group.Issue(context.Background(), "ConfigureScan", []Target{
		{Name: "fsp-01", Client: ok},
		{Name: "fsp-02", Client: rejecting},
		{Name: "fsp-03", Client: broken},
	}, nil)

	if report.Issued != 1 {
		t.Fatalf("issued = %d, want 1", report.Issued)
	}
	if len(report.Failures) != 2 {
		t.Fatalf("failures = %d, want 2", len(report.Failures))
	}
	if report.AllFailed() {
		t.Fatal("one issued call must not count as all-failed")
	}
	if got := tracker.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}

func TestIssuePerTargetArgOverridesCommon(t *testing.T) {
	tracker := NewTracker(nil)
	group := NewGroup(tracker, 2, nil)

	common := rpc.NewFakeResource("vcc-001")
	override := rpc.NewFakeResource("vcc-002")

	group.Issue(context.Background(), "ConfigureBand", []Target{
		{Name: "vcc-001", Client: common},
		{Name: "vcc-002", Client: override, Arg: []byte(`{"k":42}`)},
	}, []byte(`{"shared":true}`))

	if got := string(common.LastArg("ConfigureBand")); got != `{"shared":true}` {
		t.Errorf("common arg = %s", got)
	}
	if got := string(override.LastArg("ConfigureBand")); got != `{"k":42}` {
		t.Errorf("override arg = %s", got)
	}
}

func TestIssueAllFailed(t *testing.T) {
	tracker := NewTracker(nil)
	group := NewGroup(tracker, 2, nil)

	r := rpc.NewFakeResource("vcc-001")
	r.RejectCommand("Abort")

	report := group.Issue(context.Background(), "Abort", []Target{{Name: "vcc-001", Client: r}}, nil)
	if !report.AllFailed() {
		t.Fatalf("report = %+v, want all-failed", report)
	}
}
