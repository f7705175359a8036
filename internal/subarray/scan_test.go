package subarray

import (
	"encoding/json"
	"testing"
)

func TestScanReachesScanningAndForwardsScanID(t *testing.T) {
	h := newHarness(t)
	h.assignAll(t)
	h.configure(t)
	h.startScan(t)

	var arg struct {
		ScanID uint64 `json:"scan_id"`
	}
	for dish, f := range h.vccs {
		if err := json.Unmarshal(f.LastArg("Scan"), &arg); err != nil || arg.ScanID != 7 {
			t.Errorf("%s scan arg = %s (%v)", dish, f.LastArg("Scan"), err)
		}
	}
	if err := json.Unmarshal(h.fsps[1].LastArg("Scan"), &arg); err != nil || arg.ScanID != 7 {
		t.Errorf("fsp scan arg = %s (%v)", h.fsps[1].LastArg("Scan"), err)
	}
}

func TestScanRejectsBadDocument(t *testing.T) {
	h := newHarness(t)
	h.assignAll(t)
	h.configure(t)

	for _, raw := range []string{`not json`, `{}`, `{"scan_id": 0}`} {
		if status, _, err := h.sub.Scan([]byte(raw)); status != TaskRejected || err == nil {
			t.Errorf("Scan(%q): status %s, err %v", raw, status, err)
		}
	}
	if got := h.sub.ObsState(); got != ObsReady {
		t.Fatalf("state = %s, want READY", got)
	}
}

func TestScanFailureRestoresReady(t *testing.T) {
	h := newHarness(t)
	h.assignAll(t)
	h.configure(t)
	h.vccs["SKA001"].FailCommand("Scan")

	status, _, err := h.sub.Scan([]byte(`{"scan_id": 3}`))
	if err != nil || status != TaskQueued {
		t.Fatalf("submit: status %s, err %v", status, err)
	}
	res := h.await(t, CmdScan)
	if res.Code != ResultFailed {
		t.Fatalf("result = %+v, want FAILED", res)
	}
	if got := h.sub.ObsState(); got != ObsReady {
		t.Fatalf("state = %s, want READY restored", got)
	}
	if got := h.sub.State().ScanID; got != 0 {
		t.Fatalf("scan ID = %d after failed start", got)
	}
}

func TestScanIssuanceFailureDoesNotPoisonNextCommand(t *testing.T) {
	h := newHarness(t)
	h.assignAll(t)
	h.configure(t)
	// One channelizer rejects the start outright; the other accepts it and
	// reports failure later.
	h.vccs["SKA001"].RejectCommand("Scan")
	h.vccs["SKA036"].FailCommand("Scan")

	status, _, err := h.sub.Scan([]byte(`{"scan_id": 3}`))
	if err != nil || status != TaskQueued {
		t.Fatalf("submit: status %s, err %v", status, err)
	}
	if res := h.await(t, CmdScan); res.Code != ResultFailed {
		t.Fatalf("result = %+v, want FAILED", res)
	}

	// The abandoned start operations must not be charged against the next
	// command's wait.
	h.mustComplete(t, CmdGoToIdle, func() (TaskStatus, string, error) {
		return h.sub.GoToIdle()
	})
	if got := h.sub.ObsState(); got != ObsIdle {
		t.Fatalf("state = %s, want IDLE", got)
	}
}

func TestEndScanReturnsToReady(t *testing.T) {
	h := newHarness(t)
	h.assignAll(t)
	h.configure(t)
	h.startScan(t)

	h.mustComplete(t, CmdEndScan, func() (TaskStatus, string, error) {
		return h.sub.EndScan()
	})
	if got := h.sub.ObsState(); got != ObsReady {
		t.Fatalf("state = %s, want READY", got)
	}
	if got := h.sub.State().ScanID; got != 0 {
		t.Fatalf("scan ID = %d after end scan", got)
	}
	for dish, f := range h.vccs {
		if f.Invocations("EndScan") != 1 {
			t.Errorf("%s EndScan invocations = %d", dish, f.Invocations("EndScan"))
		}
	}
}

func TestGoToIdleReleasesConfiguration(t *testing.T) {
	h := newHarness(t)
	h.assignAll(t)
	h.configure(t)

	h.mustComplete(t, CmdGoToIdle, func() (TaskStatus, string, error) {
		return h.sub.GoToIdle()
	})

	st := h.sub.State()
	if st.ObsState != "IDLE" || st.ConfigID != "" || len(st.ClaimedFSPs) != 0 {
		t.Fatalf("status = %+v, want deconfigured IDLE", st)
	}
	// Dishes stay assigned.
	if len(st.DishIDs) != 2 {
		t.Fatalf("dishes = %v, want 2 assigned", st.DishIDs)
	}
	// The processor claim was dropped.
	if got := string(h.fsps[1].Attr("subarrayMembership")); got != `0` {
		t.Fatalf("fsp membership = %s, want 0", got)
	}

	// A fresh ConfigureScan from IDLE works again.
	h.configure(t)
}
