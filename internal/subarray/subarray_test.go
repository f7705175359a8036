package subarray

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/cbf-coordinator/internal/inventory"
	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
	"github.com/signalsfoundry/cbf-coordinator/internal/scancfg"
)

// fakeMetrics counts recorder calls for assertions.
type fakeMetrics struct {
	mu        sync.Mutex
	commands  []string
	obsStates []string
	forwarded int
	dropped   int
	vccs      int
	fsps      int
}

func (m *fakeMetrics) ObserveCommand(command, result string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, command+"/"+result)
}

func (m *fakeMetrics) SetObsState(state string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obsStates = append(m.obsStates, state)
}

func (m *fakeMetrics) SetAssignedCounts(vccs, fsps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vccs, m.fsps = vccs, fsps
}

func (m *fakeMetrics) AddDelayModelForwarded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarded++
}

func (m *fakeMetrics) AddDelayModelDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *fakeMetrics) forwardedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forwarded
}

// harness wires a subarray over fake resources: two dishes, three FSPs, and
// a delay-model publisher.
type harness struct {
	sub         *Subarray
	inv         *inventory.Inventory
	vccs        map[string]*rpc.FakeResource // keyed by dish ID
	fsps        map[int]*rpc.FakeResource
	delaySource *rpc.FakeResource
	metrics     *fakeMetrics
	results     chan CommandResult
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, scancfg.Default())
}

func newHarnessWith(t *testing.T, caps scancfg.Capabilities) *harness {
	t.Helper()

	inv := inventory.New(nil)
	vccs := map[string]*rpc.FakeResource{
		"SKA001": rpc.NewFakeResource("vcc-001"),
		"SKA036": rpc.NewFakeResource("vcc-002"),
	}
	inv.RegisterVCC(1, vccs["SKA001"])
	inv.RegisterVCC(2, vccs["SKA036"])

	fsps := make(map[int]*rpc.FakeResource)
	for id := 1; id <= 3; id++ {
		fsps[id] = rpc.NewFakeResource(fmt.Sprintf("fsp-%02d", id))
		inv.RegisterFSP(id, fsps[id])
	}

	sp, err := inventory.ParseSysParam([]byte(`{
		"interface": "https://schema.skao.int/ska-mid-cbf-initsysparam/1.0",
		"dish_parameters": {
			"SKA001": {"vcc": 1, "k": 1000},
			"SKA036": {"vcc": 2, "k": 1500}
		}
	}`))
	if err != nil {
		t.Fatalf("ParseSysParam: %v", err)
	}
	if err := inv.LoadSysParam(sp); err != nil {
		t.Fatalf("LoadSysParam: %v", err)
	}

	h := &harness{
		inv:         inv,
		vccs:        vccs,
		fsps:        fsps,
		delaySource: rpc.NewFakeResource("delay-source"),
		metrics:     &fakeMetrics{},
		results:     make(chan CommandResult, 16),
	}
	h.sub = New(Config{ID: 1, CommandTimeout: time.Second},
		inv, scancfg.NewValidator(caps, nil),
		h.delaySource, h.metrics,
		func(res CommandResult) { h.results <- res }, nil)
	t.Cleanup(h.sub.Close)
	return h
}

// await blocks for the next terminal result and checks the command name.
func (h *harness) await(t *testing.T, command string) CommandResult {
	t.Helper()
	select {
	case res := <-h.results:
		if res.Command != command {
			t.Fatalf("result for %s, want %s (%+v)", res.Command, command, res)
		}
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s result", command)
		return CommandResult{}
	}
}

// mustComplete submits and asserts a COMPLETED result.
func (h *harness) mustComplete(t *testing.T, command string, submit func() (TaskStatus, string, error)) {
	t.Helper()
	status, id, err := submit()
	if err != nil {
		t.Fatalf("%s: %v", command, err)
	}
	if status != TaskQueued || id == "" {
		t.Fatalf("%s: status %s, id %q", command, status, id)
	}
	if res := h.await(t, command); res.Code != ResultCompleted {
		t.Fatalf("%s: %s: %s", command, res.Code, res.Message)
	}
}

func (h *harness) assignAll(t *testing.T) {
	t.Helper()
	h.mustComplete(t, CmdAssignResources, func() (TaskStatus, string, error) {
		return h.sub.AssignResources([]string{"SKA001", "SKA036"})
	})
	if got := h.sub.ObsState(); got != ObsIdle {
		t.Fatalf("state = %s after assign, want IDLE", got)
	}
}

func (h *harness) configure(t *testing.T) {
	t.Helper()
	h.mustComplete(t, CmdConfigureScan, func() (TaskStatus, string, error) {
		return h.sub.ConfigureScan(validScanConfig())
	})
	if got := h.sub.ObsState(); got != ObsReady {
		t.Fatalf("state = %s after configure, want READY", got)
	}
}

func (h *harness) startScan(t *testing.T) {
	t.Helper()
	h.mustComplete(t, CmdScan, func() (TaskStatus, string, error) {
		return h.sub.Scan([]byte(`{"scan_id": 7}`))
	})
	if got := h.sub.ObsState(); got != ObsScanning {
		t.Fatalf("state = %s after scan, want SCANNING", got)
	}
}

// validScanConfig is a 4.0 document with one region on FSP 1.
func validScanConfig() []byte {
	doc := map[string]any{
		"interface": "https://schema.skao.int/ska-csp-configurescan/4.0",
		"common": map[string]any{
			"config_id":      "unit-test-config",
			"frequency_band": "1",
			"subarray_id":    1,
		},
		"midcbf": map[string]any{
			"correlation": map[string]any{
				"processing_regions": []map[string]any{
					{
						"fsp_ids":              []int{1},
						"start_freq":           350_000_000,
						"channel_width":        13440,
						"channel_count":        20,
						"sdp_start_channel_id": 0,
						"output_host":          [][]any{{0, "10.0.0.1"}},
						"output_port":          [][]int{{0, 10000}},
						"output_link_map":      [][]int{{0, 1}},
					},
				},
			},
		},
	}
	raw, _ := json.Marshal(doc)
	return raw
}

func TestStateSnapshot(t *testing.T) {
	h := newHarness(t)
	h.assignAll(t)
	h.configure(t)
	h.startScan(t)

	st := h.sub.State()
	if st.ID != 1 || st.ObsState != "SCANNING" {
		t.Fatalf("status = %+v", st)
	}
	if st.ConfigID != "unit-test-config" || st.ScanID != 7 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.DishIDs) != 2 || len(st.ClaimedFSPs) != 1 || st.ClaimedFSPs[0] != 1 {
		t.Fatalf("status = %+v", st)
	}
}
