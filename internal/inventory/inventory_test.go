package inventory

import (
	"errors"
	"reflect"
	"testing"

	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
)

func testInventory(t *testing.T) *Inventory {
	t.Helper()
	inv := New(nil)
	inv.RegisterVCC(1, rpc.NewFakeResource("vcc-001"))
	inv.RegisterVCC(2, rpc.NewFakeResource("vcc-002"))
	inv.RegisterFSP(1, rpc.NewFakeResource("fsp-01"))
	inv.RegisterFSP(2, rpc.NewFakeResource("fsp-02"))

	sp, err := ParseSysParam([]byte(`{
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
	return inv
}

func TestVCCForDishResolvesMapping(t *testing.T) {
	inv := testInventory(t)

	h, err := inv.VCCForDish("SKA036")
	if err != nil {
		t.Fatalf("VCCForDish: %v", err)
	}
	if h.ID != 2 || h.Role != RoleVCC {
		t.Fatalf("handle = %+v, want VCC 2", h)
	}

	if _, err := inv.VCCForDish("SKA999"); !errors.Is(err, ErrUnknownDish) {
		t.Fatalf("err = %v, want ErrUnknownDish", err)
	}
}

func TestVCCForDishRequiresSysParam(t *testing.T) {
	inv := New(nil)
	inv.RegisterVCC(1, rpc.NewFakeResource("vcc-001"))

	if _, err := inv.VCCForDish("SKA001"); !errors.Is(err, ErrNoSysParam) {
		t.Fatalf("err = %v, want ErrNoSysParam", err)
	}
	if inv.HasSysParam() {
		t.Fatal("HasSysParam = true before load")
	}
}

func TestAssignReleaseRoundTrip(t *testing.T) {
	inv := testInventory(t)

	if err := inv.Assign("SKA001"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := inv.Assign("SKA036"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	if got := inv.AssignedDishes(); !reflect.DeepEqual(got, []string{"SKA001", "SKA036"}) {
		t.Fatalf("AssignedDishes = %v", got)
	}
	if got := inv.AssignedVCCIDs(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("AssignedVCCIDs = %v", got)
	}
	if handles := inv.AssignedVCCs(); len(handles) != 2 || handles[0].ID != 1 || handles[1].ID != 2 {
		t.Fatalf("AssignedVCCs not sorted by ID: %v", handles)
	}

	inv.Release("SKA001")
	if inv.IsAssigned("SKA001") {
		t.Fatal("SKA001 still assigned after release")
	}
	if !inv.IsAssigned("SKA036") {
		t.Fatal("SKA036 lost its assignment")
	}
}

func TestLoadSysParamBlockedWhileAssigned(t *testing.T) {
	inv := testInventory(t)
	if err := inv.Assign("SKA001"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	replacement, err := ParseSysParam([]byte(`{
		"interface": "x",
		"dish_parameters": {"SKA100": {"vcc": 5, "k": 1}}
	}`))
	if err != nil {
		t.Fatalf("ParseSysParam: %v", err)
	}
	if err := inv.LoadSysParam(replacement); !errors.Is(err, ErrDishesAssigned) {
		t.Fatalf("err = %v, want ErrDishesAssigned", err)
	}

	inv.Release("SKA001")
	if err := inv.LoadSysParam(replacement); err != nil {
		t.Fatalf("reload after release: %v", err)
	}
	if _, ok := inv.Dish("SKA100"); !ok {
		t.Fatal("replacement mapping not installed")
	}
}

func TestMonitorPairing(t *testing.T) {
	inv := testInventory(t)
	inv.RegisterMonitor(1, rpc.NewFakeResource("talon-001"))

	if m := inv.MonitorForVCC(1); m == nil || m.Role != RoleMonitor {
		t.Fatalf("MonitorForVCC(1) = %v", m)
	}
	if m := inv.MonitorForVCC(2); m != nil {
		t.Fatalf("MonitorForVCC(2) = %v, want nil", m)
	}
}
