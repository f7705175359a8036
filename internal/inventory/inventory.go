// Package inventory maintains the dish-to-resource mapping, the registry of
// controllable resource handles, and the live set of resources assigned to
// this subarray.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
)

var (
	// ErrNoSysParam indicates the sys-param document has not been loaded yet.
	ErrNoSysParam = errors.New("sys-param not loaded")
	// ErrUnknownDish indicates a dish ID absent from the sys-param mapping.
	ErrUnknownDish = errors.New("unknown dish")
	// ErrDishesAssigned indicates an operation that requires an empty
	// assignment set while dishes are still assigned.
	ErrDishesAssigned = errors.New("dishes still assigned")
)

// Role distinguishes the resource classes the coordinator controls.
type Role int

const (
	// RoleVCC is a per-dish channelizer resource.
	RoleVCC Role = iota
	// RoleFSP is a shared frequency-slice processor resource.
	RoleFSP
	// RoleMonitor is the hardware-monitoring resource paired with a VCC.
	RoleMonitor
)

func (r Role) String() string {
	switch r {
	case RoleVCC:
		return "vcc"
	case RoleFSP:
		return "fsp"
	case RoleMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// AdminMode mirrors the resource's administrative mode attribute.
type AdminMode string

const (
	AdminOnline    AdminMode = "ONLINE"
	AdminOffline   AdminMode = "OFFLINE"
	AdminNotFitted AdminMode = "NOT_FITTED"
)

// FunctionMode is the FSP specialisation currently loaded on a processor.
type FunctionMode string

const (
	FunctionIdle FunctionMode = "IDLE"
	FunctionCorr FunctionMode = "CORR"
	FunctionPST  FunctionMode = "PST"
	FunctionPSS  FunctionMode = "PSS"
	FunctionVLBI FunctionMode = "VLBI"
)

// Handle is a non-owning reference to one globally registered remote
// resource. The Client and identity fields are immutable; the mode and
// membership fields are mutated only inside the subarray's
// one-command-at-a-time executor, so they need no lock of their own.
type Handle struct {
	Name   string
	Role   Role
	ID     int
	Client rpc.Client

	AdminMode    AdminMode
	FunctionMode FunctionMode
	// Membership is the owning subarray ID, zero when unowned.
	Membership int
	// Unsubscribe tears down the change-notification subscription
	// registered when the resource was assigned.
	Unsubscribe func()
}

// DishInfo is the per-dish slice of the sys-param mapping.
type DishInfo struct {
	VCC int
	K   int
}

// Inventory holds the immutable-after-load dish map, the resource handle
// registry, and the set of dishes currently assigned to the subarray.
type Inventory struct {
	log logging.Logger

	mu       sync.RWMutex
	dishes   map[string]DishInfo
	vccs     map[int]*Handle
	fsps     map[int]*Handle
	monitors map[int]*Handle // keyed by VCC ID
	assigned map[string]int  // dish ID -> VCC ID
}

// New builds an empty inventory.
func New(log logging.Logger) *Inventory {
	if log == nil {
		log = logging.Noop()
	}
	return &Inventory{
		log:      log,
		dishes:   make(map[string]DishInfo),
		vccs:     make(map[int]*Handle),
		fsps:     make(map[int]*Handle),
		monitors: make(map[int]*Handle),
		assigned: make(map[string]int),
	}
}

// RegisterVCC adds a channelizer resource handle. Called once at startup.
func (inv *Inventory) RegisterVCC(id int, client rpc.Client) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.vccs[id] = &Handle{
		Name:      fmt.Sprintf("vcc-%03d", id),
		Role:      RoleVCC,
		ID:        id,
		Client:    client,
		AdminMode: AdminOffline,
	}
}

// RegisterFSP adds a processor resource handle. Called once at startup.
func (inv *Inventory) RegisterFSP(id int, client rpc.Client) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.fsps[id] = &Handle{
		Name:         fmt.Sprintf("fsp-%02d", id),
		Role:         RoleFSP,
		ID:           id,
		Client:       client,
		AdminMode:    AdminOffline,
		FunctionMode: FunctionIdle,
	}
}

// RegisterMonitor adds the hardware-monitoring resource paired with the
// given VCC, when one is deployed.
func (inv *Inventory) RegisterMonitor(vccID int, client rpc.Client) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.monitors[vccID] = &Handle{
		Name:      fmt.Sprintf("talon-%03d", vccID),
		Role:      RoleMonitor,
		ID:        vccID,
		Client:    client,
		AdminMode: AdminOffline,
	}
}

// LoadSysParam installs the dish mapping. It may be re-loaded only while no
// dishes are assigned; the mapping is immutable in between.
func (inv *Inventory) LoadSysParam(sp *SysParam) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if len(inv.assigned) > 0 {
		return fmt.Errorf("%w: cannot replace sys-param", ErrDishesAssigned)
	}

	dishes := make(map[string]DishInfo, len(sp.DishParameters))
	for dish, params := range sp.DishParameters {
		if _, ok := inv.vccs[params.VCC]; !ok {
			inv.log.Warn(context.Background(), "sys-param references unregistered VCC",
				logging.String("dish", dish), logging.Int("vcc", params.VCC))
		}
		dishes[dish] = DishInfo{VCC: params.VCC, K: params.K}
	}
	inv.dishes = dishes
	inv.log.Info(context.Background(), "sys-param loaded", logging.Int("dishes", len(dishes)))
	return nil
}

// HasSysParam reports whether the dish mapping has been loaded.
func (inv *Inventory) HasSysParam() bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.dishes) > 0
}

// Dish looks up the sys-param entry for a dish ID.
func (inv *Inventory) Dish(dish string) (DishInfo, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	info, ok := inv.dishes[dish]
	return info, ok
}

// VCCForDish resolves a dish ID to its channelizer handle.
func (inv *Inventory) VCCForDish(dish string) (*Handle, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if len(inv.dishes) == 0 {
		return nil, ErrNoSysParam
	}
	info, ok := inv.dishes[dish]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDish, dish)
	}
	h, ok := inv.vccs[info.VCC]
	if !ok {
		return nil, fmt.Errorf("%w: dish %q maps to unregistered VCC %d", ErrUnknownDish, dish, info.VCC)
	}
	return h, nil
}

// MonitorForVCC returns the hardware-monitoring handle paired with a VCC,
// or nil when none is deployed.
func (inv *Inventory) MonitorForVCC(vccID int) *Handle {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.monitors[vccID]
}

// FSP looks up a processor handle by ID.
func (inv *Inventory) FSP(id int) (*Handle, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	h, ok := inv.fsps[id]
	return h, ok
}

// FSPCount returns the processor capacity retrieved at startup.
func (inv *Inventory) FSPCount() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.fsps)
}

// VCCCount returns the channelizer capacity retrieved at startup.
func (inv *Inventory) VCCCount() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.vccs)
}

// Assign marks a dish as belonging to this subarray.
func (inv *Inventory) Assign(dish string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	info, ok := inv.dishes[dish]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDish, dish)
	}
	inv.assigned[dish] = info.VCC
	return nil
}

// Release removes a dish from the assignment set.
func (inv *Inventory) Release(dish string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.assigned, dish)
}

// IsAssigned reports whether the dish currently belongs to this subarray.
func (inv *Inventory) IsAssigned(dish string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	_, ok := inv.assigned[dish]
	return ok
}

// AssignedDishes returns the assigned dish IDs in sorted order.
func (inv *Inventory) AssignedDishes() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	dishes := make([]string, 0, len(inv.assigned))
	for dish := range inv.assigned {
		dishes = append(dishes, dish)
	}
	sort.Strings(dishes)
	return dishes
}

// AssignedVCCs returns the channelizer handles of all assigned dishes,
// sorted by VCC ID.
func (inv *Inventory) AssignedVCCs() []*Handle {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	handles := make([]*Handle, 0, len(inv.assigned))
	for _, vccID := range inv.assigned {
		if h, ok := inv.vccs[vccID]; ok {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles
}

// AssignedVCCIDs returns the sorted VCC IDs of all assigned dishes.
func (inv *Inventory) AssignedVCCIDs() []int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	ids := make([]int, 0, len(inv.assigned))
	for _, vccID := range inv.assigned {
		ids = append(ids, vccID)
	}
	sort.Ints(ids)
	return ids
}
