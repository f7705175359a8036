package subarray

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/signalsfoundry/cbf-coordinator/internal/fanout"
	"github.com/signalsfoundry/cbf-coordinator/internal/inventory"
	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
	"github.com/signalsfoundry/cbf-coordinator/internal/scancfg"
)

var (
	// ErrInvalidState indicates a command issued from an illegal
	// observation state.
	ErrInvalidState = errors.New("command not allowed in current observation state")
	// ErrNoSysParam indicates a resource command before the sys-param
	// mapping was loaded.
	ErrNoSysParam = errors.New("sys-param must be loaded before resource commands")
)

// MetricsRecorder receives observation-state and command telemetry. A nil
// recorder disables metrics.
type MetricsRecorder interface {
	ObserveCommand(command string, result string, seconds float64)
	SetObsState(state string, numeric int)
	SetAssignedCounts(vccs, fsps int)
	AddDelayModelForwarded()
	AddDelayModelDropped()
}

// Config carries the subarray's identity and runtime bounds.
type Config struct {
	// ID is this subarray's identifier (1-based).
	ID int
	// CommandTimeout bounds each fan-out wait inside a lifecycle command.
	CommandTimeout time.Duration
	// QueueDepth bounds the number of queued-but-unstarted commands.
	QueueDepth int
	// FanoutWorkers bounds concurrent remote calls within one fan-out.
	FanoutWorkers int64
	// DelayWorkers bounds concurrent delay-model forwarding hand-offs.
	DelayWorkers int64
}

func (c *Config) applyDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 8
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 8
	}
	if c.DelayWorkers <= 0 {
		c.DelayWorkers = 4
	}
}

// Subarray is the aggregate root: it owns the observation state machine,
// the resource inventory view, and the claimed processor set, and drives
// all lifecycle commands through a one-at-a-time executor.
//
// State fields guarded by mu are mutated only inside executor commands,
// except the delay-model path, which runs concurrently by design and takes
// its own mutex around the dedup-and-forward step.
type Subarray struct {
	cfg       Config
	inv       *inventory.Inventory
	validator *scancfg.Validator
	caps      scancfg.Capabilities
	tracker   *fanout.Tracker
	group     *fanout.Group
	exec      *Executor
	log       logging.Logger
	metrics   MetricsRecorder
	tracer    trace.Tracer
	onResult  func(CommandResult)

	mu            sync.RWMutex
	obsState      ObsState
	frequencyBand string
	configID      string
	scanID        uint64
	claimedFSPs   map[int]*inventory.Handle
	lastConfigs   []FSPConfig

	delaySource  rpc.Client
	delayUnsub   func()
	delaySem     *semaphore.Weighted
	delayMu      sync.Mutex
	lastDelay    string
	lastValidity float64
}

// New wires a subarray over the given inventory and validator. delaySource
// is the optional external delay-model publisher; onResult receives every
// terminal command result.
func New(cfg Config, inv *inventory.Inventory, validator *scancfg.Validator, delaySource rpc.Client, metrics MetricsRecorder, onResult func(CommandResult), log logging.Logger) *Subarray {
	cfg.applyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	if onResult == nil {
		onResult = func(CommandResult) {}
	}

	tracker := fanout.NewTracker(log)
	s := &Subarray{
		cfg:         cfg,
		inv:         inv,
		validator:   validator,
		caps:        validator.Capabilities(),
		tracker:     tracker,
		group:       fanout.NewGroup(tracker, cfg.FanoutWorkers, log),
		log:         log.With(logging.Int("subarray", cfg.ID)),
		metrics:     metrics,
		tracer:      otel.Tracer("cbf-coordinator/subarray"),
		onResult:    onResult,
		obsState:    ObsEmpty,
		claimedFSPs: make(map[int]*inventory.Handle),
		delaySource: delaySource,
		delaySem:    semaphore.NewWeighted(cfg.DelayWorkers),
	}
	s.exec = NewExecutor(cfg.QueueDepth, s.emitResult, log)
	return s
}

// Close stops the command worker and tears down subscriptions.
func (s *Subarray) Close() {
	s.exec.Close()
	s.mu.Lock()
	unsub := s.delayUnsub
	s.delayUnsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ID returns the subarray identifier.
func (s *Subarray) ID() int { return s.cfg.ID }

// ObsState returns the current observation state.
func (s *Subarray) ObsState() ObsState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.obsState
}

// Status is a point-in-time snapshot of the subarray for the HTTP surface.
type Status struct {
	ID            int      `json:"id"`
	ObsState      string   `json:"obs_state"`
	FrequencyBand string   `json:"frequency_band,omitempty"`
	ConfigID      string   `json:"config_id,omitempty"`
	ScanID        uint64   `json:"scan_id,omitempty"`
	DishIDs       []string `json:"dish_ids"`
	ClaimedFSPs   []int    `json:"claimed_fsps"`
}

// State snapshots the subarray.
func (s *Subarray) State() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fsps := make([]int, 0, len(s.claimedFSPs))
	for id := range s.claimedFSPs {
		fsps = append(fsps, id)
	}
	sort.Ints(fsps)
	return Status{
		ID:            s.cfg.ID,
		ObsState:      s.obsState.String(),
		FrequencyBand: s.frequencyBand,
		ConfigID:      s.configID,
		ScanID:        s.scanID,
		DishIDs:       s.inv.AssignedDishes(),
		ClaimedFSPs:   fsps,
	}
}

// submit validates the source state and queues a lifecycle command. The
// returned TaskStatus plus command ID answer the caller immediately; the
// terminal result is delivered through onResult.
func (s *Subarray) submit(command string, fn commandFunc) (TaskStatus, string, error) {
	s.mu.RLock()
	state := s.obsState
	s.mu.RUnlock()

	if !allowedFrom(command, state) {
		return TaskRejected, "", fmt.Errorf("%w: %s from %s", ErrInvalidState, command, state)
	}

	id, err := s.exec.Submit(command, s.instrument(command, fn))
	if err != nil {
		return TaskRejected, "", err
	}
	return TaskQueued, id, nil
}

// instrument wraps a command body with tracing and duration metrics.
func (s *Subarray) instrument(command string, fn commandFunc) commandFunc {
	return func(ctx context.Context) (ResultCode, string) {
		ctx, span := s.tracer.Start(ctx, command,
			trace.WithAttributes(attribute.Int("subarray.id", s.cfg.ID)))
		defer span.End()

		start := time.Now()
		code, msg := fn(ctx)
		span.SetAttributes(attribute.String("result", string(code)))
		if s.metrics != nil {
			s.metrics.ObserveCommand(command, string(code), time.Since(start).Seconds())
		}
		return code, msg
	}
}

func (s *Subarray) emitResult(res CommandResult) {
	s.onResult(res)
}

// setState performs a state transition, updating metrics and logging it.
// Callers must not hold mu.
func (s *Subarray) setState(ctx context.Context, to ObsState) {
	s.mu.Lock()
	from := s.obsState
	s.obsState = to
	s.mu.Unlock()

	s.log.Info(ctx, "observation state changed",
		logging.String("from", from.String()),
		logging.String("to", to.String()))
	if s.metrics != nil {
		s.metrics.SetObsState(to.String(), int(to))
	}
}

func (s *Subarray) updateAssignedMetrics() {
	if s.metrics == nil {
		return
	}
	s.mu.RLock()
	fsps := len(s.claimedFSPs)
	s.mu.RUnlock()
	s.metrics.SetAssignedCounts(len(s.inv.AssignedVCCs()), fsps)
}

// lifecycleTargets returns the union of assigned channelizer and claimed
// processor resources, the set scan start/stop operations fan out to.
func (s *Subarray) lifecycleTargets() []fanout.Target {
	targets := vccTargets(s.inv.AssignedVCCs())
	s.mu.RLock()
	for _, h := range s.claimedFSPs {
		targets = append(targets, fanout.Target{Name: h.Name, Client: h.Client})
	}
	s.mu.RUnlock()
	return targets
}

func vccTargets(handles []*inventory.Handle) []fanout.Target {
	targets := make([]fanout.Target, 0, len(handles))
	for _, h := range handles {
		targets = append(targets, fanout.Target{Name: h.Name, Client: h.Client})
	}
	return targets
}

func (s *Subarray) claimedFSPTargets() []fanout.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	targets := make([]fanout.Target, 0, len(s.claimedFSPs))
	for _, h := range s.claimedFSPs {
		targets = append(targets, fanout.Target{Name: h.Name, Client: h.Client})
	}
	return targets
}
