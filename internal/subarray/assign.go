package subarray

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/signalsfoundry/cbf-coordinator/internal/inventory"
	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
)

// AssignResources brings the named dishes' channelizer resources online and
// marks them owned by this subarray. A dish already owned by another
// subarray is skipped, not an error; the operation fails only when every
// requested dish fails.
func (s *Subarray) AssignResources(dishIDs []string) (TaskStatus, string, error) {
	if !s.inv.HasSysParam() {
		return TaskRejected, "", ErrNoSysParam
	}
	if len(dishIDs) == 0 {
		return TaskRejected, "", fmt.Errorf("no dish IDs supplied")
	}
	for _, dish := range dishIDs {
		if _, ok := s.inv.Dish(dish); !ok {
			return TaskRejected, "", fmt.Errorf("%w: %q", inventory.ErrUnknownDish, dish)
		}
	}
	return s.submit(CmdAssignResources, func(ctx context.Context) (ResultCode, string) {
		return s.doAssignResources(ctx, dishIDs)
	})
}

func (s *Subarray) doAssignResources(ctx context.Context, dishIDs []string) (ResultCode, string) {
	prev := s.ObsState()
	s.setState(ctx, ObsResourcing)

	type dishOutcome struct {
		dish    string
		skipped bool
		err     error
	}

	sem := semaphore.NewWeighted(s.cfg.FanoutWorkers)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []dishOutcome
	)

	for _, dish := range dishIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			s.restoreState(ctx, prev)
			return ResultAborted, "assignment cancelled"
		}
		wg.Add(1)
		go func(dish string) {
			defer wg.Done()
			defer sem.Release(1)
			skipped, err := s.assignDish(ctx, dish)
			mu.Lock()
			outcomes = append(outcomes, dishOutcome{dish: dish, skipped: skipped, err: err})
			mu.Unlock()
		}(dish)
	}
	wg.Wait()

	var succeeded, skips int
	var failures []string
	for _, o := range outcomes {
		switch {
		case o.err != nil:
			failures = append(failures, fmt.Sprintf("%s: %v", o.dish, o.err))
		case o.skipped:
			skips++
		default:
			succeeded++
		}
	}

	s.updateAssignedMetrics()

	if succeeded == 0 && len(failures) > 0 && skips == 0 {
		s.restoreState(ctx, prev)
		return ResultFailed, fmt.Sprintf("all dishes failed: %s", strings.Join(failures, "; "))
	}

	if len(s.inv.AssignedDishes()) > 0 {
		s.setState(ctx, ObsIdle)
	} else {
		s.restoreState(ctx, prev)
	}

	msg := fmt.Sprintf("assigned %d dishes", succeeded)
	if skips > 0 {
		msg += fmt.Sprintf(", %d owned elsewhere", skips)
	}
	if len(failures) > 0 {
		msg += fmt.Sprintf(", %d failed: %s", len(failures), strings.Join(failures, "; "))
	}
	return ResultCompleted, msg
}

// assignDish onlines one dish's channelizer and records the subarray
// association, returning skipped=true when another subarray owns it.
func (s *Subarray) assignDish(ctx context.Context, dish string) (bool, error) {
	h, err := s.inv.VCCForDish(dish)
	if err != nil {
		return false, err
	}
	if s.inv.IsAssigned(dish) {
		return false, nil
	}

	owner, err := s.readMembership(ctx, h)
	if err != nil {
		s.log.Debug(ctx, "membership read failed, assuming unowned",
			logging.String("dish", dish), logging.Err(err))
		owner = 0
	}
	if owner != 0 && owner != s.cfg.ID {
		s.log.Info(ctx, "dish owned by another subarray, skipping",
			logging.String("dish", dish),
			logging.Int("owner", owner))
		return true, nil
	}

	if err := h.Client.WriteAttribute(ctx, "adminMode", inventory.AdminOnline); err != nil {
		return false, err
	}
	if err := h.Client.WriteAttribute(ctx, "subarrayMembership", s.cfg.ID); err != nil {
		return false, err
	}

	unsub, err := h.Client.Subscribe(ctx, s.tracker.Deliver)
	if err != nil {
		return false, err
	}

	h.AdminMode = inventory.AdminOnline
	h.Membership = s.cfg.ID
	h.Unsubscribe = unsub

	// The paired hardware-monitoring resource tracks the association too,
	// when one is deployed.
	if m := s.inv.MonitorForVCC(h.ID); m != nil {
		if err := m.Client.WriteAttribute(ctx, "subarrayMembership", s.cfg.ID); err != nil {
			s.log.Warn(ctx, "monitor association failed",
				logging.String("dish", dish), logging.Err(err))
		}
	}

	if err := s.inv.Assign(dish); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Subarray) readMembership(ctx context.Context, h *inventory.Handle) (int, error) {
	raw, err := h.Client.ReadAttribute(ctx, "subarrayMembership")
	if err != nil {
		return 0, err
	}
	var owner int
	if err := json.Unmarshal(raw, &owner); err != nil {
		return 0, err
	}
	return owner, nil
}

// ReleaseResources tears down the named dishes' assignment. The subarray
// reaches EMPTY only once the dish set is empty.
func (s *Subarray) ReleaseResources(dishIDs []string) (TaskStatus, string, error) {
	if len(dishIDs) == 0 {
		return TaskRejected, "", fmt.Errorf("no dish IDs supplied")
	}
	return s.submit(CmdReleaseResources, func(ctx context.Context) (ResultCode, string) {
		return s.doReleaseResources(ctx, dishIDs)
	})
}

// ReleaseAllResources releases every assigned dish.
func (s *Subarray) ReleaseAllResources() (TaskStatus, string, error) {
	return s.submit(CmdReleaseResources, func(ctx context.Context) (ResultCode, string) {
		return s.doReleaseResources(ctx, s.inv.AssignedDishes())
	})
}

func (s *Subarray) doReleaseResources(ctx context.Context, dishIDs []string) (ResultCode, string) {
	prev := s.ObsState()
	s.setState(ctx, ObsResourcing)

	released := 0
	var failures []string
	for _, dish := range dishIDs {
		if ctx.Err() != nil {
			s.restoreState(ctx, prev)
			return ResultAborted, "release cancelled"
		}
		if !s.inv.IsAssigned(dish) {
			s.log.Info(ctx, "dish not assigned, skipping release", logging.String("dish", dish))
			continue
		}
		if err := s.releaseDish(ctx, dish); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", dish, err))
			continue
		}
		released++
	}

	s.updateAssignedMetrics()

	if len(s.inv.AssignedDishes()) == 0 {
		s.setState(ctx, ObsEmpty)
	} else {
		s.setState(ctx, ObsIdle)
	}

	if released == 0 && len(failures) > 0 {
		return ResultFailed, fmt.Sprintf("release failed: %s", strings.Join(failures, "; "))
	}
	msg := fmt.Sprintf("released %d dishes", released)
	if len(failures) > 0 {
		msg += fmt.Sprintf(", %d failed: %s", len(failures), strings.Join(failures, "; "))
	}
	return ResultCompleted, msg
}

func (s *Subarray) releaseDish(ctx context.Context, dish string) error {
	h, err := s.inv.VCCForDish(dish)
	if err != nil {
		return err
	}

	if h.Unsubscribe != nil {
		h.Unsubscribe()
		h.Unsubscribe = nil
	}
	if err := h.Client.WriteAttribute(ctx, "subarrayMembership", 0); err != nil {
		return err
	}
	if err := h.Client.WriteAttribute(ctx, "adminMode", inventory.AdminOffline); err != nil {
		return err
	}
	if m := s.inv.MonitorForVCC(h.ID); m != nil {
		if err := m.Client.WriteAttribute(ctx, "subarrayMembership", 0); err != nil {
			s.log.Warn(ctx, "monitor disassociation failed",
				logging.String("dish", dish), logging.Err(err))
		}
	}

	h.AdminMode = inventory.AdminOffline
	h.Membership = 0
	s.inv.Release(dish)
	return nil
}

// restoreState returns the machine to its pre-operation state after a
// failed or cancelled command.
func (s *Subarray) restoreState(ctx context.Context, prev ObsState) {
	s.setState(ctx, prev)
}
