package subarray

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/signalsfoundry/cbf-coordinator/internal/fanout"
	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
)

// ScanRequest is the externally supplied scan start document.
type ScanRequest struct {
	Interface string `json:"interface,omitempty"`
	ScanID    uint64 `json:"scan_id"`
}

// Scan starts a scan on every assigned channelizer and claimed processor.
func (s *Subarray) Scan(raw []byte) (TaskStatus, string, error) {
	var req ScanRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return TaskRejected, "", fmt.Errorf("invalid scan document: %w", err)
	}
	if req.ScanID == 0 {
		return TaskRejected, "", fmt.Errorf("invalid scan document: scan_id is required")
	}
	return s.submit(CmdScan, func(ctx context.Context) (ResultCode, string) {
		return s.doScan(ctx, req.ScanID)
	})
}

func (s *Subarray) doScan(ctx context.Context, scanID uint64) (ResultCode, string) {
	prev := s.ObsState()

	arg, _ := json.Marshal(map[string]uint64{"scan_id": scanID})
	report := s.group.Issue(ctx, "Scan", s.lifecycleTargets(), arg)
	if len(report.Failures) > 0 {
		s.tracker.Abandon()
		s.restoreState(ctx, prev)
		return ResultFailed, fmt.Sprintf("scan start issuance failed on %d resources", len(report.Failures))
	}
	outcome, msg := s.tracker.Wait(ctx, s.cfg.CommandTimeout, false)
	switch outcome {
	case fanout.OutcomeAborted:
		s.restoreState(ctx, prev)
		return ResultAborted, "scan cancelled"
	case fanout.OutcomeFailed:
		s.restoreState(ctx, prev)
		return ResultFailed, fmt.Sprintf("scan start: %s", msg)
	}

	s.mu.Lock()
	s.scanID = scanID
	s.mu.Unlock()
	s.setState(ctx, ObsScanning)
	return ResultCompleted, fmt.Sprintf("scan %d started", scanID)
}

// EndScan stops the running scan, returning to READY.
func (s *Subarray) EndScan() (TaskStatus, string, error) {
	return s.submit(CmdEndScan, s.doEndScan)
}

func (s *Subarray) doEndScan(ctx context.Context) (ResultCode, string) {
	prev := s.ObsState()

	report := s.group.Issue(ctx, "EndScan", s.lifecycleTargets(), nil)
	if len(report.Failures) > 0 {
		s.tracker.Abandon()
		s.restoreState(ctx, prev)
		return ResultFailed, fmt.Sprintf("scan stop issuance failed on %d resources", len(report.Failures))
	}
	outcome, msg := s.tracker.Wait(ctx, s.cfg.CommandTimeout, false)
	switch outcome {
	case fanout.OutcomeAborted:
		s.restoreState(ctx, prev)
		return ResultAborted, "end scan cancelled"
	case fanout.OutcomeFailed:
		s.restoreState(ctx, prev)
		return ResultFailed, fmt.Sprintf("scan stop: %s", msg)
	}

	s.mu.Lock()
	s.scanID = 0
	s.mu.Unlock()
	s.setState(ctx, ObsReady)
	return ResultCompleted, "scan ended"
}

// GoToIdle drops the scan configuration, releasing processor claims and the
// delay-model subscription.
func (s *Subarray) GoToIdle() (TaskStatus, string, error) {
	return s.submit(CmdGoToIdle, s.doGoToIdle)
}

func (s *Subarray) doGoToIdle(ctx context.Context) (ResultCode, string) {
	prev := s.ObsState()

	report := s.group.Issue(ctx, "GoToIdle", s.lifecycleTargets(), nil)
	if len(report.Failures) > 0 {
		s.tracker.Abandon()
		s.restoreState(ctx, prev)
		return ResultFailed, fmt.Sprintf("go-to-idle issuance failed on %d resources", len(report.Failures))
	}
	outcome, msg := s.tracker.Wait(ctx, s.cfg.CommandTimeout, false)
	switch outcome {
	case fanout.OutcomeAborted:
		s.restoreState(ctx, prev)
		return ResultAborted, "go-to-idle cancelled"
	case fanout.OutcomeFailed:
		s.restoreState(ctx, prev)
		return ResultFailed, fmt.Sprintf("go-to-idle: %s", msg)
	}

	s.deconfigure(ctx)
	s.setState(ctx, ObsIdle)
	return ResultCompleted, "subarray idle"
}

// Abort cancels whatever command is running, then drives every owned
// resource to an idle-equivalent state. Abort always reaches ABORTED.
func (s *Subarray) Abort() (TaskStatus, string, error) {
	s.mu.RLock()
	state := s.obsState
	s.mu.RUnlock()
	if !allowedFrom(CmdAbort, state) {
		return TaskRejected, "", fmt.Errorf("%w: %s from %s", ErrInvalidState, CmdAbort, state)
	}

	s.exec.CancelRunning()
	id, err := s.exec.Submit(CmdAbort, s.instrument(CmdAbort, s.doAbort))
	if err != nil {
		return TaskRejected, "", err
	}
	return TaskQueued, id, nil
}

func (s *Subarray) doAbort(ctx context.Context) (ResultCode, string) {
	s.setState(ctx, ObsAborting)

	targets := s.lifecycleTargets()
	if len(targets) > 0 {
		// Resources that are already idle reject the abort; that is
		// tolerated, not escalated.
		report := s.group.Issue(ctx, "Abort", targets, nil)
		for _, f := range report.Failures {
			s.log.Info(ctx, "abort not taken", logging.String("resource", f.Resource), logging.Err(f.Err))
		}
		if report.Issued > 0 {
			if outcome, msg := s.tracker.Wait(ctx, s.cfg.CommandTimeout, true); outcome != fanout.OutcomeCompleted {
				s.log.Warn(ctx, "abort fan-out incomplete", logging.String("detail", msg))
			}
		}
	}

	s.mu.Lock()
	s.scanID = 0
	s.mu.Unlock()
	s.setState(ctx, ObsAborted)
	return ResultCompleted, "subarray aborted"
}

// ObsReset recovers from ABORTED or FAULT back to IDLE, preserving the
// dish assignment.
func (s *Subarray) ObsReset() (TaskStatus, string, error) {
	return s.submit(CmdObsReset, func(ctx context.Context) (ResultCode, string) {
		return s.doObsReset(ctx, false)
	})
}

// Restart recovers from ABORTED or FAULT all the way to EMPTY, releasing
// every assigned dish.
func (s *Subarray) Restart() (TaskStatus, string, error) {
	return s.submit(CmdRestart, func(ctx context.Context) (ResultCode, string) {
		return s.doObsReset(ctx, true)
	})
}

func (s *Subarray) doObsReset(ctx context.Context, restart bool) (ResultCode, string) {
	from := s.ObsState()
	if restart {
		s.setState(ctx, ObsRestarting)
	} else {
		s.setState(ctx, ObsResetting)
	}

	targets := s.lifecycleTargets()

	// A faulted subarray may have resources mid-operation; run the abort
	// fan-out first so the reset lands on quiesced resources.
	if from == ObsFault && len(targets) > 0 {
		report := s.group.Issue(ctx, "Abort", targets, nil)
		if report.Issued > 0 {
			s.tracker.Wait(ctx, s.cfg.CommandTimeout, true)
		}
	}

	if len(targets) > 0 {
		report := s.group.Issue(ctx, "ObsReset", targets, nil)
		for _, f := range report.Failures {
			s.log.Info(ctx, "reset not taken", logging.String("resource", f.Resource), logging.Err(f.Err))
		}
		if report.Issued > 0 {
			if outcome, msg := s.tracker.Wait(ctx, s.cfg.CommandTimeout, true); outcome != fanout.OutcomeCompleted {
				s.log.Warn(ctx, "reset fan-out incomplete", logging.String("detail", msg))
			}
		}
	}

	s.deconfigure(ctx)

	if restart {
		s.doReleaseResources(ctx, s.inv.AssignedDishes())
		s.setState(ctx, ObsEmpty)
		return ResultCompleted, "subarray restarted"
	}
	s.setState(ctx, ObsIdle)
	return ResultCompleted, "subarray reset"
}

// deconfigure is the shared teardown step used by GoToIdle, abort
// recovery, and restart: it releases processor claims, the delay-model
// subscription, and the scan configuration fields.
func (s *Subarray) deconfigure(ctx context.Context) {
	s.releaseFSPClaims(ctx)

	s.mu.Lock()
	unsub := s.delayUnsub
	s.delayUnsub = nil
	s.configID = ""
	s.frequencyBand = ""
	s.scanID = 0
	s.lastConfigs = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	s.delayMu.Lock()
	s.lastDelay = ""
	s.lastValidity = 0
	s.delayMu.Unlock()
}
