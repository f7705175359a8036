package subarray

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/signalsfoundry/cbf-coordinator/internal/fanout"
	"github.com/signalsfoundry/cbf-coordinator/internal/inventory"
	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
	"github.com/signalsfoundry/cbf-coordinator/internal/rpc"
	"github.com/signalsfoundry/cbf-coordinator/internal/scancfg"
)

// FSPConfig is the derived configuration fragment sent to one processor.
// It is built fresh from the validated document each ConfigureScan; the
// caller-supplied document is never mutated.
type FSPConfig struct {
	FSPID         int    `json:"fsp_id"`
	FunctionMode  string `json:"function_mode"`
	ConfigID      string `json:"config_id"`
	FrequencyBand string `json:"frequency_band"`

	FrequencyBandOffsetStream1 int64 `json:"frequency_band_offset_stream1"`
	FrequencyBandOffsetStream2 int64 `json:"frequency_band_offset_stream2"`

	// CoarseChannel is the hardware coarse channel this FSP processes.
	CoarseChannel int   `json:"coarse_channel"`
	StartFreq     int64 `json:"start_freq"`
	ChannelWidth  int64 `json:"channel_width"`
	ChannelCount  int   `json:"channel_count"`
	StartChannel  int   `json:"sdp_start_channel_id"`

	OutputHost    []scancfg.HostEntry `json:"output_host"`
	OutputPort    []scancfg.PortEntry `json:"output_port"`
	OutputLinkMap []scancfg.LinkEntry `json:"output_link_map"`

	// Receptors is the resolved receptor subset; when the region names
	// none, every assigned dish participates.
	Receptors []string `json:"receptors"`
	// DishSampleRates maps each participating dish to its effective
	// input sample rate, derived from its k offset and the band.
	DishSampleRates map[string]int64 `json:"dish_sample_rates"`
	// SubarrayVCCIDs is the full sorted list of the subarray's assigned
	// channelizer IDs.
	SubarrayVCCIDs []int `json:"subarray_vcc_ids"`
}

// ConfigureScan validates the supplied configuration document and, on
// acceptance, drives band configuration, scan configuration, and processor
// claiming in order. Accepted from IDLE, and from READY for
// deconfigure-then-reconfigure without a full GoToIdle.
func (s *Subarray) ConfigureScan(raw []byte) (TaskStatus, string, error) {
	return s.submit(CmdConfigureScan, func(ctx context.Context) (ResultCode, string) {
		return s.doConfigureScan(ctx, raw)
	})
}

func (s *Subarray) doConfigureScan(ctx context.Context, raw []byte) (ResultCode, string) {
	snap := scancfg.Snapshot{
		SubarrayID:     s.cfg.ID,
		AssignedDishes: s.inv.AssignedDishes(),
		FSPCount:       s.inv.FSPCount(),
	}
	doc, era, err := s.validator.ValidateBytes(raw, snap)
	if err != nil {
		return ResultFailed, fmt.Sprintf("scan configuration rejected: %v", err)
	}

	prev := s.ObsState()
	s.setState(ctx, ObsConfiguring)

	// Reconfiguration: idle out processors claimed by the previous scan
	// before anything else touches them.
	if targets := s.claimedFSPTargets(); len(targets) > 0 {
		if ctx.Err() != nil {
			s.restoreState(ctx, prev)
			return ResultAborted, "configure cancelled"
		}
		report := s.group.Issue(ctx, "GoToIdle", targets, nil)
		if report.AllFailed() {
			s.restoreState(ctx, prev)
			return ResultFailed, "could not idle previously configured processors"
		}
		if outcome, msg := s.tracker.Wait(ctx, s.cfg.CommandTimeout, false); outcome != fanout.OutcomeCompleted {
			s.restoreState(ctx, prev)
			if outcome == fanout.OutcomeAborted {
				return ResultAborted, "configure cancelled"
			}
			return ResultFailed, fmt.Sprintf("idling previous processors: %s", msg)
		}
		s.releaseFSPClaims(ctx)
	}

	fragments, err := s.buildFSPConfigs(doc, era)
	if err != nil {
		s.restoreState(ctx, prev)
		return ResultFailed, fmt.Sprintf("deriving FSP configuration: %v", err)
	}

	if ctx.Err() != nil {
		s.restoreState(ctx, prev)
		return ResultAborted, "configure cancelled"
	}
	claims, err := s.claimFSPs(ctx, fragments)
	if err != nil {
		s.unwindClaims(ctx, claims)
		s.restoreState(ctx, prev)
		return ResultFailed, fmt.Sprintf("claiming processors: %v", err)
	}

	// Ordering is a hard requirement: VCC band configuration must be
	// confirmed before VCC scan configuration, which must be confirmed
	// before FSP scan configuration.
	steps := []struct {
		name    string
		targets []fanout.Target
		arg     json.RawMessage
	}{
		{"ConfigureBand", s.vccBandTargets(doc), nil},
		{"ConfigureScan", vccTargets(s.inv.AssignedVCCs()), s.vccScanArg(doc)},
		{"ConfigureScan", fspTargets(claims, fragments), nil},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			s.restoreState(ctx, prev)
			return ResultAborted, "configure cancelled"
		}
		report := s.group.Issue(ctx, step.name, step.targets, step.arg)
		if len(report.Failures) > 0 {
			s.tracker.Abandon()
			s.unwindClaims(ctx, claims)
			s.restoreState(ctx, prev)
			return ResultFailed, fmt.Sprintf("%s issuance failed on %d resources", step.name, len(report.Failures))
		}
		outcome, msg := s.tracker.Wait(ctx, s.cfg.CommandTimeout, false)
		if outcome == fanout.OutcomeAborted {
			s.restoreState(ctx, prev)
			return ResultAborted, "configure cancelled"
		}
		if outcome != fanout.OutcomeCompleted {
			s.unwindClaims(ctx, claims)
			s.restoreState(ctx, prev)
			return ResultFailed, fmt.Sprintf("%s: %s", step.name, msg)
		}
	}

	s.confirmClaims(claims)
	s.subscribeDelayModels(ctx)

	s.mu.Lock()
	s.configID = doc.Common.ConfigID
	s.frequencyBand = doc.Common.FrequencyBand
	s.lastConfigs = fragments
	s.mu.Unlock()
	s.updateAssignedMetrics()

	s.setState(ctx, ObsReady)
	return ResultCompleted, fmt.Sprintf("configured %q with %d FSPs", doc.Common.ConfigID, len(fragments))
}

// buildFSPConfigs derives one configuration fragment per FSP across all
// processing regions of the document.
func (s *Subarray) buildFSPConfigs(doc *scancfg.Document, era scancfg.Era) ([]FSPConfig, error) {
	sub := doc.Subsystem(era)
	band := doc.Common.FrequencyBand
	base, ok := scancfg.SampleRateBase(band)
	if !ok {
		return nil, fmt.Errorf("no sample rate for band %q", band)
	}

	vccIDs := s.inv.AssignedVCCIDs()
	var fragments []FSPConfig
	for _, region := range doc.Regions(era) {
		receptors := region.Receptors
		if len(receptors) == 0 {
			receptors = s.inv.AssignedDishes()
		}

		rates := make(map[string]int64, len(receptors))
		for _, dish := range receptors {
			info, ok := s.inv.Dish(dish)
			if !ok {
				return nil, fmt.Errorf("%w: %q", inventory.ErrUnknownDish, dish)
			}
			rates[dish] = base + int64(info.K)*scancfg.FreqOffsetDeltaF
		}

		firstCoarse := int(region.StartFreq / s.caps.CoarseChannelWidth)
		for i, fspID := range region.FSPIDs {
			fragments = append(fragments, FSPConfig{
				FSPID:                      fspID,
				FunctionMode:               string(inventory.FunctionCorr),
				ConfigID:                   doc.Common.ConfigID,
				FrequencyBand:              band,
				FrequencyBandOffsetStream1: sub.FrequencyBandOffsetStream1,
				FrequencyBandOffsetStream2: sub.FrequencyBandOffsetStream2,
				CoarseChannel:              firstCoarse + i,
				StartFreq:                  region.StartFreq,
				ChannelWidth:               region.ChannelWidth,
				ChannelCount:               region.ChannelCount,
				StartChannel:               region.SDPStartChannelID,
				OutputHost:                 region.OutputHost,
				OutputPort:                 region.OutputPort,
				OutputLinkMap:              region.OutputLinkMap,
				Receptors:                  receptors,
				DishSampleRates:            rates,
				SubarrayVCCIDs:             vccIDs,
			})
		}
	}
	return fragments, nil
}

// claim tracks one processor claimed during the current configure, so a
// failed later step can unwind exactly what this command did.
type claim struct {
	handle       *inventory.Handle
	switchedMode bool
	unsubscribe  func()
}

// claimFSPs switches each named processor into CORR (only permitted from
// IDLE) and records the subarray membership. A processor running a
// different function mode fails the whole configure.
func (s *Subarray) claimFSPs(ctx context.Context, fragments []FSPConfig) ([]claim, error) {
	var claims []claim
	for _, frag := range fragments {
		h, ok := s.inv.FSP(frag.FSPID)
		if !ok {
			return claims, fmt.Errorf("FSP %d is not registered", frag.FSPID)
		}

		c := claim{handle: h}
		switch h.FunctionMode {
		case inventory.FunctionIdle:
			if err := h.Client.WriteAttribute(ctx, "functionMode", inventory.FunctionCorr); err != nil {
				return claims, fmt.Errorf("FSP %d: %w", frag.FSPID, err)
			}
			h.FunctionMode = inventory.FunctionCorr
			c.switchedMode = true
		case inventory.FunctionCorr:
			// Shared FSP already in the right mode.
		default:
			return claims, fmt.Errorf("FSP %d is claimed for %s", frag.FSPID, h.FunctionMode)
		}

		if err := h.Client.WriteAttribute(ctx, "subarrayMembership", s.cfg.ID); err != nil {
			claims = append(claims, c)
			return claims, fmt.Errorf("FSP %d: %w", frag.FSPID, err)
		}
		h.Membership = s.cfg.ID

		unsub, err := h.Client.Subscribe(ctx, s.tracker.Deliver)
		if err != nil {
			claims = append(claims, c)
			return claims, fmt.Errorf("FSP %d: %w", frag.FSPID, err)
		}
		c.unsubscribe = unsub
		claims = append(claims, c)
	}
	return claims, nil
}

// unwindClaims reverses claimed-but-unconfirmed processor claims after a
// failed configure step.
func (s *Subarray) unwindClaims(ctx context.Context, claims []claim) {
	for _, c := range claims {
		h := c.handle
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if err := h.Client.WriteAttribute(ctx, "subarrayMembership", 0); err != nil {
			s.log.Warn(ctx, "claim unwind failed", logging.String("resource", h.Name), logging.Err(err))
		}
		h.Membership = 0
		if c.switchedMode {
			if err := h.Client.WriteAttribute(ctx, "functionMode", inventory.FunctionIdle); err != nil {
				s.log.Warn(ctx, "function mode unwind failed", logging.String("resource", h.Name), logging.Err(err))
			}
			h.FunctionMode = inventory.FunctionIdle
		}
	}
}

// confirmClaims installs the claims as the subarray's processor set.
func (s *Subarray) confirmClaims(claims []claim) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range claims {
		h := c.handle
		if c.unsubscribe != nil {
			h.Unsubscribe = c.unsubscribe
		}
		s.claimedFSPs[h.ID] = h
	}
}

// releaseFSPClaims drops every processor claim. Function mode is left in
// place; a shared FSP keeps serving other subarrays.
func (s *Subarray) releaseFSPClaims(ctx context.Context) {
	s.mu.Lock()
	claimed := s.claimedFSPs
	s.claimedFSPs = make(map[int]*inventory.Handle)
	s.mu.Unlock()

	for _, h := range claimed {
		if h.Unsubscribe != nil {
			h.Unsubscribe()
			h.Unsubscribe = nil
		}
		if err := h.Client.WriteAttribute(ctx, "subarrayMembership", 0); err != nil {
			s.log.Warn(ctx, "membership release failed", logging.String("resource", h.Name), logging.Err(err))
		}
		h.Membership = 0
	}
	s.updateAssignedMetrics()
}

// vccBandTargets builds the per-VCC band configuration fan-out, each target
// carrying its dish's sample rate.
func (s *Subarray) vccBandTargets(doc *scancfg.Document) []fanout.Target {
	band := doc.Common.FrequencyBand
	base, _ := scancfg.SampleRateBase(band)

	var targets []fanout.Target
	for _, dish := range s.inv.AssignedDishes() {
		h, err := s.inv.VCCForDish(dish)
		if err != nil {
			continue
		}
		info, _ := s.inv.Dish(dish)
		arg, _ := json.Marshal(map[string]any{
			"frequency_band":   band,
			"dish_sample_rate": base + int64(info.K)*scancfg.FreqOffsetDeltaF,
		})
		targets = append(targets, fanout.Target{Name: h.Name, Client: h.Client, Arg: arg})
	}
	return targets
}

func (s *Subarray) vccScanArg(doc *scancfg.Document) json.RawMessage {
	arg, _ := json.Marshal(map[string]any{
		"config_id":      doc.Common.ConfigID,
		"frequency_band": doc.Common.FrequencyBand,
	})
	return arg
}

func fspTargets(claims []claim, fragments []FSPConfig) []fanout.Target {
	byID := make(map[int]*inventory.Handle, len(claims))
	for _, c := range claims {
		byID[c.handle.ID] = c.handle
	}
	var targets []fanout.Target
	for _, frag := range fragments {
		h, ok := byID[frag.FSPID]
		if !ok {
			continue
		}
		arg, _ := json.Marshal(frag)
		targets = append(targets, fanout.Target{Name: h.Name, Client: h.Client, Arg: arg})
	}
	return targets
}

// subscribeDelayModels hooks the external delay-model publisher the first
// time a scan is configured.
func (s *Subarray) subscribeDelayModels(ctx context.Context) {
	if s.delaySource == nil {
		return
	}
	s.mu.Lock()
	already := s.delayUnsub != nil
	s.mu.Unlock()
	if already {
		return
	}

	unsub, err := s.delaySource.Subscribe(ctx, func(ev rpc.Event) {
		if ev.Kind != rpc.EventAttributeChange || ev.Attribute != "delayModel" {
			return
		}
		if err := s.UpdateDelayModel(ev.Payload); err != nil {
			s.log.Warn(context.Background(), "delay model rejected", logging.Err(err))
		}
	})
	if err != nil {
		s.log.Warn(ctx, "delay model subscription failed", logging.Err(err))
		return
	}
	s.mu.Lock()
	s.delayUnsub = unsub
	s.mu.Unlock()
}
