package subarray

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
)

// DelayModel is a delay polynomial update published for the dishes of an
// ongoing scan.
type DelayModel struct {
	Interface        string        `json:"interface,omitempty"`
	StartValiditySec float64       `json:"start_validity_sec"`
	DelayDetails     []DelayDetail `json:"delay_details" validate:"required,min=1,dive"`
}

// DelayDetail carries the polynomials of one dish.
type DelayDetail struct {
	Receptor string     `json:"receptor" validate:"required"`
	PolyInfo []PolyInfo `json:"poly_info" validate:"required,min=1,dive"`
}

// PolyInfo is one frequency slice's delay polynomial.
type PolyInfo struct {
	FSID       int       `json:"fs_id" validate:"min=0"`
	PolyCoeffs []float64 `json:"poly_coeffs" validate:"required,min=1"`
}

// forwardedDetail is a DelayDetail with the dish resolved to its
// channelizer ID, the form the processors consume.
type forwardedDetail struct {
	Receptor string     `json:"receptor"`
	VCCID    int        `json:"vcc_id"`
	PolyInfo []PolyInfo `json:"poly_info"`
}

type forwardedModel struct {
	Interface        string            `json:"interface,omitempty"`
	StartValiditySec float64           `json:"start_validity_sec"`
	DelayDetails     []forwardedDetail `json:"delay_details"`
}

var delayValidate = validator.New()

// UpdateDelayModel accepts a delay-model document and forwards it to the
// claimed processors. Parsing and structural validation happen on the
// caller's goroutine; the forwarding itself is handed to a bounded worker
// so a slow processor never blocks the publisher. Updates arriving while
// every worker slot is busy are dropped.
//
// This path runs concurrently with lifecycle commands and deliberately
// bypasses the command executor.
func (s *Subarray) UpdateDelayModel(raw json.RawMessage) error {
	var model DelayModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return fmt.Errorf("invalid delay model: %w", err)
	}
	if err := delayValidate.Struct(&model); err != nil {
		return fmt.Errorf("invalid delay model: %w", err)
	}

	if !s.delaySem.TryAcquire(1) {
		if s.metrics != nil {
			s.metrics.AddDelayModelDropped()
		}
		s.log.Warn(context.Background(), "delay model dropped, forwarding workers saturated")
		return nil
	}

	go func() {
		defer s.delaySem.Release(1)
		s.forwardDelayModel(context.Background(), string(raw), model)
	}()
	return nil
}

// forwardDelayModel is the serialized forward step. delayMu serializes
// concurrent forwards; arrival order is not preserved, so a model carrying
// an older validity epoch than the last forward is discarded.
func (s *Subarray) forwardDelayModel(ctx context.Context, raw string, model DelayModel) {
	s.delayMu.Lock()
	defer s.delayMu.Unlock()

	if !delayModelStates[s.ObsState()] {
		s.log.Debug(ctx, "delay model ignored outside configured states")
		return
	}
	if raw == s.lastDelay {
		s.log.Debug(ctx, "delay model unchanged, skipping forward")
		return
	}
	if s.lastDelay != "" && model.StartValiditySec < s.lastValidity {
		s.log.Debug(ctx, "delay model older than last forward, skipping")
		return
	}

	forwarded := forwardedModel{
		Interface:        model.Interface,
		StartValiditySec: model.StartValiditySec,
		DelayDetails:     make([]forwardedDetail, 0, len(model.DelayDetails)),
	}
	for _, d := range model.DelayDetails {
		h, err := s.inv.VCCForDish(d.Receptor)
		if err != nil {
			s.log.Warn(ctx, "delay model names unknown dish, rejecting update",
				logging.String("dish", d.Receptor), logging.Err(err))
			return
		}
		if !s.inv.IsAssigned(d.Receptor) {
			s.log.Warn(ctx, "delay model names dish not assigned to this subarray, rejecting update",
				logging.String("dish", d.Receptor))
			return
		}
		forwarded.DelayDetails = append(forwarded.DelayDetails, forwardedDetail{
			Receptor: d.Receptor,
			VCCID:    h.ID,
			PolyInfo: d.PolyInfo,
		})
	}

	payload, err := json.Marshal(forwarded)
	if err != nil {
		s.log.Warn(ctx, "delay model encode failed", logging.Err(err))
		return
	}

	for _, t := range s.claimedFSPTargets() {
		if err := t.Client.WriteAttribute(ctx, "delayModel", json.RawMessage(payload)); err != nil {
			s.log.Warn(ctx, "delay model forward failed",
				logging.String("resource", t.Name), logging.Err(err))
		}
	}

	s.lastDelay = raw
	s.lastValidity = model.StartValiditySec
	if s.metrics != nil {
		s.metrics.AddDelayModelForwarded()
	}
}
