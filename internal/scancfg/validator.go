package scancfg

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
)

var (
	// ErrUnsupported indicates a value outside the hardware capability
	// table or an interface version the validator has no rules for.
	ErrUnsupported = errors.New("not supported")
	// ErrRegionInvalid indicates a processing region that violates a
	// structural or capacity rule.
	ErrRegionInvalid = errors.New("invalid processing region")
)

// Snapshot is the slice of live inventory the validator needs: the dishes
// currently assigned to the subarray and the processor capacity counted at
// startup.
type Snapshot struct {
	SubarrayID     int
	AssignedDishes []string
	FSPCount       int
}

// Validator checks scan configuration documents against a capability table
// and an inventory snapshot. It holds no state between calls; aside from
// warning logs, validation is side-effect free.
type Validator struct {
	caps Capabilities
	log  logging.Logger
}

// NewValidator builds a validator over the given capability table.
func NewValidator(caps Capabilities, log logging.Logger) *Validator {
	if log == nil {
		log = logging.Noop()
	}
	return &Validator{caps: caps, log: log}
}

// Capabilities returns the table the validator was built over, so derived
// configuration uses the same constants validation did.
func (v *Validator) Capabilities() Capabilities {
	return v.caps
}

// ValidateBytes parses and validates raw configuration bytes. On success it
// returns the parsed document and the rule-set era that applied.
func (v *Validator) ValidateBytes(raw []byte, snap Snapshot) (*Document, Era, error) {
	doc, err := Parse(raw)
	if err != nil {
		return nil, EraUnknown, err
	}
	era, err := v.Validate(doc, snap)
	if err != nil {
		return nil, era, err
	}
	return doc, era, nil
}

// Validate runs the full rule set against a parsed document. A nil error
// means the configuration is accepted. No partial mutation occurs on
// rejection; the validator never writes to the inventory or the resources.
func (v *Validator) Validate(doc *Document, snap Snapshot) (Era, error) {
	era := eraForInterface(doc.Interface)
	if era == EraUnknown {
		return era, fmt.Errorf("interface %q is %w", doc.Interface, ErrUnsupported)
	}

	if err := v.validateCommon(doc.Common, snap); err != nil {
		return era, err
	}

	sub := doc.Subsystem(era)
	if sub == nil {
		return era, fmt.Errorf("%w: missing subsystem section for interface %q", ErrMalformed, doc.Interface)
	}
	if sub.Correlation == nil || len(sub.Correlation.ProcessingRegions) == 0 {
		return era, fmt.Errorf("%w: at least one correlation processing region is required", ErrMalformed)
	}

	// FSPs claimed so far across regions of this document; a processor
	// may serve at most one region per scan.
	claimed := make(map[int]int)
	for i, region := range sub.Correlation.ProcessingRegions {
		if err := v.validateRegion(region, snap, claimed, i); err != nil {
			return era, fmt.Errorf("processing region %d: %w", i, err)
		}
	}

	return era, nil
}

func (v *Validator) validateCommon(common CommonSection, snap Snapshot) error {
	if !slices.Contains(v.caps.FrequencyBands, common.FrequencyBand) {
		return fmt.Errorf("frequency band %q is %w", common.FrequencyBand, ErrUnsupported)
	}
	if common.SubarrayID < 1 || common.SubarrayID > v.caps.SubarrayIDMax {
		return fmt.Errorf("subarray ID %d is %w", common.SubarrayID, ErrUnsupported)
	}
	if common.SubarrayID != snap.SubarrayID {
		return fmt.Errorf("%w: configuration addresses subarray %d, this is subarray %d",
			ErrUnsupported, common.SubarrayID, snap.SubarrayID)
	}
	// band_5_tuning is declared in the schema ahead of hardware support.
	// Reject explicitly rather than silently ignore the key.
	if len(common.BandFiveTuning) > 0 {
		return fmt.Errorf("band 5 tuning is %w", ErrUnsupported)
	}
	return nil
}

func (v *Validator) validateRegion(region ProcessingRegion, snap Snapshot, claimed map[int]int, index int) error {
	if err := v.validateFSPIDs(region, snap, claimed, index); err != nil {
		return err
	}
	if err := v.validateChannels(region); err != nil {
		return err
	}
	if err := v.validateFrequencyWindow(region); err != nil {
		return err
	}
	if err := v.validateFSPSufficiency(region); err != nil {
		return err
	}
	if err := v.validateChannelMaps(region); err != nil {
		return err
	}
	if err := v.validateDensity(region); err != nil {
		return err
	}
	return v.validateReceptors(region, snap)
}

func (v *Validator) validateFSPIDs(region ProcessingRegion, snap Snapshot, claimed map[int]int, index int) error {
	n := len(region.FSPIDs)
	if n < v.caps.FSPsPerRegionMin || n > v.caps.FSPsPerRegionMax {
		return fmt.Errorf("%w: %d FSP IDs supplied, supported range is [%d, %d]",
			ErrRegionInvalid, n, v.caps.FSPsPerRegionMin, v.caps.FSPsPerRegionMax)
	}
	for _, id := range region.FSPIDs {
		if id < 1 || id > v.caps.FSPIDMax {
			return fmt.Errorf("%w: FSP ID %d outside supported range [1, %d]", ErrRegionInvalid, id, v.caps.FSPIDMax)
		}
		if id < v.caps.CorrFSPIDMin || id > v.caps.CorrFSPIDMax {
			return fmt.Errorf("%w: FSP %d is not permitted for CORR", ErrRegionInvalid, id)
		}
		if id > snap.FSPCount {
			return fmt.Errorf("%w: FSP %d exceeds subarray FSP capacity %d", ErrRegionInvalid, id, snap.FSPCount)
		}
		if other, dup := claimed[id]; dup {
			return fmt.Errorf("%w: FSP %d already claimed by processing region %d", ErrRegionInvalid, id, other)
		}
		claimed[id] = index
	}
	return nil
}

func (v *Validator) validateChannels(region ProcessingRegion) error {
	if !slices.Contains(v.caps.ChannelWidths, region.ChannelWidth) {
		return fmt.Errorf("channel width %d is %w", region.ChannelWidth, ErrUnsupported)
	}
	count := region.ChannelCount
	if count <= 0 || count%v.caps.ChannelCountGranularity != 0 {
		return fmt.Errorf("%w: channel count %d must be a positive multiple of %d",
			ErrRegionInvalid, count, v.caps.ChannelCountGranularity)
	}
	if count > v.caps.ChannelCountMax {
		return fmt.Errorf("%w: channel count %d exceeds maximum %d", ErrRegionInvalid, count, v.caps.ChannelCountMax)
	}
	if region.SDPStartChannelID < 0 {
		return fmt.Errorf("%w: start channel ID %d must be non-negative", ErrRegionInvalid, region.SDPStartChannelID)
	}
	return nil
}

func (v *Validator) validateFrequencyWindow(region ProcessingRegion) error {
	lower := region.StartFreq - region.ChannelWidth/2
	upper := lower + region.ChannelWidth*int64(region.ChannelCount)

	if lower < v.caps.FrequencyMin || upper > v.caps.FrequencyMax {
		return fmt.Errorf("%w: frequency window [%d, %d] Hz outside hardware range [%d, %d] Hz",
			ErrRegionInvalid, lower, upper, v.caps.FrequencyMin, v.caps.FrequencyMax)
	}
	if lower < v.caps.NominalBandMin || upper > v.caps.NominalBandMax {
		v.log.Warn(context.Background(), "frequency window outside nominal band 1/2 envelope",
			logging.Int64("lower_hz", lower),
			logging.Int64("upper_hz", upper))
	}
	return nil
}

// validateFSPSufficiency requires the supplied FSP ID count to exactly equal
// the number of coarse channels the region spans. Both under- and
// over-provisioning are rejected.
func (v *Validator) validateFSPSufficiency(region ProcessingRegion) error {
	endFreq := region.StartFreq + int64(region.ChannelCount-1)*region.ChannelWidth
	first := region.StartFreq / v.caps.CoarseChannelWidth
	last := endFreq / v.caps.CoarseChannelWidth
	required := int(last-first) + 1

	if len(region.FSPIDs) < required {
		return fmt.Errorf("%w: not enough FSP IDs: %d supplied, %d coarse channels required",
			ErrRegionInvalid, len(region.FSPIDs), required)
	}
	if len(region.FSPIDs) > required {
		return fmt.Errorf("%w: too many FSP IDs: %d supplied, %d coarse channels required",
			ErrRegionInvalid, len(region.FSPIDs), required)
	}
	return nil
}

func (v *Validator) validateChannelMaps(region ProcessingRegion) error {
	if len(region.OutputHost) == 0 || len(region.OutputPort) == 0 || len(region.OutputLinkMap) == 0 {
		return fmt.Errorf("%w: output_host, output_port, and output_link_map are all required", ErrRegionInvalid)
	}

	start := region.SDPStartChannelID
	if region.OutputHost[0].Channel != start {
		return fmt.Errorf("%w: output_host starts at channel %d, region starts at %d",
			ErrRegionInvalid, region.OutputHost[0].Channel, start)
	}
	if region.OutputPort[0].Channel != start {
		return fmt.Errorf("%w: output_port starts at channel %d, region starts at %d",
			ErrRegionInvalid, region.OutputPort[0].Channel, start)
	}
	if region.OutputLinkMap[0].Channel != start {
		return fmt.Errorf("%w: output_link_map starts at channel %d, region starts at %d",
			ErrRegionInvalid, region.OutputLinkMap[0].Channel, start)
	}

	for name, entries := range map[string]int{
		"output_host":     len(region.OutputHost),
		"output_port":     len(region.OutputPort),
		"output_link_map": len(region.OutputLinkMap),
	} {
		if coverage := entries * v.caps.ChannelsPerEntry; coverage > region.ChannelCount {
			return fmt.Errorf("%w: %s covers %d channels, region has %d",
				ErrRegionInvalid, name, coverage, region.ChannelCount)
		}
	}

	for i := 1; i < len(region.OutputPort); i++ {
		delta := region.OutputPort[i].Channel - region.OutputPort[i-1].Channel
		if delta != v.caps.OutputPortIncrement {
			return fmt.Errorf("%w: output_port channels must increase by %d, entry %d increases by %d",
				ErrRegionInvalid, v.caps.OutputPortIncrement, i, delta)
		}
	}

	for i := 1; i < len(region.OutputHost); i++ {
		delta := region.OutputHost[i].Channel - region.OutputHost[i-1].Channel
		if delta <= 0 {
			return fmt.Errorf("%w: output_host channels must be strictly ascending", ErrRegionInvalid)
		}
		if delta%v.caps.OutputHostGranularity != 0 {
			return fmt.Errorf("%w: output_host channel step %d is not a multiple of %d",
				ErrRegionInvalid, delta, v.caps.OutputHostGranularity)
		}
	}

	for i, entry := range region.OutputLinkMap {
		if !slices.Contains(v.caps.OutputLinks, entry.Link) {
			return fmt.Errorf("%w: output_link_map entry %d: link %d is not supported",
				ErrRegionInvalid, i, entry.Link)
		}
	}

	return nil
}

// validateDensity walks the region's channel range tracking the current
// (host, port) destination and rejects once any destination accumulates
// more than the supported channel count.
func (v *Validator) validateDensity(region ProcessingRegion) error {
	counts := make(map[string]int)
	host := ""
	port := 0
	hostIdx, portIdx := 0, 0

	for ch := region.SDPStartChannelID; ch < region.SDPStartChannelID+region.ChannelCount; ch++ {
		for hostIdx < len(region.OutputHost) && region.OutputHost[hostIdx].Channel == ch {
			host = region.OutputHost[hostIdx].Host
			hostIdx++
		}
		for portIdx < len(region.OutputPort) && region.OutputPort[portIdx].Channel == ch {
			port = region.OutputPort[portIdx].Port
			portIdx++
		}
		key := fmt.Sprintf("%s:%d", host, port)
		counts[key]++
		if counts[key] > v.caps.MaxChannelsPerHostPort {
			return fmt.Errorf("%w: destination %s exceeds %d channels",
				ErrRegionInvalid, key, v.caps.MaxChannelsPerHostPort)
		}
	}
	return nil
}

// validateReceptors checks a region's receptor subset against the assigned
// dish set. An absent or empty subset means "all assigned receptors" and is
// not an error.
func (v *Validator) validateReceptors(region ProcessingRegion, snap Snapshot) error {
	if len(region.Receptors) == 0 {
		return nil
	}
	for _, dish := range region.Receptors {
		if !slices.Contains(snap.AssignedDishes, dish) {
			return fmt.Errorf("%w: receptor %q is not assigned to this subarray", ErrRegionInvalid, dish)
		}
	}
	return nil
}
