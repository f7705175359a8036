// Package scancfg models the versioned scan configuration document and
// validates it against the hardware capability table and the subarray's
// live resource inventory.
package scancfg

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed indicates the configuration bytes could not be decoded.
var ErrMalformed = errors.New("invalid document")

// Document is the externally supplied scan configuration. It is transient:
// parsed, validated, consumed, and discarded; only the derived per-FSP
// fragments outlive the configure operation.
type Document struct {
	Interface string        `json:"interface"`
	Common    CommonSection `json:"common"`

	// Exactly one of the subsystem sections is populated, keyed by the
	// schema era the interface URI selects.
	MidCBF *CBFSection `json:"midcbf,omitempty"`
	CBF    *CBFSection `json:"cbf,omitempty"`
}

// CommonSection carries fields shared by every function mode.
type CommonSection struct {
	ConfigID       string    `json:"config_id"`
	FrequencyBand  string    `json:"frequency_band"`
	SubarrayID     int       `json:"subarray_id"`
	BandFiveTuning []float64 `json:"band_5_tuning,omitempty"`
}

// CBFSection is the subsystem section of the configuration.
type CBFSection struct {
	FrequencyBandOffsetStream1 int64 `json:"frequency_band_offset_stream1,omitempty"`
	FrequencyBandOffsetStream2 int64 `json:"frequency_band_offset_stream2,omitempty"`

	Correlation *CorrelationSection `json:"correlation,omitempty"`
}

// CorrelationSection lists the CORR-mode processing regions.
type CorrelationSection struct {
	ProcessingRegions []ProcessingRegion `json:"processing_regions"`
}

// ProcessingRegion is one contiguous frequency/channel range assigned to a
// list of FSPs.
type ProcessingRegion struct {
	FSPIDs            []int       `json:"fsp_ids"`
	StartFreq         int64       `json:"start_freq"`
	ChannelWidth      int64       `json:"channel_width"`
	ChannelCount      int         `json:"channel_count"`
	SDPStartChannelID int         `json:"sdp_start_channel_id"`
	Receptors         []string    `json:"receptors,omitempty"`
	OutputHost        []HostEntry `json:"output_host"`
	OutputPort        []PortEntry `json:"output_port"`
	OutputLinkMap     []LinkEntry `json:"output_link_map"`
}

// HostEntry is one [channel, host] breakpoint of the output host map.
type HostEntry struct {
	Channel int
	Host    string
}

// PortEntry is one [channel, port] breakpoint of the output port map.
type PortEntry struct {
	Channel int
	Port    int
}

// LinkEntry is one [channel, link] breakpoint of the output link map.
type LinkEntry struct {
	Channel int
	Link    int
}

func (e *HostEntry) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("output_host entry: %w", err)
	}
	if err := json.Unmarshal(raw[0], &e.Channel); err != nil {
		return fmt.Errorf("output_host channel: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Host); err != nil {
		return fmt.Errorf("output_host host: %w", err)
	}
	return nil
}

func (e HostEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Channel, e.Host})
}

func (e *PortEntry) UnmarshalJSON(b []byte) error {
	var raw [2]int
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("output_port entry: %w", err)
	}
	e.Channel, e.Port = raw[0], raw[1]
	return nil
}

func (e PortEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{e.Channel, e.Port})
}

func (e *LinkEntry) UnmarshalJSON(b []byte) error {
	var raw [2]int
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("output_link_map entry: %w", err)
	}
	e.Channel, e.Link = raw[0], raw[1]
	return nil
}

func (e LinkEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{e.Channel, e.Link})
}

// Parse decodes a configuration document.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &doc, nil
}

// Subsystem returns the populated subsystem section for the given era.
func (d *Document) Subsystem(era Era) *CBFSection {
	switch era {
	case EraCurrent:
		return d.MidCBF
	case EraLegacy:
		return d.CBF
	default:
		return nil
	}
}

// Regions returns the CORR processing regions of the given era's section,
// or nil when the section or correlation block is absent.
func (d *Document) Regions(era Era) []ProcessingRegion {
	sub := d.Subsystem(era)
	if sub == nil || sub.Correlation == nil {
		return nil
	}
	return sub.Correlation.ProcessingRegions
}
