package scancfg

// Era selects which generation of validation rules applies to a document.
type Era int

const (
	EraUnknown Era = iota
	// EraLegacy covers the 3.x configure-scan schema (subsystem section
	// keyed "cbf").
	EraLegacy
	// EraCurrent covers the 4.x configure-scan schema (subsystem section
	// keyed "midcbf").
	EraCurrent
)

// Interface URIs accepted by the validator.
const (
	interfaceLegacy    = "https://schema.skao.int/ska-csp-configurescan/3.0"
	interfaceCurrent40 = "https://schema.skao.int/ska-csp-configurescan/4.0"
	interfaceCurrent41 = "https://schema.skao.int/ska-csp-configurescan/4.1"
)

// eraForInterface maps an interface URI to its rule set.
func eraForInterface(uri string) Era {
	switch uri {
	case interfaceLegacy:
		return EraLegacy
	case interfaceCurrent40, interfaceCurrent41:
		return EraCurrent
	default:
		return EraUnknown
	}
}

// Capabilities is the table of hardware-supported values. Loaded once at
// startup and never mutated; pass by value or shared reference only.
type Capabilities struct {
	// FrequencyBands lists the bands the hardware accepts. Bands 5a/5b
	// appear in the schema but are rejected until implemented.
	FrequencyBands []string

	// SubarrayIDMax bounds supported subarray identifiers (1-based).
	SubarrayIDMax int

	// FSPIDMax bounds the global FSP identifier range (1-based).
	FSPIDMax int
	// CorrFSPIDMin/Max bound the FSP IDs permitted for CORR mode.
	CorrFSPIDMin int
	CorrFSPIDMax int
	// FSPsPerRegionMin/Max bound the fsp_ids list length of one region.
	FSPsPerRegionMin int
	FSPsPerRegionMax int

	// ChannelWidths is the set of supported fine channel widths in Hz.
	ChannelWidths []int64
	// ChannelCountGranularity is the multiple channel_count must honour.
	ChannelCountGranularity int
	// ChannelCountMax bounds channel_count.
	ChannelCountMax int

	// FrequencyMin/Max is the absolute hardware range in Hz.
	FrequencyMin int64
	FrequencyMax int64
	// NominalBandMin/Max is the band-1/band-2 envelope; excursions are
	// warned about, not rejected.
	NominalBandMin int64
	NominalBandMax int64

	// CoarseChannelWidth is the hardware coarse-channel bandwidth in Hz,
	// used to compute how many FSPs a region requires.
	CoarseChannelWidth int64

	// OutputPortIncrement is the exact channel step between successive
	// output_port entries.
	OutputPortIncrement int
	// OutputHostGranularity is the channel multiple successive
	// output_host entries must differ by.
	OutputHostGranularity int
	// ChannelsPerEntry is the channel coverage of one channel-map entry.
	ChannelsPerEntry int
	// MaxChannelsPerHostPort bounds how many channels may accumulate on
	// one (host, port) destination.
	MaxChannelsPerHostPort int
	// OutputLinks is the set of supported output link values.
	OutputLinks []int
}

// Default returns the Mid.CBF capability table.
func Default() Capabilities {
	return Capabilities{
		FrequencyBands: []string{"1", "2", "3", "4"},

		SubarrayIDMax: 16,

		FSPIDMax:         27,
		CorrFSPIDMin:     1,
		CorrFSPIDMax:     27,
		FSPsPerRegionMin: 1,
		FSPsPerRegionMax: 10,

		ChannelWidths:           []int64{13440},
		ChannelCountGranularity: 20,
		ChannelCountMax:         58980,

		FrequencyMin:   0,
		FrequencyMax:   1_981_808_640,
		NominalBandMin: 350_000_000,
		NominalBandMax: 1_760_000_000,

		CoarseChannelWidth: 198_180_864,

		OutputPortIncrement:    20,
		OutputHostGranularity:  20,
		ChannelsPerEntry:       20,
		MaxChannelsPerHostPort: 20,
		OutputLinks:            []int{1},
	}
}

// SampleRateBase returns the base input sample rate in Hz for a frequency
// band, with ok false for bands without a commissioned rate.
func SampleRateBase(band string) (int64, bool) {
	switch band {
	case "1", "2":
		return 3_960_000_000, true
	case "3":
		return 3_168_000_000, true
	case "4":
		return 5_940_000_000, true
	default:
		return 0, false
	}
}

// FreqOffsetDeltaF is the per-k frequency offset step in Hz used to derive
// a dish's effective sample rate from its k index.
const FreqOffsetDeltaF = 1_800
