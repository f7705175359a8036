package scancfg

import (
	"errors"
	"strings"
	"testing"
)

func testSnapshot() Snapshot {
	return Snapshot{
		SubarrayID:     1,
		AssignedDishes: []string{"SKA001", "SKA036"},
		FSPCount:       4,
	}
}

// validDoc returns a minimal accepted 4.0 document: one region spanning one
// coarse channel, one FSP, one output destination.
func validDoc() *Document {
	return &Document{
		Interface: "https://schema.skao.int/ska-csp-configurescan/4.0",
		Common: CommonSection{
			ConfigID:      "test-config",
			FrequencyBand: "1",
			SubarrayID:    1,
		},
		MidCBF: &CBFSection{
			Correlation: &CorrelationSection{
				ProcessingRegions: []ProcessingRegion{validRegion()},
			},
		},
	}
}

func validRegion() ProcessingRegion {
	return ProcessingRegion{
		FSPIDs:            []int{1},
		StartFreq:         350_000_000,
		ChannelWidth:      13440,
		ChannelCount:      20,
		SDPStartChannelID: 0,
		OutputHost:        []HostEntry{{Channel: 0, Host: "10.0.0.1"}},
		OutputPort:        []PortEntry{{Channel: 0, Port: 10000}},
		OutputLinkMap:     []LinkEntry{{Channel: 0, Link: 1}},
	}
}

func newTestValidator() *Validator {
	return NewValidator(Default(), nil)
}

func TestValidateAcceptsCurrentSchema(t *testing.T) {
	era, err := newTestValidator().Validate(validDoc(), testSnapshot())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if era != EraCurrent {
		t.Fatalf("era = %v, want EraCurrent", era)
	}
}

func TestValidateAcceptsLegacySchema(t *testing.T) {
	doc := validDoc()
	doc.Interface = "https://schema.skao.int/ska-csp-configurescan/3.0"
	doc.CBF = doc.MidCBF
	doc.MidCBF = nil

	era, err := newTestValidator().Validate(doc, testSnapshot())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if era != EraLegacy {
		t.Fatalf("era = %v, want EraLegacy", era)
	}
}

func TestValidateRejectsUnknownInterface(t *testing.T) {
	doc := validDoc()
	doc.Interface = "https://schema.skao.int/ska-csp-configurescan/9.9"

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("message %q should say not supported", err)
	}
}

func TestValidateRejectsWrongSubsystemSection(t *testing.T) {
	doc := validDoc()
	doc.CBF = doc.MidCBF
	doc.MidCBF = nil // 4.0 interface but legacy section key

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestValidateRejectsUnsupportedBand(t *testing.T) {
	doc := validDoc()
	doc.Common.FrequencyBand = "5a"

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestValidateRejectsBandFiveTuning(t *testing.T) {
	doc := validDoc()
	doc.Common.BandFiveTuning = []float64{5.85, 7.25}

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestValidateRejectsForeignSubarrayID(t *testing.T) {
	doc := validDoc()
	doc.Common.SubarrayID = 2

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestValidateFSPSufficiencyExactMatchRequired(t *testing.T) {
	v := newTestValidator()

	// One coarse channel, two FSPs supplied.
	doc := validDoc()
	doc.MidCBF.Correlation.ProcessingRegions[0].FSPIDs = []int{1, 2}
	_, err := v.Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "too many FSP IDs") {
		t.Fatalf("err = %v, want too-many rejection", err)
	}

	// Region straddling a coarse channel boundary needs two FSPs.
	doc = validDoc()
	region := &doc.MidCBF.Correlation.ProcessingRegions[0]
	region.StartFreq = 396_000_000
	region.ChannelCount = 40
	region.OutputPort = []PortEntry{{Channel: 0, Port: 10000}, {Channel: 20, Port: 10001}}
	_, err = v.Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "not enough FSP IDs") {
		t.Fatalf("err = %v, want not-enough rejection", err)
	}

	region.FSPIDs = []int{1, 2}
	if _, err := v.Validate(doc, testSnapshot()); err != nil {
		t.Fatalf("exact FSP count rejected: %v", err)
	}
}

func TestValidateRejectsFSPBeyondCapacity(t *testing.T) {
	doc := validDoc()
	doc.MidCBF.Correlation.ProcessingRegions[0].FSPIDs = []int{7} // snapshot has 4 FSPs

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "capacity") {
		t.Fatalf("err = %v, want capacity rejection", err)
	}
}

func TestValidateRejectsCrossRegionFSPReuse(t *testing.T) {
	doc := validDoc()
	second := validRegion()
	second.StartFreq = 550_000_000
	second.SDPStartChannelID = 20
	second.OutputHost = []HostEntry{{Channel: 20, Host: "10.0.0.2"}}
	second.OutputPort = []PortEntry{{Channel: 20, Port: 10000}}
	second.OutputLinkMap = []LinkEntry{{Channel: 20, Link: 1}}
	second.FSPIDs = []int{1} // also used by region 0
	doc.MidCBF.Correlation.ProcessingRegions = append(doc.MidCBF.Correlation.ProcessingRegions, second)

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "already claimed") {
		t.Fatalf("err = %v, want cross-region duplicate rejection", err)
	}
}

func TestValidateRejectsFrequencyWindowBeyondHardwareRange(t *testing.T) {
	doc := validDoc()
	region := &doc.MidCBF.Correlation.ProcessingRegions[0]
	region.StartFreq = 1_981_700_000
	region.FSPIDs = []int{1} // sufficiency would want more, but window check fires

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "hardware range") {
		t.Fatalf("err = %v, want hardware-range rejection", err)
	}
}

func TestValidateRejectsChannelCountOffGranularity(t *testing.T) {
	doc := validDoc()
	doc.MidCBF.Correlation.ProcessingRegions[0].ChannelCount = 25

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "multiple of 20") {
		t.Fatalf("err = %v, want granularity rejection", err)
	}
}

func TestValidateRejectsUnsupportedChannelWidth(t *testing.T) {
	doc := validDoc()
	doc.MidCBF.Correlation.ProcessingRegions[0].ChannelWidth = 210

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestValidateChannelMapAnchorsToStartChannel(t *testing.T) {
	doc := validDoc()
	doc.MidCBF.Correlation.ProcessingRegions[0].OutputHost[0].Channel = 5

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "output_host starts at channel") {
		t.Fatalf("err = %v, want anchor rejection", err)
	}
}

func TestValidateRejectsBadPortIncrement(t *testing.T) {
	doc := validDoc()
	region := &doc.MidCBF.Correlation.ProcessingRegions[0]
	region.ChannelCount = 40
	region.OutputPort = []PortEntry{{Channel: 0, Port: 10000}, {Channel: 10, Port: 10001}}
	region.FSPIDs = []int{1}

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "output_port channels must increase by 20") {
		t.Fatalf("err = %v, want port increment rejection", err)
	}
}

func TestValidateRejectsUnsupportedLink(t *testing.T) {
	doc := validDoc()
	doc.MidCBF.Correlation.ProcessingRegions[0].OutputLinkMap[0].Link = 2

	_, err := newTestValidator().Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "link 2 is not supported") {
		t.Fatalf("err = %v, want link rejection", err)
	}
}

func TestValidateDensityLimit(t *testing.T) {
	v := newTestValidator()

	// 40 channels on a single destination: 40 > 20 per (host, port).
	doc := validDoc()
	region := &doc.MidCBF.Correlation.ProcessingRegions[0]
	region.ChannelCount = 40
	_, err := v.Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "exceeds 20 channels") {
		t.Fatalf("err = %v, want density rejection", err)
	}

	// Same 40 channels split across two ports is accepted.
	region.OutputPort = []PortEntry{{Channel: 0, Port: 10000}, {Channel: 20, Port: 10001}}
	if _, err := v.Validate(doc, testSnapshot()); err != nil {
		t.Fatalf("split destinations rejected: %v", err)
	}
}

func TestValidateReceptorsMustBeAssigned(t *testing.T) {
	v := newTestValidator()

	doc := validDoc()
	doc.MidCBF.Correlation.ProcessingRegions[0].Receptors = []string{"SKA999"}
	_, err := v.Validate(doc, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "not assigned") {
		t.Fatalf("err = %v, want receptor rejection", err)
	}

	doc.MidCBF.Correlation.ProcessingRegions[0].Receptors = []string{"SKA001"}
	if _, err := v.Validate(doc, testSnapshot()); err != nil {
		t.Fatalf("assigned receptor subset rejected: %v", err)
	}
}

func TestValidateBytesRejectsMalformedJSON(t *testing.T) {
	_, _, err := newTestValidator().ValidateBytes([]byte(`{"interface":`), testSnapshot())
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}
