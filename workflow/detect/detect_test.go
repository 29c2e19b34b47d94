package detect

import (
	"errors"
	"reflect"
	"testing"
)

var testCatalog = Catalog{
	"SpikeGLX":  "spikeglx-recording",
	"OpenEphys": "openephys-recording",
	"Blackrock": "blackrock-recording",
}

func TestDetectSingleCandidate(t *testing.T) {
	co := New(0, testCatalog)
	res, err := co.Detect([]Contribution{
		{Format: "SpikeGLX", Confidence: 0.97, Evidence: "meta file with imSampRate", Detector: "header-probe"},
	})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Primary != "SpikeGLX" {
		t.Errorf("primary = %q, want SpikeGLX", res.Primary)
	}
	if res.Interface != "spikeglx-recording" {
		t.Errorf("interface = %q, want spikeglx-recording", res.Interface)
	}
	if res.Ambiguous {
		t.Error("single candidate must not be ambiguous")
	}
	if len(res.Alternatives) != 0 {
		t.Errorf("alternatives = %v, want none", res.Alternatives)
	}
}

func TestDetectWeightedAggregation(t *testing.T) {
	co := New(0, testCatalog)
	res, err := co.Detect([]Contribution{
		{Format: "SpikeGLX", Confidence: 0.4, Detector: "header-probe"},
		{Format: "SpikeGLX", Confidence: 0.2, Detector: "dir-layout", Authority: 0.5},
		{Format: "OpenEphys", Confidence: 0.3, Detector: "header-probe"},
	})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	// SpikeGLX: 1.0*0.4 + 0.5*0.2 = 0.5; OpenEphys: 0.3.
	if got := res.Candidates[0]; got.Format != "SpikeGLX" || got.Confidence != 0.5 {
		t.Errorf("top candidate = %+v, want SpikeGLX @ 0.5", got)
	}
	if got := res.Candidates[1]; got.Format != "OpenEphys" || got.Confidence != 0.3 {
		t.Errorf("second candidate = %+v, want OpenEphys @ 0.3", got)
	}
}

func TestDetectClipsToOne(t *testing.T) {
	co := New(0, testCatalog)
	res, err := co.Detect([]Contribution{
		{Format: "SpikeGLX", Confidence: 0.9, Detector: "a"},
		{Format: "SpikeGLX", Confidence: 0.9, Detector: "b"},
	})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got := res.Candidates[0].Confidence; got != 1.0 {
		t.Errorf("aggregated confidence = %v, want clipped 1.0", got)
	}
}

func TestDetectLexicographicTieBreak(t *testing.T) {
	co := New(0, testCatalog)
	res, err := co.Detect([]Contribution{
		{Format: "OpenEphys", Confidence: 0.5},
		{Format: "Blackrock", Confidence: 0.5},
	})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Primary != "Blackrock" {
		t.Errorf("primary = %q, want Blackrock (lexicographic tie-break)", res.Primary)
	}
	if !res.Ambiguous {
		t.Error("equal confidences must be ambiguous")
	}
}

// The ambiguity gate is inclusive: a delta equal to the threshold
// triggers disambiguation, only a strictly larger delta auto-selects.
// 0.75 and 0.5 give an exactly representable delta of 0.25.
func TestDetectAmbiguityBoundary(t *testing.T) {
	contributions := []Contribution{
		{Format: "SpikeGLX", Confidence: 0.75},
		{Format: "OpenEphys", Confidence: 0.5},
	}

	at := New(0.25, testCatalog)
	res, err := at.Detect(contributions)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !res.Ambiguous {
		t.Error("delta equal to threshold must be ambiguous")
	}

	below := New(0.2, testCatalog)
	res, err = below.Detect(contributions)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Ambiguous {
		t.Error("delta above threshold must auto-select")
	}
	if res.Primary != "SpikeGLX" {
		t.Errorf("primary = %q, want SpikeGLX", res.Primary)
	}
}

func TestDetectCloseCallIsAmbiguous(t *testing.T) {
	co := New(0, testCatalog) // default threshold 0.05
	res, err := co.Detect([]Contribution{
		{Format: "SpikeGLX", Confidence: 0.52, Evidence: "bin+meta pair"},
		{Format: "OpenEphys", Confidence: 0.50, Evidence: "continuous dir"},
	})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !res.Ambiguous {
		t.Error("0.52 vs 0.50 must be ambiguous at the default threshold")
	}
	if !reflect.DeepEqual(res.Alternatives, []string{"OpenEphys"}) {
		t.Errorf("alternatives = %v, want [OpenEphys]", res.Alternatives)
	}
}

func TestDetectErrors(t *testing.T) {
	co := New(0, testCatalog)

	if _, err := co.Detect(nil); !errors.Is(err, ErrNoContributions) {
		t.Errorf("empty input: err = %v, want ErrNoContributions", err)
	}
	if _, err := co.Detect([]Contribution{{Format: "SpikeGLX", Confidence: 1.2}}); !errors.Is(err, ErrInvalidContribution) {
		t.Errorf("confidence > 1: err = %v, want ErrInvalidContribution", err)
	}
	if _, err := co.Detect([]Contribution{{Format: "SpikeGLX", Confidence: -0.1}}); !errors.Is(err, ErrInvalidContribution) {
		t.Errorf("negative confidence: err = %v, want ErrInvalidContribution", err)
	}
	if _, err := co.Detect([]Contribution{{Format: "", Confidence: 0.5}}); !errors.Is(err, ErrInvalidContribution) {
		t.Errorf("empty format: err = %v, want ErrInvalidContribution", err)
	}
	if _, err := co.Detect([]Contribution{{Format: "SpikeGLX", Confidence: 0.5, Authority: -1}}); !errors.Is(err, ErrInvalidContribution) {
		t.Errorf("negative authority: err = %v, want ErrInvalidContribution", err)
	}
}

func TestDetectEvidenceDeduplicated(t *testing.T) {
	co := New(0, testCatalog)
	res, err := co.Detect([]Contribution{
		{Format: "SpikeGLX", Confidence: 0.3, Evidence: "bin+meta pair", Detector: "a"},
		{Format: "SpikeGLX", Confidence: 0.3, Evidence: "bin+meta pair", Detector: "b"},
		{Format: "SpikeGLX", Confidence: 0.1, Evidence: "imec probe map", Detector: "c"},
	})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	want := []string{"bin+meta pair", "imec probe map"}
	if !reflect.DeepEqual(res.Candidates[0].Evidence, want) {
		t.Errorf("evidence = %v, want %v", res.Candidates[0].Evidence, want)
	}
}

func TestChoose(t *testing.T) {
	co := New(0, testCatalog)
	res, err := co.Detect([]Contribution{
		{Format: "SpikeGLX", Confidence: 0.52},
		{Format: "OpenEphys", Confidence: 0.50},
	})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	chosen, err := co.Choose(res, "OpenEphys")
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if chosen.Primary != "OpenEphys" || chosen.Interface != "openephys-recording" {
		t.Errorf("chosen = %+v", chosen)
	}
	if chosen.Ambiguous {
		t.Error("chosen result must not remain ambiguous")
	}
	if !reflect.DeepEqual(chosen.Alternatives, []string{"SpikeGLX"}) {
		t.Errorf("alternatives = %v, want [SpikeGLX]", chosen.Alternatives)
	}

	// Choosing must not corrupt the original result.
	if res.Primary != "SpikeGLX" || !reflect.DeepEqual(res.Alternatives, []string{"OpenEphys"}) {
		t.Errorf("original result mutated: %+v", res)
	}

	if _, err := co.Choose(res, "Plexon"); !errors.Is(err, ErrUnknownCandidate) {
		t.Errorf("err = %v, want ErrUnknownCandidate", err)
	}
}

func TestCatalogMiss(t *testing.T) {
	co := New(0, Catalog{})
	res, err := co.Detect([]Contribution{{Format: "SpikeGLX", Confidence: 0.9}})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Interface != "" {
		t.Errorf("interface = %q, want empty for unmapped format", res.Interface)
	}
	if _, ok := co.InterfaceFor("SpikeGLX"); ok {
		t.Error("InterfaceFor must miss on empty catalog")
	}
}
