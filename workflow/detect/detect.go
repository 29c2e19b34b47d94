// Package detect aggregates format claims from multiple detectors into
// a single detection result with a primary format, a conversion
// interface and an ambiguity verdict. It is pure computation: no I/O,
// no session state.
package detect

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNoContributions is returned when detection ran without a
	// single format claim. The caller treats this as an unknown
	// format.
	ErrNoContributions = errors.New("detect: no detector contributions")

	// ErrInvalidContribution is returned for claims outside the
	// documented ranges.
	ErrInvalidContribution = errors.New("detect: invalid contribution")

	// ErrUnknownCandidate is returned by Choose for a format not among
	// the detected candidates.
	ErrUnknownCandidate = errors.New("detect: format is not a candidate")
)

// DefaultAmbiguityThreshold is the confidence delta at or below which
// the top two candidates are considered indistinguishable.
const DefaultAmbiguityThreshold = 0.05

// Contribution is one detector's claim about the dataset format.
type Contribution struct {
	// Format is the claimed format tag, e.g. "SpikeGLX".
	Format string `json:"format"`

	// Confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Evidence describes what the detector saw, e.g. "meta file with
	// imSampRate present".
	Evidence string `json:"evidence,omitempty"`

	// Detector identifies the contributor.
	Detector string `json:"detector,omitempty"`

	// Authority weights this detector's claims. Zero means the default
	// weight of 1.0.
	Authority float64 `json:"authority,omitempty"`
}

func (c Contribution) validate() error {
	if c.Format == "" {
		return fmt.Errorf("%w: empty format tag", ErrInvalidContribution)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidContribution, c.Confidence)
	}
	if c.Authority < 0 {
		return fmt.Errorf("%w: negative authority %v", ErrInvalidContribution, c.Authority)
	}
	return nil
}

// Candidate is the aggregated claim for one format.
type Candidate struct {
	Format     string   `json:"format"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
}

// Result is the outcome of one detection round.
type Result struct {
	// Candidates ordered by confidence descending, ties broken by
	// format tag ascending.
	Candidates []Candidate `json:"candidates"`

	// Primary is the selected format, the first candidate.
	Primary string `json:"primary"`

	// Interface is the conversion interface mapped from Primary via
	// the catalog, or empty when the catalog has no entry.
	Interface string `json:"interface,omitempty"`

	// Ambiguous is set when the top two confidences are within the
	// threshold, in which case the caller should ask the user to
	// disambiguate instead of trusting Primary.
	Ambiguous bool `json:"ambiguous"`

	// Alternatives lists the non-primary candidate formats in rank
	// order.
	Alternatives []string `json:"alternatives,omitempty"`
}

// Catalog maps format tags to conversion interface identifiers. It is
// configuration, not code: loaded from the config surface and passed
// in.
type Catalog map[string]string

// Coordinator scores detector contributions. Safe for concurrent use;
// all fields are set at construction.
type Coordinator struct {
	threshold float64
	catalog   Catalog
}

// New creates a Coordinator. A non-positive threshold selects
// DefaultAmbiguityThreshold.
func New(threshold float64, catalog Catalog) *Coordinator {
	if threshold <= 0 {
		threshold = DefaultAmbiguityThreshold
	}
	return &Coordinator{threshold: threshold, catalog: catalog}
}

// Detect aggregates contributions into a Result.
//
// Confidences are summed per format, weighted by detector authority and
// clipped to [0, 1]. The primary format is the highest-ranked
// candidate. The result is ambiguous when the top two aggregated
// confidences differ by at most the threshold; auto-selection requires
// a strictly larger gap.
func (co *Coordinator) Detect(contributions []Contribution) (Result, error) {
	if len(contributions) == 0 {
		return Result{}, ErrNoContributions
	}

	totals := make(map[string]float64)
	evidence := make(map[string][]string)
	for i, c := range contributions {
		if err := c.validate(); err != nil {
			return Result{}, fmt.Errorf("contribution %d (%s): %w", i, c.Detector, err)
		}
		authority := c.Authority
		if authority == 0 {
			authority = 1
		}
		totals[c.Format] += authority * c.Confidence
		if c.Evidence != "" && !contains(evidence[c.Format], c.Evidence) {
			evidence[c.Format] = append(evidence[c.Format], c.Evidence)
		}
	}

	candidates := make([]Candidate, 0, len(totals))
	for format, total := range totals {
		if total > 1 {
			total = 1
		}
		candidates = append(candidates, Candidate{
			Format:     format,
			Confidence: total,
			Evidence:   evidence[format],
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].Format < candidates[j].Format
	})

	res := Result{
		Candidates: candidates,
		Primary:    candidates[0].Format,
		Interface:  co.catalog[candidates[0].Format],
	}
	for _, c := range candidates[1:] {
		res.Alternatives = append(res.Alternatives, c.Format)
	}
	if len(candidates) >= 2 {
		res.Ambiguous = candidates[0].Confidence-candidates[1].Confidence <= co.threshold
	}
	return res, nil
}

// Choose resolves an ambiguous Result to a user-selected format. The
// format must be one of the candidates.
func (co *Coordinator) Choose(res Result, format string) (Result, error) {
	found := false
	for _, c := range res.Candidates {
		if c.Format == format {
			found = true
			break
		}
	}
	if !found {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCandidate, format)
	}
	res.Primary = format
	res.Interface = co.catalog[format]
	res.Ambiguous = false
	res.Alternatives = nil
	for _, c := range res.Candidates {
		if c.Format != format {
			res.Alternatives = append(res.Alternatives, c.Format)
		}
	}
	return res, nil
}

// InterfaceFor reports the catalog mapping for a format.
func (co *Coordinator) InterfaceFor(format string) (string, bool) {
	id, ok := co.catalog[format]
	return id, ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
