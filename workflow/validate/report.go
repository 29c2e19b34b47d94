package validate

// RawIssue is a single finding exactly as a validator reported it.
type RawIssue struct {
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Location string   `json:"location"`
	Message  string   `json:"message"`
	FixHint  string   `json:"fix_hint,omitempty"`
}

// ValidatorResponse is one validator's complete issue list.
type ValidatorResponse struct {
	Validator string     `json:"validator"`
	Issues    []RawIssue `json:"issues"`
}

// SeverityVote records one validator's classification of an issue. The
// full vote set is kept on merged issues so reports can be re-merged
// without losing information.
type SeverityVote struct {
	Validator string   `json:"validator"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	FixHint   string   `json:"fix_hint,omitempty"`
}

// Issue is a merged finding, deduplicated across validators by rule id
// and normalized location.
type Issue struct {
	// Severity is the maximum severity any validator assigned.
	Severity Severity `json:"severity"`

	Rule     string `json:"rule"`
	Location string `json:"location"`

	// Message and FixHint are taken from the highest-severity vote.
	Message string `json:"message"`
	FixHint string `json:"fix_hint,omitempty"`

	// Validators lists every validator that reported this issue,
	// sorted.
	Validators []string `json:"validators"`

	// Disagreement is set when validators assigned different
	// severities to the same rule and location.
	Disagreement bool `json:"disagreement,omitempty"`

	// Votes holds every distinct (validator, severity, message, hint)
	// claim, in canonical order.
	Votes []SeverityVote `json:"votes"`
}

// Report is the aggregate of one or more validator responses.
type Report struct {
	// Raw preserves each validator's own issue list, canonically
	// ordered, for provenance.
	Raw map[string][]RawIssue `json:"raw"`

	// Issues is the merged list ordered by severity descending, then
	// rule ascending, then location ascending.
	Issues []Issue `json:"issues"`

	// Counts holds per-severity totals over the merged issues.
	Counts map[Severity]int `json:"counts"`

	// Score is the weighted quality score in [0, 100].
	Score int `json:"score"`

	Status Status `json:"status"`
}

// CountsBySeverity returns the merged count for one severity.
func (r Report) CountsBySeverity(s Severity) int { return r.Counts[s] }

// Failed reports whether the composite status is Fail.
func (r Report) Failed() bool { return r.Status == StatusFail }
