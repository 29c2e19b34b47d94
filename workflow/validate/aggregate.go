package validate

import (
	"sort"
	"strings"
)

// Aggregator merges validator responses. Safe for concurrent use; the
// weight table is fixed at construction.
type Aggregator struct {
	weights Weights
}

// New creates an Aggregator. A nil weight table selects
// DefaultWeights.
func New(weights Weights) *Aggregator {
	if weights == nil {
		weights = DefaultWeights()
	}
	return &Aggregator{weights: weights}
}

// Aggregate merges the responses into a single Report. Given identical
// inputs in any order it produces identical output: issues are keyed by
// (rule, normalized location), severity conflicts resolve to the
// maximum vote, and all orderings are canonical.
func (a *Aggregator) Aggregate(responses []ValidatorResponse) Report {
	raw := make(map[string][]RawIssue)
	votes := make(map[issueKey][]SeverityVote)
	for _, resp := range responses {
		raw[resp.Validator] = append(raw[resp.Validator], resp.Issues...)
		for _, iss := range resp.Issues {
			key := issueKey{Rule: iss.Rule, Location: normalizeLocation(iss.Location)}
			votes[key] = append(votes[key], SeverityVote{
				Validator: resp.Validator,
				Severity:  iss.Severity,
				Message:   iss.Message,
				FixHint:   iss.FixHint,
			})
		}
	}
	for validator, issues := range raw {
		raw[validator] = canonicalRaw(issues)
	}
	return a.build(raw, votes)
}

// MergeReports combines two reports produced by Aggregate. The
// operation is commutative, associative and idempotent: vote sets and
// raw lists are unioned, then every derived field is recomputed.
func (a *Aggregator) MergeReports(x, y Report) Report {
	raw := make(map[string][]RawIssue)
	for validator, issues := range x.Raw {
		raw[validator] = append(raw[validator], issues...)
	}
	for validator, issues := range y.Raw {
		raw[validator] = append(raw[validator], issues...)
	}
	for validator, issues := range raw {
		raw[validator] = canonicalRaw(issues)
	}

	votes := make(map[issueKey][]SeverityVote)
	collect := func(r Report) {
		for _, iss := range r.Issues {
			key := issueKey{Rule: iss.Rule, Location: normalizeLocation(iss.Location)}
			votes[key] = append(votes[key], iss.Votes...)
		}
	}
	collect(x)
	collect(y)
	return a.build(raw, votes)
}

type issueKey struct {
	Rule     string
	Location string
}

// build derives every report field from the raw lists and vote sets.
func (a *Aggregator) build(raw map[string][]RawIssue, votes map[issueKey][]SeverityVote) Report {
	issues := make([]Issue, 0, len(votes))
	for key, vs := range votes {
		issues = append(issues, deriveIssue(key, vs))
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Severity.rank() != issues[j].Severity.rank() {
			return issues[i].Severity.rank() > issues[j].Severity.rank()
		}
		if issues[i].Rule != issues[j].Rule {
			return issues[i].Rule < issues[j].Rule
		}
		return issues[i].Location < issues[j].Location
	})

	counts := make(map[Severity]int)
	for _, iss := range issues {
		counts[iss.Severity]++
	}

	return Report{
		Raw:    raw,
		Issues: issues,
		Counts: counts,
		Score:  a.score(counts),
		Status: status(counts),
	}
}

// deriveIssue folds a vote set into one merged issue.
func deriveIssue(key issueKey, votes []SeverityVote) Issue {
	votes = canonicalVotes(votes)

	iss := Issue{
		Rule:     key.Rule,
		Location: key.Location,
		Votes:    votes,
	}
	seen := make(map[string]bool)
	severities := make(map[Severity]bool)
	for _, v := range votes {
		severities[v.Severity] = true
		if v.Severity.rank() > iss.Severity.rank() {
			iss.Severity = v.Severity
		}
		if !seen[v.Validator] {
			seen[v.Validator] = true
			iss.Validators = append(iss.Validators, v.Validator)
		}
	}
	sort.Strings(iss.Validators)
	iss.Disagreement = len(severities) > 1

	// Message and hint come from the first canonical vote at the
	// winning severity; the hint falls back to any vote that has one.
	for _, v := range votes {
		if v.Severity == iss.Severity {
			iss.Message = v.Message
			iss.FixHint = v.FixHint
			break
		}
	}
	if iss.FixHint == "" {
		for _, v := range votes {
			if v.FixHint != "" {
				iss.FixHint = v.FixHint
				break
			}
		}
	}
	return iss
}

// canonicalVotes sorts by (validator, severity rank descending,
// message, hint) and drops exact duplicates.
func canonicalVotes(votes []SeverityVote) []SeverityVote {
	out := make([]SeverityVote, len(votes))
	copy(out, votes)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Validator != out[j].Validator {
			return out[i].Validator < out[j].Validator
		}
		if out[i].Severity.rank() != out[j].Severity.rank() {
			return out[i].Severity.rank() > out[j].Severity.rank()
		}
		if out[i].Message != out[j].Message {
			return out[i].Message < out[j].Message
		}
		return out[i].FixHint < out[j].FixHint
	})
	dedup := out[:0]
	for i, v := range out {
		if i == 0 || v != out[i-1] {
			dedup = append(dedup, v)
		}
	}
	return dedup
}

// canonicalRaw sorts a validator's own issue list and drops exact
// duplicates.
func canonicalRaw(issues []RawIssue) []RawIssue {
	out := make([]RawIssue, len(issues))
	copy(out, issues)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.rank() != out[j].Severity.rank() {
			return out[i].Severity.rank() > out[j].Severity.rank()
		}
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		if out[i].Location != out[j].Location {
			return out[i].Location < out[j].Location
		}
		return out[i].Message < out[j].Message
	})
	dedup := out[:0]
	for i, v := range out {
		if i == 0 || v != out[i-1] {
			dedup = append(dedup, v)
		}
	}
	return dedup
}

// score computes max(0, 100 - sum(weight * count)), clamped to [0,
// 100].
func (a *Aggregator) score(counts map[Severity]int) int {
	penalty := 0
	for severity, count := range counts {
		penalty += a.weights[severity] * count
	}
	s := 100 - penalty
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func status(counts map[Severity]int) Status {
	if counts[SeverityCritical] > 0 || counts[SeverityError] > 0 {
		return StatusFail
	}
	if counts[SeverityWarning] > 0 {
		return StatusWarning
	}
	return StatusPass
}

// normalizeLocation puts a location path in canonical form: leading
// slash, single separators, no trailing slash.
func normalizeLocation(loc string) string {
	parts := strings.Split(strings.TrimSpace(loc), "/")
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			clean = append(clean, p)
		}
	}
	if len(clean) == 0 {
		return "/"
	}
	return "/" + strings.Join(clean, "/")
}
