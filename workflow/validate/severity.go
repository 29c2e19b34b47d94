// Package validate merges the issue lists of multiple NWB validators
// into one deterministic report with a weighted quality score. Like
// detect, it is pure computation over worker responses.
package validate

import (
	"fmt"
	"strings"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityError:    3,
	SeverityWarning:  2,
	SeverityInfo:     1,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// rank orders severities, highest first. Unknown severities rank
// lowest.
func (s Severity) rank() int { return severityRank[s] }

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// ParseSeverity converts a config or wire string to a Severity.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("validate: unknown severity %q", raw)
	}
	return s, nil
}

// Weights maps severities to score penalties. Missing entries count as
// zero.
type Weights map[Severity]int

// DefaultWeights returns the standard penalty table.
func DefaultWeights() Weights {
	return Weights{
		SeverityCritical: 25,
		SeverityError:    10,
		SeverityWarning:  2,
		SeverityInfo:     0,
	}
}

// Status is the composite verdict of a validation round.
type Status string

const (
	StatusPass    Status = "pass"
	StatusWarning Status = "warning"
	StatusFail    Status = "fail"
)
