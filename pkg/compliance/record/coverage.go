package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// PendingSentinel marks a record whose PQC coverage awaits enrichment.
	PendingSentinel = "Pending Check..."
	// NotDetectedSentinel is the concluded "nothing found" value.
	NotDetectedSentinel = "No PQC Mechanisms Detected"
	// HeuristicPrefix starts every low-confidence, name-derived value.
	HeuristicPrefix = "Potentially PQC"
)

// CoverageKind tags the state of a record's PQC coverage.
type CoverageKind uint8

const (
	CoverageUnknown     CoverageKind = iota // nothing recorded (wire: false)
	CoveragePending                         // enrichment has not run yet
	CoverageHeuristic                       // keyword match only, low confidence
	CoverageDetected                        // concrete mechanism list
	CoverageNotDetected                     // concluded: no mechanisms
)

func (k CoverageKind) String() string {
	switch k {
	case CoveragePending:
		return "pending"
	case CoverageHeuristic:
		return "heuristic"
	case CoverageDetected:
		return "detected"
	case CoverageNotDetected:
		return "not_detected"
	default:
		return "unknown"
	}
}

// Coverage is the tagged variant behind the pqcCoverage field.
// Detail is only meaningful for Heuristic and Detected.
type Coverage struct {
	Kind   CoverageKind
	Detail string
}

// UnknownCoverage returns the "nothing recorded" value.
func UnknownCoverage() Coverage { return Coverage{Kind: CoverageUnknown} }

// PendingCoverage returns the value that defers resolution to enrichment.
func PendingCoverage() Coverage { return Coverage{Kind: CoveragePending} }

// NotDetectedCoverage returns the concluded "no mechanisms" value.
func NotDetectedCoverage() Coverage { return Coverage{Kind: CoverageNotDetected} }

// HeuristicCoverageOf returns a low-confidence value. An empty note yields the
// bare "Potentially PQC" label.
func HeuristicCoverageOf(note string) Coverage {
	note = strings.TrimSpace(note)
	if note == "" {
		return Coverage{Kind: CoverageHeuristic, Detail: HeuristicPrefix}
	}
	if !strings.HasPrefix(note, HeuristicPrefix) {
		note = HeuristicPrefix + " (" + note + ")"
	}
	return Coverage{Kind: CoverageHeuristic, Detail: note}
}

// DetectedCoverage returns a concrete mechanism list value.
func DetectedCoverage(mechanisms string) Coverage {
	return ParseCoverage(mechanisms)
}

// ParseCoverage classifies a wire string.
func ParseCoverage(s string) Coverage {
	trimmed := strings.TrimSpace(s)
	switch {
	case trimmed == "":
		return UnknownCoverage()
	case trimmed == PendingSentinel:
		return PendingCoverage()
	case trimmed == NotDetectedSentinel, trimmed == "-":
		return NotDetectedCoverage()
	case strings.HasPrefix(trimmed, HeuristicPrefix):
		return Coverage{Kind: CoverageHeuristic, Detail: trimmed}
	default:
		return Coverage{Kind: CoverageDetected, Detail: trimmed}
	}
}

// IsPending reports whether enrichment still has to run.
func (c Coverage) IsPending() bool { return c.Kind == CoveragePending }

// IsResolved reports whether the value is a confident conclusion.
func (c Coverage) IsResolved() bool {
	return c.Kind == CoverageDetected || c.Kind == CoverageNotDetected
}

// NeedsEnrichment reports whether a detail lookup could improve the value.
func (c Coverage) NeedsEnrichment() bool {
	return c.Kind == CoveragePending || c.Kind == CoverageHeuristic
}

// String renders the wire text; Unknown renders as "".
func (c Coverage) String() string {
	switch c.Kind {
	case CoveragePending:
		return PendingSentinel
	case CoverageNotDetected:
		return NotDetectedSentinel
	case CoverageHeuristic, CoverageDetected:
		return c.Detail
	default:
		return ""
	}
}

// MarshalJSON encodes Unknown as false and everything else as a string.
func (c Coverage) MarshalJSON() ([]byte, error) {
	if c.Kind == CoverageUnknown {
		return []byte("false"), nil
	}
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts a string, a boolean or null.
func (c *Coverage) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")), bytes.Equal(data, []byte("false")):
		*c = UnknownCoverage()
		return nil
	case bytes.Equal(data, []byte("true")):
		*c = HeuristicCoverageOf("")
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("pqcCoverage must be a string or boolean: %w", err)
	}
	*c = ParseCoverage(s)
	return nil
}
