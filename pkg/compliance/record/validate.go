package record

import (
	"fmt"
	"strings"
	"time"
)

// Validation is the data-quality verdict for one record. Errors make a record
// invalid; warnings only flag it.
type Validation struct {
	ID       string   `json:"id"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid reports whether no errors were found.
func (v Validation) Valid() bool { return len(v.Errors) == 0 }

// Validate checks required fields, the date format and a few soft quality
// signals. now bounds the future-date warning.
func Validate(r ComplianceRecord, now time.Time) Validation {
	v := Validation{ID: r.ID}
	if r.ID == "" {
		v.Errors = append(v.Errors, "missing id")
	}
	if r.Date == "" {
		v.Errors = append(v.Errors, "missing date")
	}
	if r.Source == "" {
		v.Errors = append(v.Errors, "missing source")
	}
	if r.Type == "" {
		v.Errors = append(v.Errors, "missing type")
	}

	if r.Date != "" {
		if d, ok := ParseDate(r.Date); !ok {
			v.Errors = append(v.Errors, fmt.Sprintf("invalid date format: %s", r.Date))
		} else if d.After(now) {
			v.Warnings = append(v.Warnings, fmt.Sprintf("future date: %s", r.Date))
		}
	}

	switch name := strings.TrimSpace(r.ProductName); {
	case name == "":
		v.Warnings = append(v.Warnings, "missing product name")
	case len([]rune(name)) < 3:
		v.Warnings = append(v.Warnings, fmt.Sprintf("short product name: %s", name))
	}
	if r.Vendor == "" || r.Vendor == UnknownVendor {
		v.Warnings = append(v.Warnings, "missing or unknown vendor")
	}
	if r.Link != "" && !strings.HasPrefix(r.Link, "http") {
		v.Warnings = append(v.Warnings, fmt.Sprintf("invalid link format: %s", r.Link))
	}
	return v
}

// UnknownVendor is the placeholder adapters use when a vendor cannot be parsed.
const UnknownVendor = "Unknown Vendor"

// DatasetValidation summarises Validate over a whole record list.
type DatasetValidation struct {
	Valid    int          `json:"valid"`
	Invalid  int          `json:"invalid"`
	Warnings int          `json:"warnings"`
	Details  []Validation `json:"details,omitempty"`
}

// ValidateAll validates every record and keeps details for invalid ones.
func ValidateAll(records []ComplianceRecord, now time.Time) DatasetValidation {
	var out DatasetValidation
	for _, r := range records {
		v := Validate(r, now)
		if v.Valid() {
			out.Valid++
		} else {
			out.Invalid++
			out.Details = append(out.Details, v)
		}
		if len(v.Warnings) > 0 {
			out.Warnings++
		}
	}
	return out
}
