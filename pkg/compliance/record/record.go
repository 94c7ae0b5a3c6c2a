// Package record defines the canonical compliance record shared by every
// certwatch component, together with the pure helpers used to normalise it.
package record

import (
	"strings"
)

// Source identifies the authority a record was collected from.
type Source string

const (
	SourceNIST           Source = "NIST"            // Module and algorithm validation authority
	SourceCommonCriteria Source = "Common Criteria" // Global certification scheme portal
	SourceANSSI          Source = "ANSSI"           // French scheme authority (offline scrape)
)

// SchemeSource returns the source label of a national Common Criteria scheme,
// e.g. SchemeSource("DE") == "Common Criteria (DE)".
func SchemeSource(code string) Source {
	code = strings.TrimSpace(code)
	if code == "" {
		return SourceCommonCriteria
	}
	return Source("Common Criteria (" + code + ")")
}

// Scheme returns the scheme code embedded in a "Common Criteria (XX)" source,
// or "" when the source carries none.
func (s Source) Scheme() string {
	str := string(s)
	open := strings.LastIndex(str, "(")
	if open < 0 || !strings.HasSuffix(str, ")") {
		return ""
	}
	return strings.TrimSpace(str[open+1 : len(str)-1])
}

// Type is the certification type.
type Type string

const (
	TypeFIPS140 Type = "FIPS 140-3"      // Module validation
	TypeACVP    Type = "ACVP"            // Algorithm validation
	TypeCC      Type = "Common Criteria" // Scheme certification
)

// Status is the lifecycle status reported by the authority.
type Status string

const (
	StatusActive     Status = "Active"
	StatusHistorical Status = "Historical"
	StatusPending    Status = "Pending"
	StatusInProcess  Status = "In Process"
	StatusRevoked    Status = "Revoked"
)

// Document is a named attachment of a record.
type Document struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ComplianceRecord is one external certification or validation entry.
type ComplianceRecord struct {
	ID                      string     `json:"id"`
	Source                  Source     `json:"source"`
	Date                    string     `json:"date"`
	Link                    string     `json:"link"`
	Type                    Type       `json:"type"`
	Status                  Status     `json:"status"`
	PQCCoverage             Coverage   `json:"pqcCoverage"`
	ClassicalAlgorithms     string     `json:"classicalAlgorithms,omitempty"`
	ProductName             string     `json:"productName"`
	ProductCategory         string     `json:"productCategory"`
	Vendor                  string     `json:"vendor"`
	Lab                     string     `json:"lab,omitempty"`
	CertificationLevel      string     `json:"certificationLevel,omitempty"`
	CertificationReportURLs []string   `json:"certificationReportUrls,omitempty"`
	SecurityTargetURLs      []string   `json:"securityTargetUrls,omitempty"`
	AdditionalDocuments     []Document `json:"additionalDocuments,omitempty"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (r ComplianceRecord) Clone() ComplianceRecord {
	out := r
	if r.CertificationReportURLs != nil {
		out.CertificationReportURLs = append([]string(nil), r.CertificationReportURLs...)
	}
	if r.SecurityTargetURLs != nil {
		out.SecurityTargetURLs = append([]string(nil), r.SecurityTargetURLs...)
	}
	if r.AdditionalDocuments != nil {
		out.AdditionalDocuments = append([]Document(nil), r.AdditionalDocuments...)
	}
	return out
}

// HasAttachments reports whether any document URL is attached to the record.
func (r ComplianceRecord) HasAttachments() bool {
	return len(r.CertificationReportURLs) > 0 ||
		len(r.SecurityTargetURLs) > 0 ||
		len(r.AdditionalDocuments) > 0
}
