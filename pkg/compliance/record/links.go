package record

import (
	"regexp"
	"strings"
)

var genericLinkMarkers = []string{
	"?expand#",
	"validation-search",
	"/search/all",
	"/products/search",
}

var genericLinkPages = []string{
	"https://www.commoncriteriaportal.org/products",
	"https://www.commoncriteriaportal.org/products/",
	"https://www.commoncriteriaportal.org/products/index.cfm",
	"https://www.commoncriteriaportal.org",
	"https://www.commoncriteriaportal.org/",
	"https://csrc.nist.gov/projects/cryptographic-algorithm-validation-program/validation-search",
	"https://csrc.nist.gov/projects/cryptographic-module-validation-program/validated-modules/search",
}

// IsGenericLink reports whether link points at a portal search or listing page
// rather than a document specific to one record. The empty link is not generic.
func IsGenericLink(link string) bool {
	link = strings.TrimSpace(link)
	if link == "" {
		return false
	}
	lower := strings.ToLower(link)
	for _, m := range genericLinkMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	for _, p := range genericLinkPages {
		if lower == p {
			return true
		}
	}
	return false
}

var securityTargetName = regexp.MustCompile(`(?i)(target|security|cible|\bst\b)`)

// RepairLink replaces a generic link with the most specific attachment:
// security target, then a document named like one, then the first
// certification report, then the first other document. With no attachment the
// link is cleared. Non-generic links are returned as is.
func RepairLink(r ComplianceRecord) ComplianceRecord {
	if !IsGenericLink(r.Link) {
		return r
	}
	r.Link = bestAttachment(r)
	return r
}

func bestAttachment(r ComplianceRecord) string {
	for _, u := range r.SecurityTargetURLs {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	for _, d := range r.AdditionalDocuments {
		if d.URL != "" && securityTargetName.MatchString(d.Name) {
			return d.URL
		}
	}
	for _, u := range r.CertificationReportURLs {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	for _, d := range r.AdditionalDocuments {
		if d.URL != "" {
			return d.URL
		}
	}
	return ""
}
