package record

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// canonicalAlgorithms maps lower-cased algorithm names and legacy aliases to
// their canonical spelling.
var canonicalAlgorithms = map[string]string{
	"ml-kem":              "ML-KEM",
	"ml-dsa":              "ML-DSA",
	"slh-dsa":             "SLH-DSA",
	"lms":                 "LMS",
	"xmss":                "XMSS",
	"hss":                 "HSS",
	"falcon":              "Falcon",
	"sphincs+":            "SPHINCS+",
	"sphincs":             "SPHINCS+",
	"kyber":               "ML-KEM",
	"crystals-kyber":      "ML-KEM",
	"dilithium":           "ML-DSA",
	"crystals-dilithium":  "ML-DSA",
	"sphincsplus":         "SPHINCS+",
	"crystals-kyber-768":  "ML-KEM-768",
	"crystals-kyber-1024": "ML-KEM-1024",
}

// NormalizeAlgorithmList canonicalises a comma-separated algorithm list.
// Empty or dash-only input collapses to NotDetectedSentinel.
func NormalizeAlgorithmList(raw string) string {
	raw = strings.TrimSpace(raw)
	if lower := strings.ToLower(raw); strings.HasPrefix(lower, "pqc:") {
		raw = strings.TrimSpace(raw[len("pqc:"):])
	}

	seen := make(map[string]struct{})
	var out []string
	for _, part := range splitTopLevel(raw) {
		part = strings.TrimSpace(part)
		if part == "" || part == "-" || part == NotDetectedSentinel || part == PendingSentinel {
			continue
		}
		part = canonicalToken(part)
		if _, dup := seen[part]; dup {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	if len(out) == 0 {
		return NotDetectedSentinel
	}
	return strings.Join(out, ", ")
}

// splitTopLevel splits on commas outside square brackets, so parameter lists
// like "ML-KEM-768 [KeyGen, Encap]" stay whole.
func splitTopLevel(s string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

// canonicalToken maps the whole token, or failing that its leading word, to
// the canonical name and keeps whatever follows the leading word.
func canonicalToken(tok string) string {
	if c, ok := canonicalAlgorithms[strings.ToLower(tok)]; ok {
		return c
	}
	head, rest := tok, ""
	if i := strings.IndexAny(tok, " \t["); i > 0 {
		head, rest = tok[:i], tok[i:]
	}
	if c, ok := canonicalAlgorithms[strings.ToLower(head)]; ok {
		return c + rest
	}
	return tok
}

// CanonicalCoverage applies NormalizeAlgorithmList to Detected values and
// leaves every other kind untouched.
func CanonicalCoverage(c Coverage) Coverage {
	if c.Kind != CoverageDetected {
		return c
	}
	return ParseCoverage(NormalizeAlgorithmList(c.Detail))
}

var (
	isoDate     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	isoDateTime = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})T`)
	usDate      = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
)

var dateLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.RFC850,
	time.ANSIC,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 Jan 2006",
	"2006/01/02",
	"2006.01.02",
	"02.01.2006",
}

// StandardizeDate converts the date forms published by the authorities to
// YYYY-MM-DD. Unrecognised input is returned unchanged.
func StandardizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || isoDate.MatchString(s) {
		return s
	}
	if m := isoDateTime.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := usDate.FindStringSubmatch(s); m != nil {
		month, day, year := m[1], m[2], m[3]
		if len(month) == 1 {
			month = "0" + month
		}
		if len(day) == 1 {
			day = "0" + day
		}
		return year + "-" + month + "-" + day
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly)
		}
	}
	return s
}

// ParseDate parses an ISO date. ok is false for anything else.
func ParseDate(s string) (time.Time, bool) {
	if !isoDate.MatchString(s) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

var whitespace = regexp.MustCompile(`\s+`)

// CleanText applies Unicode NFC and collapses runs of whitespace.
func CleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(norm.NFC.String(s), " "))
}
