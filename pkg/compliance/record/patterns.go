package record

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var pqcPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ML-KEM(?:-\d+)?\s*(?:\[[^\]]*\])?`),
	regexp.MustCompile(`(?i)ML-DSA(?:-\d+)?\s*(?:\[[^\]]*\])?`),
	regexp.MustCompile(`(?i)SLH-DSA\s*(?:\[[^\]]*\])?`),
	regexp.MustCompile(`(?i)\bLMS\b\s*(?:\[[^\]]*\])?`),
	regexp.MustCompile(`(?i)\bXMSS\b\s*(?:\[[^\]]*\])?`),
	regexp.MustCompile(`(?i)\bFalcon\b\s*(?:\[[^\]]*\])?`),
	regexp.MustCompile(`(?i)SPHINCS\+\s*(?:\[[^\]]*\])?`),
	regexp.MustCompile(`(?i)\bHSS\b\s*(?:\[[^\]]*\])?`),
}

// ExtractPQC returns the distinct PQC mechanism mentions found in text,
// comma-joined in pattern order, or "" when none match.
func ExtractPQC(text string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, re := range pqcPatterns {
		for _, m := range re.FindAllString(text, -1) {
			m = strings.TrimSpace(m)
			if _, dup := seen[m]; dup || m == "" {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return strings.Join(out, ", ")
}

type classicalPattern struct {
	name string
	re   *regexp.Regexp
}

// Order matters: specific forms with a key size or curve come before the bare
// algorithm name so the detail wins.
var classicalPatterns = []classicalPattern{
	{"RSA", regexp.MustCompile(`(?i)RSA\D{0,10}?(\d{3,4})`)},
	{"ECDSA", regexp.MustCompile(`(?i)ECDSA\D{0,20}?(P-\d{3}|BrainpoolP\w+|secp\w+)`)},
	{"ECDSA", regexp.MustCompile(`(?i)\b(P-(?:256|384|521))\b`)},
	{"ECDH", regexp.MustCompile(`(?i)ECDH\D{0,10}?(P-\d{3}|BrainpoolP\w+|secp\w+)`)},
	{"EdDSA", regexp.MustCompile(`(?i)\bEd(25519|448)\b`)},
	{"X25519", regexp.MustCompile(`(?i)\bX(25519|448)\b`)},
	{"RSA", regexp.MustCompile(`(?i)\bRSA\b`)},
	{"ECDSA", regexp.MustCompile(`(?i)\bECDSA\b`)},
	{"ECDH", regexp.MustCompile(`(?i)\bECDH\b`)},
}

// ExtractClassical summarises classical public-key algorithms in text, e.g.
// "RSA (2048, 3072), ECDSA (P-256)". Returns "" when nothing matches.
func ExtractClassical(text string) string {
	var order []string
	details := make(map[string]map[string]struct{})
	for _, p := range classicalPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			if _, ok := details[p.name]; !ok {
				details[p.name] = make(map[string]struct{})
				order = append(order, p.name)
			}
			if len(m) > 1 && m[1] != "" {
				details[p.name][m[1]] = struct{}{}
			}
		}
	}

	parts := make([]string, 0, len(order))
	for _, name := range order {
		specific := make([]string, 0, len(details[name]))
		for d := range details[name] {
			specific = append(specific, d)
		}
		if len(specific) == 0 {
			parts = append(parts, name)
			continue
		}
		sort.Slice(specific, func(i, j int) bool {
			a, errA := strconv.Atoi(digits(specific[i]))
			b, errB := strconv.Atoi(digits(specific[j]))
			if errA == nil && errB == nil && a != b {
				return a < b
			}
			return specific[i] < specific[j]
		})
		parts = append(parts, name+" ("+strings.Join(specific, ", ")+")")
	}
	return strings.Join(parts, ", ")
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var (
	strongPQCName = regexp.MustCompile(`(?i)quantum|\bpqc\b`)
	algoPQCName   = regexp.MustCompile(`(?i)\blms\b|\bxmss\b|kyber|dilithium|ml-kem|ml-dsa|slh-dsa|sphincs`)
)

// HeuristicCoverage is the cheap name-based fast path applied by adapters.
// ok is false when the name gives no hint.
func HeuristicCoverage(name string) (Coverage, bool) {
	switch {
	case strongPQCName.MatchString(name):
		return HeuristicCoverageOf("Name Match"), true
	case algoPQCName.MatchString(name):
		return HeuristicCoverageOf(""), true
	default:
		return Coverage{}, false
	}
}
