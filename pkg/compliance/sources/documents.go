package sources

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

const ccFilesBase = "https://www.commoncriteriaportal.org/files/epfiles/"

var (
	pdfRef       = regexp.MustCompile(`[^()\s]+\.pdf`)
	annexName    = regexp.MustCompile(`(?i)(annex|addendum|maintenance|impact|ma\d)`)
	reportName   = regexp.MustCompile(`(?i)(certification|report|rapport|cert|[-_]cr([-_.]|$))`)
	targetName   = regexp.MustCompile(`(?i)(security|target|cible|(^|[^a-z])st([^a-z]|$))`)
	defaultPorts = regexp.MustCompile(`:(443|80)(/|$)`)
)

// documentSet is the categorised content of one or more document cells.
type documentSet struct {
	reports []string
	targets []string
	other   []record.Document
}

type docKind int

const (
	kindReport docKind = iota
	kindTarget
)

// parseDocuments extracts every PDF reference from a free-text cell and sorts
// it into certification reports, security targets and other documents by file
// name. Names that say neither fall back to the kind of the cell they came from.
func parseDocuments(cell string, column docKind) documentSet {
	var set documentSet
	seen := make(map[string]bool)
	for _, ref := range pdfRef.FindAllString(cell, -1) {
		u := documentURL(ref)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true

		name := fileName(ref)
		switch {
		case annexName.MatchString(name):
			set.other = append(set.other, record.Document{Name: name, URL: u})
		case reportName.MatchString(name):
			set.reports = append(set.reports, u)
		case targetName.MatchString(name):
			set.targets = append(set.targets, u)
		case column == kindTarget:
			set.targets = append(set.targets, u)
		default:
			set.reports = append(set.reports, u)
		}
	}
	return set
}

func (s documentSet) merge(o documentSet) documentSet {
	return documentSet{
		reports: appendUnique(s.reports, o.reports...),
		targets: appendUnique(s.targets, o.targets...),
		other:   appendUniqueDocs(s.other, o.other...),
	}
}

// mainLink prefers a security target, then a certification report, then any
// other document.
func (s documentSet) mainLink() string {
	switch {
	case len(s.targets) > 0:
		return s.targets[0]
	case len(s.reports) > 0:
		return s.reports[0]
	case len(s.other) > 0:
		return s.other[0].URL
	default:
		return ""
	}
}

// documentURL turns a bare file name or portal URL into a canonical https
// URL without default ports.
func documentURL(ref string) string {
	ref = strings.Trim(strings.TrimSpace(ref), `"'`)
	if ref == "" {
		return ""
	}
	lower := strings.ToLower(ref)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return ccFilesBase + url.PathEscape(fileName(ref))
	}
	if strings.HasPrefix(lower, "http://") {
		ref = "https://" + ref[len("http://"):]
	}
	return defaultPorts.ReplaceAllString(ref, "$2")
}

func fileName(ref string) string {
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	if un, err := url.PathUnescape(ref); err == nil {
		return un
	}
	return ref
}

func appendUnique(dst []string, src ...string) []string {
	for _, s := range src {
		dup := false
		for _, d := range dst {
			if d == s {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}

func appendUniqueDocs(dst []record.Document, src ...record.Document) []record.Document {
	for _, s := range src {
		dup := false
		for _, d := range dst {
			if d.URL == s.URL {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}
