package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

// AlgorithmGroup is one implementation search on the algorithm validation
// portal.
type AlgorithmGroup struct {
	Name       string
	Algorithms []int
}

// DefaultAlgorithmGroups covers the NIST PQC algorithm families that have
// validation ids.
var DefaultAlgorithmGroups = []AlgorithmGroup{
	{Name: "ML-KEM", Algorithms: []int{179, 180}},
	{Name: "ML-DSA", Algorithms: []int{176, 177, 178}},
	{Name: "LMS", Algorithms: []int{173, 174, 175}},
}

// ACVPAdapter reads implementation search results from the algorithm
// validation portal, one search per algorithm group.
type ACVPAdapter struct {
	BaseAdapter
	groups []AlgorithmGroup
	detail *DetailFetcher
	now    func() time.Time
}

// NewACVPAdapter creates the algorithm validation adapter. opts.URL is the
// portal base, not a search URL.
func NewACVPAdapter(opts Options, detail *DetailFetcher, groups ...AlgorithmGroup) *ACVPAdapter {
	if len(groups) == 0 {
		groups = DefaultAlgorithmGroups
	}
	a := &ACVPAdapter{
		BaseAdapter: newBaseAdapter("acvp", "1.1.0", DefaultACVPBase, opts),
		groups:      groups,
		detail:      detail,
		now:         time.Now,
	}
	a.url = strings.TrimRight(a.url, "/")
	return a
}

func (a *ACVPAdapter) Owns(r record.ComplianceRecord) bool {
	return r.Type == record.TypeACVP
}

// SearchURL returns the implementation search URL for g.
func (a *ACVPAdapter) SearchURL(g AlgorithmGroup) string {
	q := url.Values{}
	q.Set("searchMode", "implementation")
	q.Set("productType", "-1")
	for _, alg := range g.Algorithms {
		q.Add("algorithm", strconv.Itoa(alg))
	}
	q.Set("ipp", "1000")
	return a.url + "/validation-search?" + q.Encode()
}

// Fetch runs every group search and merges the results, keeping the first
// occurrence of each validation id. Failing groups are skipped; the fetch
// fails only when every group fails.
func (a *ACVPAdapter) Fetch(ctx context.Context) ([]record.ComplianceRecord, error) {
	seen := make(map[string]bool)
	var (
		out  []record.ComplianceRecord
		errs []error
	)
	for _, g := range a.groups {
		if err := ctx.Err(); err != nil {
			return nil, wrapf(a.key, err)
		}
		search := a.SearchURL(g)
		doc, err := a.get(ctx, search)
		if err != nil {
			a.logger.WarnContext(ctx, "group search failed", "group", g.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", g.Name, err))
			continue
		}
		recs, err := a.parse(doc, search)
		if err != nil {
			a.logger.WarnContext(ctx, "group search unreadable", "group", g.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", g.Name, err))
			continue
		}
		for _, r := range recs {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}

	if len(errs) == len(a.groups) {
		return nil, wrapf(a.key, errors.Join(errs...))
	}
	if a.opts.Limit > 0 && len(out) > a.opts.Limit {
		out = out[:a.opts.Limit]
	}
	if a.opts.Deep && a.detail != nil {
		deepen(ctx, a.detail, out, a.opts.DetailConcurrency)
	}
	a.logger.InfoContext(ctx, "fetched algorithm validations", "count", len(out))
	return out, nil
}

func (a *ACVPAdapter) parse(doc, search string) ([]record.ComplianceRecord, error) {
	root, err := parseHTML(doc)
	if err != nil {
		return nil, err
	}
	scope := findByClass(root, "publications-table")
	if scope == nil {
		scope = root
	}

	today := a.now().UTC().Format(time.DateOnly)
	var out []record.ComplianceRecord
	for _, tr := range elements(scope, atom.Tr) {
		tds := cells(tr)
		if len(tds) < 4 {
			continue
		}
		out = append(out, a.row(tds, search, today))
	}
	if len(out) == 0 && scope == root {
		// No results table at all, as opposed to an empty one.
		return nil, ErrStructure
	}
	return out, nil
}

func (a *ACVPAdapter) row(tds []*html.Node, search, today string) record.ComplianceRecord {
	vendor := orDefault(text(tds[0]), record.UnknownVendor)
	implLink := firstElement(tds[1], atom.A)
	impl := text(implLink)
	if impl == "" {
		impl = text(tds[1])
	}
	impl = orDefault(impl, "Unknown Implementation")
	validation := text(tds[2])

	date := today
	if m := firstDate.FindString(text(tds[3])); m != "" {
		date = record.StandardizeDate(m)
	}

	id := "acvp-" + validation
	if validation == "" {
		id = fallbackID("acvp", vendor, impl, date)
	}

	link := search
	if href := attr(implLink, "href"); href != "" {
		link = absoluteURL(a.url, href)
	}

	return record.ComplianceRecord{
		ID:              id,
		Source:          record.SourceNIST,
		Date:            date,
		Link:            link,
		Type:            record.TypeACVP,
		Status:          record.StatusActive,
		PQCCoverage:     nameCoverage(impl, record.PendingCoverage()),
		ProductName:     impl,
		ProductCategory: "Algorithm Implementation",
		Vendor:          vendor,
	}
}
