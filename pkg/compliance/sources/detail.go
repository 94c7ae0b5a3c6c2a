package sources

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

const (
	DefaultACVPBase = "https://csrc.nist.gov/projects/cryptographic-algorithm-validation-program"
	DefaultCMVPBase = "https://csrc.nist.gov/projects/cryptographic-module-validation-program"
)

// DetailFetcher retrieves the visible text of a validation detail page.
type DetailFetcher struct {
	BaseAdapter
	acvpBase string
	cmvpBase string
}

// DetailOptions configures a DetailFetcher. Empty bases select the public
// NIST endpoints.
type DetailOptions struct {
	Options
	ACVPBase string
	CMVPBase string
}

func NewDetailFetcher(opts DetailOptions) *DetailFetcher {
	d := &DetailFetcher{
		BaseAdapter: newBaseAdapter("detail", "1.0.0", DefaultACVPBase, opts.Options),
		acvpBase:    strings.TrimRight(orDefault(opts.ACVPBase, DefaultACVPBase), "/"),
		cmvpBase:    strings.TrimRight(orDefault(opts.CMVPBase, DefaultCMVPBase), "/"),
	}
	return d
}

// DetailKey derives the detail-fetch key from a record link: the last path
// segment, e.g. "details?product=20110" or "4282".
func DetailKey(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	if i := strings.Index(link, "#"); i >= 0 {
		link = link[:i]
	}
	link = strings.TrimRight(link, "/")
	if i := strings.LastIndex(link, "/"); i >= 0 {
		return link[i+1:]
	}
	return link
}

// URLFor returns the detail page URL for key.
func (d *DetailFetcher) URLFor(key string) (string, error) {
	key = strings.TrimSpace(key)
	switch {
	case strings.HasPrefix(key, "details?"):
		if !strings.Contains(key, "=") {
			return "", fmt.Errorf("detail key %q has no query", key)
		}
		return d.acvpBase + "/" + key, nil
	case key != "" && isDigits(key):
		return d.cmvpBase + "/certificate/" + key, nil
	default:
		return "", fmt.Errorf("unsupported detail key %q", key)
	}
}

// FetchDetail returns the visible text of the detail page identified by key.
func (d *DetailFetcher) FetchDetail(ctx context.Context, key string) (string, error) {
	url, err := d.URLFor(key)
	if err != nil {
		return "", err
	}
	doc, err := d.get(ctx, url)
	if err != nil {
		return "", err
	}
	return bodyText(doc)
}

// ResolveCoverage turns detail text into a concluded coverage value.
func ResolveCoverage(detail string) record.Coverage {
	found := record.ExtractPQC(detail)
	if found == "" {
		return record.NotDetectedCoverage()
	}
	return record.DetectedCoverage(record.NormalizeAlgorithmList(found))
}

// deepen resolves coverage and classical algorithms for every record through
// detail pages, at most limit fetches in flight. Records whose detail fetch
// fails keep their list-level values.
func deepen(ctx context.Context, d *DetailFetcher, recs []record.ComplianceRecord, limit int) {
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i := range recs {
		key := DetailKey(recs[i].Link)
		if key == "" {
			continue
		}
		wg.Add(1)
		go func(r *record.ComplianceRecord, key string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			text, err := d.FetchDetail(ctx, key)
			if err != nil {
				d.logger.WarnContext(ctx, "detail fetch failed", "id", r.ID, "error", err)
				return
			}
			r.PQCCoverage = ResolveCoverage(text)
			if classical := record.ExtractClassical(text); classical != "" {
				r.ClassicalAlgorithms = classical
			}
		}(&recs[i], key)
	}
	wg.Wait()
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
