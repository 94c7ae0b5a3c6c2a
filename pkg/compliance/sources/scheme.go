package sources

import (
	"context"
	"slices"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

// SchemeAdapter narrows the certified products listing to one national
// scheme, e.g. DE for BSI or FR for ANSSI.
type SchemeAdapter struct {
	key     string
	version string
	code    string
	cc      *CommonCriteriaAdapter
	// legacy are source labels of records this scheme supersedes, such as
	// rows scraped from the authority's own site.
	legacy []record.Source
}

// NewSchemeAdapter builds a scheme view over cc. The CSV download is shared
// with cc and every other scheme built on it. Records labelled with one of
// legacy are owned too, so a merge replaces them with the scheme's rows.
func NewSchemeAdapter(key, code string, cc *CommonCriteriaAdapter, legacy ...record.Source) *SchemeAdapter {
	return &SchemeAdapter{key: key, version: cc.Version(), code: code, cc: cc, legacy: legacy}
}

func (s *SchemeAdapter) Key() string     { return s.key }
func (s *SchemeAdapter) Version() string { return s.version }

// Code is the scheme country code.
func (s *SchemeAdapter) Code() string { return s.code }

func (s *SchemeAdapter) Owns(r record.ComplianceRecord) bool {
	return s.fromFeed(r) || slices.Contains(s.legacy, r.Source)
}

// fromFeed reports whether r is one of this scheme's rows in the CC feed.
func (s *SchemeAdapter) fromFeed(r record.ComplianceRecord) bool {
	return r.Type == record.TypeCC && r.Source == record.SchemeSource(s.code)
}

func (s *SchemeAdapter) Fetch(ctx context.Context) ([]record.ComplianceRecord, error) {
	all, err := s.cc.records(ctx)
	if err != nil {
		return nil, wrapf(s.key, err)
	}
	var out []record.ComplianceRecord
	for _, r := range all {
		if s.fromFeed(r) {
			out = append(out, r.Clone())
		}
	}
	s.cc.logger.InfoContext(ctx, "filtered scheme products", "scheme", s.code, "count", len(out))
	return out, nil
}
