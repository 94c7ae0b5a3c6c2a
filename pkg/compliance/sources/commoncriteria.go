package sources

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

// DefaultCommonCriteriaURL is the portal's certified products export.
const DefaultCommonCriteriaURL = "https://www.commoncriteriaportal.org/products/certified_products.csv"

// ccMemoTTL bounds how long one CSV download is shared between the global
// adapter and the scheme adapters built on it.
const ccMemoTTL = time.Minute

// CommonCriteriaAdapter reads the portal's certified products CSV.
type CommonCriteriaAdapter struct {
	BaseAdapter
	now func() time.Time

	mu     sync.Mutex
	memo   []record.ComplianceRecord
	memoAt time.Time
}

func NewCommonCriteriaAdapter(opts Options) *CommonCriteriaAdapter {
	return &CommonCriteriaAdapter{
		BaseAdapter: newBaseAdapter("cc", "1.2.0", DefaultCommonCriteriaURL, opts),
		now:         time.Now,
	}
}

func (a *CommonCriteriaAdapter) Owns(r record.ComplianceRecord) bool {
	return r.Type == record.TypeCC && r.Source != record.SourceANSSI
}

func (a *CommonCriteriaAdapter) Fetch(ctx context.Context) ([]record.ComplianceRecord, error) {
	recs, err := a.records(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "fetched certified products", "count", len(recs))
	return cloneAll(recs), nil
}

// records returns the parsed CSV, downloading it at most once per memo window.
func (a *CommonCriteriaAdapter) records(ctx context.Context) ([]record.ComplianceRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.memo != nil && a.now().Sub(a.memoAt) < ccMemoTTL {
		return a.memo, nil
	}
	body, err := a.get(ctx, a.url)
	if err != nil {
		return nil, wrapf(a.key, err)
	}
	recs, err := a.parse(body)
	if err != nil {
		return nil, wrapf(a.key, err)
	}
	a.memo, a.memoAt = recs, a.now()
	return recs, nil
}

type ccColumns map[string]int

func (c ccColumns) get(row []string, names ...string) string {
	for _, n := range names {
		if i, ok := c[n]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
	}
	return ""
}

func (a *CommonCriteriaAdapter) parse(body string) ([]record.ComplianceRecord, error) {
	if !utf8.ValidString(body) {
		decoded, err := charmap.Windows1252.NewDecoder().String(body)
		if err != nil {
			return nil, fmt.Errorf("decode csv: %w", err)
		}
		body = decoded
	}
	body = strings.TrimPrefix(body, "\ufeff")

	r := csv.NewReader(strings.NewReader(body))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(ccColumns, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["name"]; !ok {
		return nil, fmt.Errorf("%w: no Name column", ErrStructure)
	}

	today := a.now().UTC()
	var out []record.ComplianceRecord
	for {
		if a.opts.Limit > 0 && len(out) >= a.opts.Limit {
			break
		}
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			a.logger.Warn("skipping malformed csv row", "line", perr.Line, "error", perr.Err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if rec, ok := ccRow(cols, row, today); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func ccRow(cols ccColumns, row []string, today time.Time) (record.ComplianceRecord, bool) {
	name := record.CleanText(cols.get(row, "name"))
	if name == "" {
		return record.ComplianceRecord{}, false
	}
	vendor := orDefault(record.CleanText(cols.get(row, "manufacturer")), record.UnknownVendor)
	scheme := cols.get(row, "scheme")

	date := record.StandardizeDate(cols.get(row, "certification date"))
	if date == "" {
		date = today.Format(time.DateOnly)
	}

	status := record.StatusActive
	if archived := record.StandardizeDate(cols.get(row, "archived date")); archived != "" {
		if t, ok := record.ParseDate(archived); ok && !t.After(today) {
			status = record.StatusHistorical
		}
	}

	reportCell := cols.get(row, "certification report url", "certification report")
	targetCell := cols.get(row, "security target url", "security target")
	docs := parseDocuments(reportCell, kindReport).merge(parseDocuments(targetCell, kindTarget))

	return record.ComplianceRecord{
		ID:                      ccID(pdfRef.FindString(reportCell), name, vendor, date),
		Source:                  record.SchemeSource(scheme),
		Date:                    date,
		Link:                    docs.mainLink(),
		Type:                    record.TypeCC,
		Status:                  status,
		PQCCoverage:             nameCoverage(name, record.UnknownCoverage()),
		ProductName:             name,
		ProductCategory:         orDefault(cols.get(row, "category"), "Uncategorized"),
		Vendor:                  vendor,
		Lab:                     cols.get(row, "lab/itsef", "lab", "itsef", "evaluation facility"),
		CertificationLevel:      cols.get(row, "assurance level"),
		CertificationReportURLs: docs.reports,
		SecurityTargetURLs:      docs.targets,
		AdditionalDocuments:     docs.other,
	}, true
}

var (
	ccIDSuffix = regexp.MustCompile(`_([A-Za-z0-9-]+)\.pdf$`)
	ccIDFile   = regexp.MustCompile(`([^/]+)\.pdf$`)
	ccIDSplit  = regexp.MustCompile(`[_\s]+`)
	hasDigit   = regexp.MustCompile(`\d`)
)

// ccID derives a certificate id from the report file name. Names without a
// recognisable certificate number fall back to a stable hash of parts.
func ccID(report string, parts ...string) string {
	report = strings.TrimSpace(report)
	if m := ccIDSuffix.FindStringSubmatch(report); m != nil && hasDigit.MatchString(m[1]) {
		return "cc-" + m[1]
	}
	if m := ccIDFile.FindStringSubmatch(report); m != nil {
		file := fileName(m[1])
		if len(file) < 30 && hasDigit.MatchString(file) {
			return "cc-" + file
		}
		fields := ccIDSplit.Split(file, -1)
		if last := fields[len(fields)-1]; len(last) > 5 && hasDigit.MatchString(last) {
			return "cc-" + last
		}
	}
	return fallbackID("cc", parts...)
}

func cloneAll(recs []record.ComplianceRecord) []record.ComplianceRecord {
	out := make([]record.ComplianceRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
