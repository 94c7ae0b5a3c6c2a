package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/util/resiliency"
)

func testOptions(url string) Options {
	return Options{
		URL:           url,
		RatePerSecond: 1000,
		Burst:         100,
		Client:        resiliency.NewEnhancedClient(resiliency.WithMaxRetries(0), resiliency.WithBaseBackoff(time.Millisecond)),
	}
}

const fipsPage = `<html><body>
<table id="searchResultsTable">
  <tr><th>Certificate Number</th><th>Vendor Name</th><th>Module Name</th><th>Module Type</th><th>Validation Date</th></tr>
  <tr>
    <td><a href="/projects/cryptographic-module-validation-program/certificate/4282">4282</a></td>
    <td>Entrust Corporation</td>
    <td>nShield 5s</td>
    <td>Hardware</td>
    <td>11/20/2024</td>
  </tr>
  <tr>
    <td><a href="/projects/cryptographic-module-validation-program/certificate/4800">4800</a></td>
    <td>QuantumCorp</td>
    <td>Quantum Safe Crypto Engine</td>
    <td>Software</td>
    <td>01/02/2025; 03/04/2025</td>
  </tr>
</table>
</body></html>`

func TestFIPSAdapterParsesResultsTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, fipsPage)
	}))
	defer srv.Close()

	a := NewFIPSAdapter(testOptions(srv.URL+"/search/all?x=1"), nil)
	recs, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0]
	assert.Equal(t, "fips-4282", first.ID)
	assert.Equal(t, record.SourceNIST, first.Source)
	assert.Equal(t, record.TypeFIPS140, first.Type)
	assert.Equal(t, "2024-11-20", first.Date)
	assert.Equal(t, "Entrust Corporation", first.Vendor)
	assert.Equal(t, "nShield 5s", first.ProductName)
	assert.Equal(t, srv.URL+"/projects/cryptographic-module-validation-program/certificate/4282", first.Link)
	assert.Equal(t, record.CoverageUnknown, first.PQCCoverage.Kind)
	assert.Equal(t, "FIPS 140-3 L3", first.CertificationLevel)

	second := recs[1]
	assert.Equal(t, "2025-01-02", second.Date)
	assert.Equal(t, "Potentially PQC (Name Match)", second.PQCCoverage.String())
	assert.True(t, a.Owns(first))
}

func TestFIPSAdapterFallsBackWhenTableMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "<html><body><p>maintenance</p></body></html>")
	}))
	defer srv.Close()

	recs, err := NewFIPSAdapter(testOptions(srv.URL), nil).Fetch(context.Background())
	require.NoError(t, err)

	want, err := FIPSFallback()
	require.NoError(t, err)
	assert.Equal(t, want, recs)
	assert.NotEmpty(t, recs)
	for _, r := range recs {
		assert.Equal(t, record.TypeFIPS140, r.Type)
		assert.True(t, strings.HasPrefix(r.ID, "fips-"))
	}
}

func TestFIPSAdapterTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	recs, err := NewFIPSAdapter(testOptions(srv.URL), nil).Fetch(context.Background())
	require.Error(t, err)
	assert.Nil(t, recs)
	assert.Contains(t, err.Error(), "fips")
}

func TestFIPSAdapterLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, fipsPage)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.Limit = 1
	recs, err := NewFIPSAdapter(opts, nil).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func acvpRows(rows ...[4]string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table class="publications-table"><tr><th>Vendor</th><th>Implementation</th><th>Validation</th><th>Date</th></tr>`)
	for _, r := range rows {
		fmt.Fprintf(&b, `<tr><td>%s</td><td><a href="details?product=%s">%s</a></td><td>%s</td><td>%s</td></tr>`,
			r[0], r[2], r[1], r[2], r[3])
	}
	b.WriteString(`</table></body></html>`)
	return b.String()
}

func TestACVPAdapterMergesGroups(t *testing.T) {
	var searches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/validation-search", r.URL.Path)
		searches.Add(1)
		algs := r.URL.Query()["algorithm"]
		switch algs[0] {
		case "179":
			_, _ = fmt.Fprint(w, acvpRows(
				[4]string{"Acme", "Acme Kyber Engine", "A1001", "12/01/2024"},
				[4]string{"Beta", "Beta Crypto Library", "A1002", "2024-11-05"},
			))
		case "176":
			_, _ = fmt.Fprint(w, acvpRows(
				[4]string{"Beta", "Beta Crypto Library", "A1002", "2024-11-05"},
			))
		default:
			_, _ = fmt.Fprint(w, acvpRows())
		}
	}))
	defer srv.Close()

	a := NewACVPAdapter(testOptions(srv.URL), nil)
	recs, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), searches.Load())
	require.Len(t, recs, 2)

	assert.Equal(t, "acvp-A1001", recs[0].ID)
	assert.Equal(t, "Potentially PQC", recs[0].PQCCoverage.String())
	assert.Equal(t, srv.URL+"/details?product=A1001", recs[0].Link)
	assert.Equal(t, "2024-12-01", recs[0].Date)

	assert.Equal(t, "acvp-A1002", recs[1].ID)
	assert.True(t, recs[1].PQCCoverage.IsPending())
	assert.Equal(t, record.TypeACVP, recs[1].Type)
}

func TestACVPAdapterSearchURL(t *testing.T) {
	a := NewACVPAdapter(Options{}, nil)
	u := a.SearchURL(DefaultAlgorithmGroups[0])
	assert.True(t, strings.HasPrefix(u, DefaultACVPBase+"/validation-search?"))
	assert.Contains(t, u, "algorithm=179&algorithm=180")
	assert.Contains(t, u, "searchMode=implementation")
	assert.Contains(t, u, "ipp=1000")
}

func TestACVPAdapterFailsWhenEveryGroupFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	recs, err := NewACVPAdapter(testOptions(srv.URL), nil).Fetch(context.Background())
	require.Error(t, err)
	assert.Nil(t, recs)
}

func TestACVPAdapterKeepsPartialResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query()["algorithm"][0] == "173" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = fmt.Fprint(w, acvpRows([4]string{"Acme", "Acme LMS Signer", "A77", "1/2/2025"}))
	}))
	defer srv.Close()

	recs, err := NewACVPAdapter(testOptions(srv.URL), nil).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "acvp-A77", recs[0].ID)
}

const ccCSV = "Category,Name,Manufacturer,Scheme,Assurance Level,Certification Date,Archived Date,Certification Report URL,Security Target URL,Lab/ITSEF\n" +
	"Smart Cards,SecureChip OS v2,ChipCo,DE,EAL4+,2024-06-01,,https://www.commoncriteriaportal.org:443/files/epfiles/0815_BSI-DSZ-CC-1234-2024.pdf,0815_ST_lite.pdf,TUV IT\n" +
	"Network Devices,Quantum Gateway,,FR,EAL2,03/15/2024,,anssi-cible-2024_12.pdf,,\n" +
	"Databases,Old DB,DBCo,US,EAL2,2019-01-01,2023-01-01,http://www.commoncriteriaportal.org/files/epfiles/old_report.pdf,,\n" +
	",,,,,,,,,\n"

func TestCommonCriteriaAdapterParsesCSV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, ccCSV)
	}))
	defer srv.Close()

	a := NewCommonCriteriaAdapter(testOptions(srv.URL))
	a.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	recs, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	chip := recs[0]
	assert.Equal(t, "cc-BSI-DSZ-CC-1234-2024", chip.ID)
	assert.Equal(t, record.SchemeSource("DE"), chip.Source)
	assert.Equal(t, record.TypeCC, chip.Type)
	assert.Equal(t, "EAL4+", chip.CertificationLevel)
	assert.Equal(t, "TUV IT", chip.Lab)
	assert.Equal(t, []string{"https://www.commoncriteriaportal.org/files/epfiles/0815_BSI-DSZ-CC-1234-2024.pdf"}, chip.CertificationReportURLs)
	assert.Equal(t, []string{ccFilesBase + "0815_ST_lite.pdf"}, chip.SecurityTargetURLs)
	assert.Equal(t, ccFilesBase+"0815_ST_lite.pdf", chip.Link)
	assert.Equal(t, record.StatusActive, chip.Status)
	assert.Equal(t, record.CoverageUnknown, chip.PQCCoverage.Kind)

	gw := recs[1]
	assert.Equal(t, record.SchemeSource("FR"), gw.Source)
	assert.Equal(t, "2024-03-15", gw.Date)
	assert.Equal(t, record.UnknownVendor, gw.Vendor)
	assert.Equal(t, "Potentially PQC (Name Match)", gw.PQCCoverage.String())
	assert.Equal(t, []string{ccFilesBase + "anssi-cible-2024_12.pdf"}, gw.SecurityTargetURLs)

	old := recs[2]
	assert.Equal(t, record.StatusHistorical, old.Status)
	assert.True(t, strings.HasPrefix(old.Link, "https://www.commoncriteriaportal.org/files/epfiles/"))
	assert.True(t, strings.HasPrefix(old.ID, "cc-"))
}

func TestCommonCriteriaAdapterRejectsUnknownLayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "foo,bar\n1,2\n")
	}))
	defer srv.Close()

	_, err := NewCommonCriteriaAdapter(testOptions(srv.URL)).Fetch(context.Background())
	require.ErrorIs(t, err, ErrStructure)
}

func TestSchemeAdaptersShareDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = fmt.Fprint(w, ccCSV)
	}))
	defer srv.Close()

	cc := NewCommonCriteriaAdapter(testOptions(srv.URL))
	bsi := NewSchemeAdapter(KeyBSI, "DE", cc)
	anssi := NewSchemeAdapter(KeyANSSI, "FR", cc)

	de, err := bsi.Fetch(context.Background())
	require.NoError(t, err)
	fr, err := anssi.Fetch(context.Background())
	require.NoError(t, err)
	all, err := cc.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load())
	require.Len(t, de, 1)
	require.Len(t, fr, 1)
	assert.Len(t, all, 3)
	assert.Equal(t, record.SchemeSource("DE"), de[0].Source)
	assert.True(t, cc.Owns(de[0]))
	assert.False(t, bsi.Owns(fr[0]))

	de[0].ProductName = "mutated"
	again, err := bsi.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SecureChip OS v2", again[0].ProductName)
}

func TestCCID(t *testing.T) {
	tests := []struct {
		report, want string
	}{
		{"https://x/files/epfiles/0815_BSI-DSZ-CC-1234-2024.pdf", "cc-BSI-DSZ-CC-1234-2024"},
		{"https://x/files/epfiles/NSCIB-CC-0123.pdf", "cc-NSCIB-CC-0123"},
		{"https://x/files/epfiles/a%20very%20long%20report%20name%20ANSSI-CC-2024-17.pdf", "cc-ANSSI-CC-2024-17"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ccID(tt.report, "p"))
		})
	}
	assert.Equal(t, ccID("", "a", "b"), ccID("", "a", "b"))
	assert.NotEqual(t, ccID("", "a", "b"), ccID("", "a", "c"))
}

func TestParseDocuments(t *testing.T) {
	set := parseDocuments("report_cr.pdf (see) target.pdf annex-A.pdf http://www.commoncriteriaportal.org:80/files/epfiles/annex-A.pdf", kindReport)
	assert.Equal(t, []string{ccFilesBase + "report_cr.pdf"}, set.reports)
	assert.Equal(t, []string{ccFilesBase + "target.pdf"}, set.targets)
	require.Len(t, set.other, 1)
	assert.Equal(t, "annex-A.pdf", set.other[0].Name)
	assert.Equal(t, "https://www.commoncriteriaportal.org/files/epfiles/annex-A.pdf", set.other[0].URL)
	assert.Equal(t, ccFilesBase+"target.pdf", set.mainLink())
	assert.Equal(t, "", documentSet{}.mainLink())

	st := parseDocuments("0815a_pdf.pdf", kindTarget)
	assert.Equal(t, []string{ccFilesBase + "0815a_pdf.pdf"}, st.targets)
	assert.Equal(t, []string{ccFilesBase + "0815a_pdf.pdf"}, parseDocuments("0815a_pdf.pdf", kindReport).reports)
}

func TestDetailKeyAndURL(t *testing.T) {
	d := NewDetailFetcher(DetailOptions{ACVPBase: "http://acvp", CMVPBase: "http://cmvp/"})

	assert.Equal(t, "details?product=20110", DetailKey(DefaultACVPBase+"/details?product=20110"))
	assert.Equal(t, "4282", DetailKey(DefaultCMVPBase+"/certificate/4282/"))
	assert.Equal(t, "", DetailKey("  "))

	u, err := d.URLFor("details?product=20110")
	require.NoError(t, err)
	assert.Equal(t, "http://acvp/details?product=20110", u)

	u, err = d.URLFor("4282")
	require.NoError(t, err)
	assert.Equal(t, "http://cmvp/certificate/4282", u)

	_, err = d.URLFor("validation-search")
	require.Error(t, err)
	_, err = d.URLFor("details?")
	require.Error(t, err)
}

func TestResolveCoverage(t *testing.T) {
	assert.Equal(t, record.NotDetectedCoverage(), ResolveCoverage("AES-GCM SHA2-256 RSA 2048"))

	c := ResolveCoverage("Algorithms: ML-KEM-768, kyber, ML-DSA-65 and LMS")
	assert.Equal(t, record.CoverageDetected, c.Kind)
	assert.Equal(t, "ML-KEM-768, ML-DSA-65, LMS", c.String())
}

func TestDeepModeResolvesThroughDetailPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/validation-search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query()["algorithm"][0] != "179" {
			_, _ = fmt.Fprint(w, acvpRows())
			return
		}
		_, _ = fmt.Fprint(w, acvpRows(
			[4]string{"Acme", "Acme Engine", "A1", "2024-12-01"},
			[4]string{"Beta", "Beta Engine", "A2", "2024-12-01"},
		))
	})
	mux.HandleFunc("/details", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("product") == "A1" {
			_, _ = fmt.Fprint(w, "<html><body>ML-KEM-768 [KeyGen, Encap] and RSA 3072</body></html>")
			return
		}
		_, _ = fmt.Fprint(w, "<html><body>AES only</body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	detail := NewDetailFetcher(DetailOptions{Options: testOptions(""), ACVPBase: srv.URL})
	opts := testOptions(srv.URL)
	opts.Deep = true
	recs, err := NewACVPAdapter(opts, detail).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, record.CoverageDetected, recs[0].PQCCoverage.Kind)
	assert.Contains(t, recs[0].PQCCoverage.String(), "ML-KEM-768")
	assert.Equal(t, "RSA (3072)", recs[0].ClassicalAlgorithms)
	assert.Equal(t, record.NotDetectedCoverage(), recs[1].PQCCoverage)
}

func TestRegistry(t *testing.T) {
	reg := NewDefaultRegistry(nil, false)
	assert.Equal(t, []string{KeyACVP, KeyANSSI, KeyBSI, KeyCC, KeyFIPS}, reg.Keys())
	assert.NotNil(t, reg.Detail())

	sel, err := reg.Select(KeyCC, KeyFIPS)
	require.NoError(t, err)
	assert.Equal(t, KeyCC, sel[0].Key())
	_, err = reg.Select("nope")
	require.Error(t, err)

	cc := NewCommonCriteriaAdapter(Options{})
	_, err = NewRegistry(cc, cc)
	require.Error(t, err)
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible("1.2.0", "1.0.0"))
	assert.False(t, Compatible("2.0.0", "1.9.0"))
	assert.False(t, Compatible("1.0.0", "garbage"))
}

func TestANSSIOwnsSiteScrapedRecords(t *testing.T) {
	reg := NewDefaultRegistry(nil, false)
	legacy := record.ComplianceRecord{ID: "anssi-1", Source: record.SourceANSSI, Type: record.TypeCC}
	fr := record.ComplianceRecord{ID: "cc-fr", Source: record.SchemeSource("FR"), Type: record.TypeCC}

	var owners []string
	for _, a := range reg.All() {
		if a.Owns(legacy) {
			owners = append(owners, a.Key())
		}
	}
	assert.Equal(t, []string{KeyANSSI}, owners)

	anssi, _ := reg.Get(KeyANSSI)
	bsi, _ := reg.Get(KeyBSI)
	assert.True(t, anssi.Owns(fr))
	assert.False(t, bsi.Owns(legacy))
}
