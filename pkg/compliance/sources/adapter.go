// Package sources holds one adapter per certification authority. Each adapter
// turns an authority's published listing into normalised compliance records.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/util/resiliency"
)

// ErrStructure is returned when a listing was fetched but none of its
// entries could be recognised.
var ErrStructure = errors.New("unrecognised listing structure")

// Adapter fetches the current record list of one authority.
//
// Fetch returns a best-effort partial result when only some entries fail to
// parse and (nil, err) on transport failure. It must stop promptly when ctx
// is cancelled.
type Adapter interface {
	// Key is the stable cache key, e.g. "fips".
	Key() string
	// Version is the semantic version of the adapter's output shape.
	Version() string
	// Owns reports whether r was produced by this adapter.
	Owns(r record.ComplianceRecord) bool
	Fetch(ctx context.Context) ([]record.ComplianceRecord, error)
}

// Options tune an adapter. Zero values select the defaults.
type Options struct {
	// URL overrides the listing endpoint.
	URL string
	// RatePerSecond and Burst bound outgoing requests.
	RatePerSecond float64
	Burst         int
	Client        *resiliency.EnhancedClient
	// Deep resolves PQC coverage by fetching every detail page during the
	// list fetch. Meant for the offline batch job.
	Deep              bool
	DetailConcurrency int
	// Limit caps the number of listing rows processed; 0 means no cap.
	Limit int
}

// BaseAdapter provides common functionality for source adapters.
type BaseAdapter struct {
	key     string
	version *semver.Version
	url     string
	client  *resiliency.EnhancedClient
	limiter *rate.Limiter
	logger  *slog.Logger
	opts    Options
}

func newBaseAdapter(key, version, defaultURL string, opts Options) BaseAdapter {
	if opts.URL == "" {
		opts.URL = defaultURL
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 4
	}
	if opts.DetailConcurrency <= 0 {
		opts.DetailConcurrency = 4
	}
	if opts.Client == nil {
		opts.Client = resiliency.NewEnhancedClient()
	}
	return BaseAdapter{
		key:     key,
		version: semver.MustParse(version),
		url:     opts.URL,
		client:  opts.Client,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		logger:  slog.Default().With("component", "sources", "source", key),
		opts:    opts,
	}
}

func (b *BaseAdapter) Key() string { return b.key }

func (b *BaseAdapter) Version() string { return b.version.String() }

// URL returns the listing endpoint.
func (b *BaseAdapter) URL() string { return b.url }

// get waits for the rate limiter and fetches url as text.
func (b *BaseAdapter) get(ctx context.Context, url string) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return b.client.GetText(ctx, url)
}

// Compatible reports whether data written by an adapter at version v can be
// read by an adapter at version current: same major version.
func Compatible(current, v string) bool {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return false
	}
	got, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	return cur.Major() == got.Major()
}

var idNamespace = uuid.MustParse("6f1c7a52-3d0e-4b8e-9c44-2a51f0d7e7a1")

// fallbackID derives a stable id from the identifying fields of an entry that
// carries no id of its own, so repeated fetches produce the same id.
func fallbackID(prefix string, parts ...string) string {
	return prefix + "-" + uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// absoluteURL resolves href against base. Absolute hrefs are returned as is.
func absoluteURL(base, href string) string {
	href = strings.TrimSpace(href)
	switch {
	case href == "":
		return ""
	case strings.HasPrefix(href, "http://"), strings.HasPrefix(href, "https://"):
		return href
	case strings.HasPrefix(href, "/"):
		return strings.TrimRight(origin(base), "/") + href
	default:
		return strings.TrimRight(base, "/") + "/" + href
	}
}

func origin(u string) string {
	scheme := strings.Index(u, "://")
	if scheme < 0 {
		return u
	}
	if slash := strings.Index(u[scheme+3:], "/"); slash >= 0 {
		return u[:scheme+3+slash]
	}
	return u
}

// nameCoverage applies the keyword fast path, falling back to def.
func nameCoverage(name string, def record.Coverage) record.Coverage {
	if c, ok := record.HeuristicCoverage(name); ok {
		return c
	}
	return def
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

func wrapf(key string, err error) error {
	return fmt.Errorf("%s: %w", key, err)
}
