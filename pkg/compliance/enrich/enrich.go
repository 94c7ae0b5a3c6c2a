// Package enrich resolves the PQC coverage of algorithm validation records
// from their detail pages, one record at a time, and persists the result with
// debounced writes.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/observability"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/store/cache"
)

// Enrichment outcomes, also used as metric attributes.
const (
	OutcomeSkipped     = "skipped"
	OutcomeResolved    = "resolved"
	OutcomeNotDetected = "not_detected"
	OutcomeFailed      = "failed"
)

// DefaultTimeout bounds one detail fetch. The fetch outlives the caller that
// started it since later callers may have joined it.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNoDetailKey is returned when the record link yields no detail key.
	ErrNoDetailKey = errors.New("record link has no detail key")
	// ErrUnknownRecord is returned when the record is not in the shared set.
	ErrUnknownRecord = errors.New("record not in current set")
)

// DetailSource fetches the text of a detail page.
type DetailSource interface {
	FetchDetail(ctx context.Context, key string) (string, error)
}

// Eligible reports whether r can be improved by enrichment.
func Eligible(r record.ComplianceRecord) bool {
	return r.Type == record.TypeACVP && r.PQCCoverage.NeedsEnrichment()
}

// Service enriches records in a shared Set.
type Service struct {
	set     *record.Set
	detail  DetailSource
	cache   *cache.Records
	owner   sources.Adapter
	writer  *Coalescer
	obs     *observability.Provider
	timeout time.Duration
	group   singleflight.Group
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithCoalescer(c *Coalescer) Option {
	return func(s *Service) { s.writer = c }
}

func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// New creates a Service. owner is the adapter whose cached list receives the
// enriched records; with a nil cache nothing is persisted.
func New(set *record.Set, detail DetailSource, recs *cache.Records, owner sources.Adapter, opts ...Option) *Service {
	s := &Service{
		set:     set,
		detail:  detail,
		cache:   recs,
		owner:   owner,
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "enrich"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.writer == nil {
		s.writer = NewCoalescer(DefaultWindow)
	}
	if s.obs == nil {
		s.obs = observability.Disabled()
	}
	return s
}

// Enrich resolves the coverage of the record with id, replaces it in the set
// and schedules persistence. It returns the current record. Records that are
// not eligible are returned unchanged without any fetch. Concurrent calls for
// the same id share one fetch.
func (s *Service) Enrich(ctx context.Context, id string) (record.ComplianceRecord, error) {
	cur, ok := s.set.Get(id)
	if !ok {
		return record.ComplianceRecord{}, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	if !Eligible(cur) {
		return cur, nil
	}

	v, err, shared := s.group.Do(id, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.resolve(fctx, id)
	})
	if err != nil {
		return cur, err
	}
	if shared {
		s.logger.DebugContext(ctx, "joined in-flight enrichment", "id", id)
	}
	return v.(record.ComplianceRecord), nil
}

func (s *Service) resolve(ctx context.Context, id string) (record.ComplianceRecord, error) {
	// Re-read inside the flight so a caller arriving just after a resolution
	// does not fetch again.
	r, ok := s.set.Get(id)
	if !ok {
		return record.ComplianceRecord{}, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	if !Eligible(r) {
		s.obs.RecordEnrichment(ctx, OutcomeSkipped)
		return r, nil
	}

	key := sources.DetailKey(r.Link)
	if key == "" {
		s.obs.RecordEnrichment(ctx, OutcomeFailed)
		return r, fmt.Errorf("enrich %s: %w", id, ErrNoDetailKey)
	}

	ctx, span := s.obs.StartSpan(ctx, "certwatch.enrich")
	defer span.End()

	text, err := s.detail.FetchDetail(ctx, key)
	if err != nil {
		s.obs.RecordEnrichment(ctx, OutcomeFailed)
		s.logger.WarnContext(ctx, "detail fetch failed", "id", id, "key", key, "error", err)
		return r, fmt.Errorf("enrich %s: %w", id, err)
	}

	r.PQCCoverage = sources.ResolveCoverage(text)
	if r.ClassicalAlgorithms == "" {
		r.ClassicalAlgorithms = record.ExtractClassical(text)
	}
	if !s.set.Update(r) {
		// the set was replaced by a refresh while fetching
		return r, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}

	outcome := OutcomeResolved
	if r.PQCCoverage.Kind == record.CoverageNotDetected {
		outcome = OutcomeNotDetected
	}
	s.obs.RecordEnrichment(ctx, outcome)
	s.logger.InfoContext(ctx, "record enriched", "id", id, "coverage", r.PQCCoverage.String())

	s.schedulePersist()
	return r, nil
}

// schedulePersist queues a write that patches the owner's cached list with
// the records resolved in the set. The set may be a filtered view, so the
// cached list is never replaced wholesale.
func (s *Service) schedulePersist() {
	if s.cache == nil || s.owner == nil {
		return
	}
	key := s.owner.Key()
	s.writer.Schedule(key, func(ctx context.Context) error {
		entry, found, err := s.cache.Load(ctx, key)
		if err != nil {
			return fmt.Errorf("persist %s: %w", key, err)
		}
		if !found {
			s.logger.DebugContext(ctx, "no cached list to patch", "source", key)
			return nil
		}
		patched := 0
		for i, cached := range entry.Records {
			if !Eligible(cached) || !s.owner.Owns(cached) {
				continue
			}
			if cur, ok := s.set.Get(cached.ID); ok && !Eligible(cur) {
				entry.Records[i] = cur
				patched++
			}
		}
		if patched == 0 {
			return nil
		}
		if err := s.cache.Put(ctx, key, *entry); err != nil {
			return fmt.Errorf("persist %s: %w", key, err)
		}
		s.logger.InfoContext(ctx, "persisted enriched records", "source", key, "patched", patched, "records", len(entry.Records))
		return nil
	})
}

// Flush forces pending persistence.
func (s *Service) Flush(ctx context.Context) error {
	return s.writer.Flush(ctx)
}
