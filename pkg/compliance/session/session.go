// Package session holds the consumer-facing state of one long-lived process:
// the current record list, whether a refresh is running, the last error and
// the last update time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/aggregator"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/enrich"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

// ErrEnrichmentDisabled is returned by Enrich when no enrichment service is
// configured.
var ErrEnrichmentDisabled = errors.New("enrichment disabled")

// State is a consistent view of the session.
type State struct {
	Records     []record.ComplianceRecord  `json:"records"`
	Loading     bool                       `json:"loading"`
	Error       string                     `json:"error,omitempty"`
	LastUpdated time.Time                  `json:"lastUpdated"`
	Fingerprint string                     `json:"fingerprint,omitempty"`
	Sources     []aggregator.SourceOutcome `json:"sources,omitempty"`
}

// Session coordinates refreshes and enrichment over one shared record set.
type Session struct {
	agg      *aggregator.Aggregator
	set      *record.Set
	enricher *enrich.Service
	now      func() time.Time
	logger   *slog.Logger
	flight   singleflight.Group

	mu          sync.RWMutex
	loading     int
	err         error
	lastUpdated time.Time
	fingerprint string
	sources     []aggregator.SourceOutcome
}

// Option configures a Session.
type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a session over set. enricher may be nil; it must operate on the
// same set.
func New(agg *aggregator.Aggregator, set *record.Set, enricher *enrich.Service, opts ...Option) *Session {
	s := &Session{
		agg:      agg,
		set:      set,
		enricher: enricher,
		now:      time.Now,
		logger:   slog.Default().With("component", "session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh runs the aggregator and installs its result. Failures are captured
// in Err and the previous records are kept. Concurrent calls with the same
// force flag share one run.
func (s *Session) Refresh(ctx context.Context, force bool) State {
	key := "refresh"
	if force {
		key = "refresh-force"
	}
	_, _, _ = s.flight.Do(key, func() (any, error) {
		s.refresh(ctx, force)
		return nil, nil
	})
	return s.State()
}

func (s *Session) refresh(ctx context.Context, force bool) {
	s.mu.Lock()
	s.loading++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading--
		s.mu.Unlock()
	}()

	res, err := s.run(ctx, force)
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "refresh cancelled, keeping current records", "error", ctx.Err())
		return
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "refresh failed, keeping current records", "error", err)
		s.mu.Lock()
		s.err = err
		if res != nil {
			s.sources = res.Sources
		}
		s.mu.Unlock()
		return
	}

	fp, fpErr := record.Fingerprint(res.Records)
	if fpErr != nil {
		s.logger.WarnContext(ctx, "fingerprint failed", "error", fpErr)
	}
	s.set.Replace(res.Records)

	s.mu.Lock()
	s.err = nil
	s.sources = res.Sources
	s.fingerprint = fp
	s.lastUpdated = res.LastUpdated
	if s.lastUpdated.IsZero() {
		s.lastUpdated = s.now()
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "refresh complete", "records", len(res.Records), "force", force)
}

// run isolates the session from aggregator panics.
func (s *Session) run(ctx context.Context, force bool) (res *aggregator.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("refresh panic: %v", r)
		}
	}()
	return s.agg.Run(ctx, force)
}

// Enrich resolves the coverage of the record with id. Ineligible records are
// returned unchanged.
func (s *Session) Enrich(ctx context.Context, id string) (record.ComplianceRecord, error) {
	if s.enricher == nil {
		return record.ComplianceRecord{}, ErrEnrichmentDisabled
	}
	return s.enricher.Enrich(ctx, id)
}

// Records returns a copy of the current list.
func (s *Session) Records() []record.ComplianceRecord { return s.set.Snapshot() }

// Record returns the record with id.
func (s *Session) Record(id string) (record.ComplianceRecord, bool) { return s.set.Get(id) }

func (s *Session) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading > 0
}

// Err returns the error of the last refresh, nil after a successful one.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// LastUpdated returns the last time any source was re-fetched, or the time
// of the last successful refresh when that is unknown. Zero before the first
// refresh.
func (s *Session) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// State returns all session fields at once.
func (s *Session) State() State {
	recs := s.set.Snapshot()
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{
		Records:     recs,
		Loading:     s.loading > 0,
		LastUpdated: s.lastUpdated,
		Fingerprint: s.fingerprint,
		Sources:     append([]aggregator.SourceOutcome(nil), s.sources...),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// Run refreshes once, then every interval until ctx is cancelled. Pending
// enrichment writes are flushed on exit.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid refresh interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial refresh
	s.Refresh(ctx, false)

	for {
		select {
		case <-ctx.Done():
			return s.Close(context.WithoutCancel(ctx))
		case <-ticker.C:
			s.Refresh(ctx, false)
		}
	}
}

// Close flushes pending enrichment writes.
func (s *Session) Close(ctx context.Context) error {
	if s.enricher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.enricher.Flush(ctx)
}
