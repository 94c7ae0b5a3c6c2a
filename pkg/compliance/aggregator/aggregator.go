// Package aggregator combines the static snapshot with live and cached source
// data into one filtered, link-repaired record list.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/query"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/staleness"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/observability"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/store/cache"
)

// ErrNoData is returned when the snapshot could not be loaded and no source
// produced any record.
var ErrNoData = errors.New("no compliance data available")

const (
	// DefaultTimeout bounds every adapter call.
	DefaultTimeout = 20 * time.Second
	// WindowYears is the rolling recency window.
	WindowYears = 2
)

// SnapshotLoader provides the offline, pre-curated dataset.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) ([]record.ComplianceRecord, error)
}

// SnapshotFunc adapts a function to SnapshotLoader.
type SnapshotFunc func(ctx context.Context) ([]record.ComplianceRecord, error)

func (f SnapshotFunc) LoadSnapshot(ctx context.Context) ([]record.ComplianceRecord, error) {
	return f(ctx)
}

// Config tunes an Aggregator.
type Config struct {
	// Production disables the snapshot short-circuit.
	Production bool
	// Timeout bounds each adapter call. Zero selects DefaultTimeout.
	Timeout time.Duration
	// Concurrency caps simultaneous adapter calls. Zero means unbounded.
	Concurrency int
	// Filter is applied to the final list.
	Filter *query.Filter
}

// SourceOutcome describes what happened to one source during a run.
type SourceOutcome struct {
	Source    string        `json:"source"`
	Fetched   bool          `json:"fetched"`
	FromCache bool          `json:"fromCache"`
	TimedOut  bool          `json:"timedOut"`
	Records   int           `json:"records"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Result is the output of one run.
type Result struct {
	Records []record.ComplianceRecord `json:"records"`
	// Sources is in merge priority order. Empty when the snapshot was
	// returned without consulting any source.
	Sources []SourceOutcome `json:"sources,omitempty"`
	// SnapshotOnly is set when the list is the unprocessed snapshot.
	SnapshotOnly bool `json:"snapshotOnly"`
	// LastUpdated is the last time any source was re-fetched, zero if never.
	LastUpdated time.Time `json:"lastUpdated"`
}

// Aggregator runs the refresh pipeline. Adapters are given in merge priority
// order: for records sharing an id, the later adapter wins.
type Aggregator struct {
	adapters []sources.Adapter
	snapshot SnapshotLoader
	cache    *cache.Records
	obs      *observability.Provider
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithObservability(p *observability.Provider) Option {
	return func(a *Aggregator) { a.obs = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func New(adapters []sources.Adapter, snapshot SnapshotLoader, recs *cache.Records, cfg Config, opts ...Option) *Aggregator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	a := &Aggregator{
		adapters: adapters,
		snapshot: snapshot,
		cache:    recs,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default().With("component", "aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.obs == nil {
		a.obs = observability.Disabled()
	}
	return a
}

// Adapters returns the adapters in priority order.
func (a *Aggregator) Adapters() []sources.Adapter {
	return append([]sources.Adapter(nil), a.adapters...)
}

// Run executes one aggregation. It only fails with ErrNoData; every other
// failure degrades to the best available data.
func (a *Aggregator) Run(ctx context.Context, force bool) (res *Result, err error) {
	ctx, span := a.obs.StartSpan(ctx, "certwatch.aggregate")
	defer span.End()

	snap, snapErr := a.loadSnapshot(ctx)

	defer func() {
		if r := recover(); r != nil {
			a.logger.ErrorContext(ctx, "aggregation failed, returning snapshot", "panic", r)
			res, err = a.snapshotOnly(snap, snapErr)
		}
	}()

	if !a.cfg.Production && !force && len(snap) > 0 {
		a.logger.InfoContext(ctx, "using static snapshot", "records", len(snap))
		return &Result{Records: a.cfg.Filter.Apply(snap), SnapshotOnly: true}, nil
	}

	now := a.now()
	state := staleness.LoadState(ctx, a.cache, now, a.adapters)
	outcomes, lists := a.collect(ctx, state, force, now)

	if ctx.Err() != nil {
		a.logger.WarnContext(ctx, "aggregation cancelled, returning snapshot", "error", ctx.Err())
		return a.snapshotOnly(snap, snapErr)
	}

	anyData := false
	for _, l := range lists {
		if len(l) > 0 {
			anyData = true
			break
		}
	}
	if snapErr != nil && !anyData {
		return &Result{Records: []record.ComplianceRecord{}, Sources: outcomes}, fmt.Errorf("%w: %v", ErrNoData, snapErr)
	}

	merged := Merge(snap, lists...)
	merged = FilterWindow(merged, now)
	for i := range merged {
		merged[i] = record.RepairLink(merged[i])
	}
	merged = a.cfg.Filter.Apply(merged)
	a.obs.RecordMerged(ctx, len(merged))

	lastUpdated := state.Global
	for _, o := range outcomes {
		if o.Fetched {
			lastUpdated = now
			break
		}
	}

	a.logger.InfoContext(ctx, "aggregation complete",
		"records", len(merged),
		"snapshot", len(snap),
		"force", force,
	)
	return &Result{Records: merged, Sources: outcomes, LastUpdated: lastUpdated}, nil
}

func (a *Aggregator) loadSnapshot(ctx context.Context) ([]record.ComplianceRecord, error) {
	if a.snapshot == nil {
		return nil, nil
	}
	snap, err := a.snapshot.LoadSnapshot(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "snapshot unavailable", "error", err)
		return nil, err
	}
	return snap, nil
}

func (a *Aggregator) snapshotOnly(snap []record.ComplianceRecord, snapErr error) (*Result, error) {
	if len(snap) == 0 && snapErr != nil {
		return &Result{Records: []record.ComplianceRecord{}, SnapshotOnly: true}, fmt.Errorf("%w: %v", ErrNoData, snapErr)
	}
	if snap == nil {
		snap = []record.ComplianceRecord{}
	}
	return &Result{Records: a.cfg.Filter.Apply(snap), SnapshotOnly: true}, nil
}

// collect fetches or loads every source concurrently. Both returned slices are
// indexed by adapter priority, independent of completion order.
func (a *Aggregator) collect(ctx context.Context, state staleness.State, force bool, now time.Time) ([]SourceOutcome, [][]record.ComplianceRecord) {
	outcomes := make([]SourceOutcome, len(a.adapters))
	lists := make([][]record.ComplianceRecord, len(a.adapters))

	limit := a.cfg.Concurrency
	if limit <= 0 {
		limit = len(a.adapters)
	}
	sem := make(chan struct{}, max(limit, 1))
	var wg sync.WaitGroup

	for i, ad := range a.adapters {
		wg.Add(1)
		go func(i int, ad sources.Adapter) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					a.logger.ErrorContext(ctx, "source collection panicked", "source", ad.Key(), "panic", r)
					outcomes[i] = SourceOutcome{Source: ad.Key(), Error: fmt.Sprintf("panic: %v", r)}
					lists[i] = nil
				}
			}()

			if staleness.ShouldFetch(state, ad.Key(), force) {
				outcomes[i], lists[i] = a.fetch(ctx, ad, now)
			} else {
				outcomes[i], lists[i] = a.fromCache(ctx, ad)
			}
		}(i, ad)
	}
	wg.Wait()
	return outcomes, lists
}

type fetchResult struct {
	records []record.ComplianceRecord
	err     error
}

// fetch calls the adapter under the per-source timeout. A timeout or failure
// yields an empty list.
func (a *Aggregator) fetch(ctx context.Context, ad sources.Adapter, now time.Time) (SourceOutcome, []record.ComplianceRecord) {
	key := ad.Key()
	out := SourceOutcome{Source: key}
	start := time.Now()
	ctx, done := a.obs.TrackFetch(ctx, key)

	fctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	ch := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fetchResult{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		recs, err := ad.Fetch(fctx)
		ch <- fetchResult{records: recs, err: err}
	}()

	var fr fetchResult
	select {
	case fr = <-ch:
	case <-fctx.Done():
		fr.err = fctx.Err()
	}
	out.Duration = time.Since(start)

	switch {
	case errors.Is(fr.err, context.DeadlineExceeded) && ctx.Err() == nil:
		out.TimedOut = true
		out.Error = fr.err.Error()
		a.logger.WarnContext(ctx, "source timed out", "source", key, "timeout", a.cfg.Timeout)
		done(observability.OutcomeTimedOut, 0, nil)
		return out, nil
	case fr.err != nil:
		out.Error = fr.err.Error()
		a.logger.WarnContext(ctx, "source fetch failed", "source", key, "error", fr.err)
		done(observability.OutcomeFailed, 0, fr.err)
		return out, nil
	case len(fr.records) == 0:
		a.logger.WarnContext(ctx, "source returned no records", "source", key)
		done(observability.OutcomeEmpty, 0, nil)
		return out, nil
	}

	out.Fetched = true
	out.Records = len(fr.records)
	entry := cache.Entry{AdapterVersion: ad.Version(), StoredAt: now, Records: fr.records}
	if err := a.cache.Commit(ctx, key, entry); err != nil {
		a.logger.WarnContext(ctx, "failed to persist source records", "source", key, "error", err)
	}
	done(observability.OutcomeFetched, out.Records, nil)
	return out, fr.records
}

func (a *Aggregator) fromCache(ctx context.Context, ad sources.Adapter) (SourceOutcome, []record.ComplianceRecord) {
	key := ad.Key()
	out := SourceOutcome{Source: key, FromCache: true}
	entry, found, err := a.cache.Load(ctx, key)
	if err != nil || !found {
		// LoadState saw a usable entry moments ago.
		out.FromCache = false
		if err != nil {
			out.Error = err.Error()
		}
		a.logger.WarnContext(ctx, "cached records vanished", "source", key, "error", err)
		return out, nil
	}
	out.Records = len(entry.Records)
	return out, entry.Records
}

// Merge overlays lists onto base by id. A later list wins over an earlier one
// and over base; a record keeps the position of the id's first appearance.
func Merge(base []record.ComplianceRecord, lists ...[]record.ComplianceRecord) []record.ComplianceRecord {
	index := make(map[string]int, len(base))
	var out []record.ComplianceRecord
	put := func(r record.ComplianceRecord) {
		if i, ok := index[r.ID]; ok {
			out[i] = r
			return
		}
		index[r.ID] = len(out)
		out = append(out, r)
	}
	for _, r := range base {
		put(r)
	}
	for _, l := range lists {
		for _, r := range l {
			put(r)
		}
	}
	if out == nil {
		out = []record.ComplianceRecord{}
	}
	return out
}

// Cutoff returns the oldest date kept at now.
func Cutoff(now time.Time) time.Time {
	y, m, d := now.UTC().AddDate(-WindowYears, 0, 0).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FilterWindow drops records dated before Cutoff(now). Records without a
// parseable ISO date are dropped too.
func FilterWindow(recs []record.ComplianceRecord, now time.Time) []record.ComplianceRecord {
	cutoff := Cutoff(now)
	out := make([]record.ComplianceRecord, 0, len(recs))
	for _, r := range recs {
		t, ok := record.ParseDate(r.Date)
		if !ok || t.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}
