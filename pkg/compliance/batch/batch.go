// Package batch recomputes the published record list offline: it reloads the
// previous output, re-runs the selected adapters, replaces their records and
// writes one normalised, de-duplicated JSON array.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/snapshot"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/observability"
)

const (
	// StaleAfter is the output age below which a non-forced run is skipped.
	StaleAfter = 7 * 24 * time.Hour
	// DefaultTimeout bounds each adapter in a batch run. Deep listings fetch
	// every detail page, so it is far longer than the interactive timeout.
	DefaultTimeout = 15 * time.Minute
)

// ErrNoAdapters is returned when no adapter was selected.
var ErrNoAdapters = errors.New("no sources selected")

// Config describes one batch run.
type Config struct {
	// Adapters to run; their previous records are replaced.
	Adapters []sources.Adapter
	// Output is the file the merged list is written to.
	Output string
	// Publish optionally receives a copy of the output.
	Publish *snapshot.Snapshot
	Force   bool
	Timeout time.Duration
}

// SourceRun reports one adapter.
type SourceRun struct {
	Source   string        `json:"source"`
	Records  int           `json:"records"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report summarises a run.
type Report struct {
	Skipped     bool                     `json:"skipped"`
	Age         time.Duration            `json:"age,omitempty"`
	Previous    int                      `json:"previous"`
	Collected   int                      `json:"collected"`
	Written     int                      `json:"written"`
	Sources     []SourceRun              `json:"sources,omitempty"`
	Health      []HealthCheck            `json:"health,omitempty"`
	Validation  record.DatasetValidation `json:"validation"`
	Fingerprint string                   `json:"fingerprint,omitempty"`
	Published   string                   `json:"published,omitempty"`
}

// Job runs batch merges.
type Job struct {
	cfg    Config
	file   *snapshot.FileStore
	out    *snapshot.Snapshot
	obs    *observability.Provider
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Job.
type Option func(*Job)

func WithObservability(p *observability.Provider) Option {
	return func(j *Job) { j.obs = p }
}

func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

func New(cfg Config, opts ...Option) (*Job, error) {
	if len(cfg.Adapters) == 0 {
		return nil, ErrNoAdapters
	}
	if cfg.Output == "" {
		return nil, errors.New("batch output path is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	file := snapshot.NewFileStore(cfg.Output)
	out, err := snapshot.New(file)
	if err != nil {
		return nil, err
	}
	j := &Job{
		cfg:    cfg,
		file:   file,
		out:    out,
		now:    time.Now,
		logger: slog.Default().With("component", "batch"),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.obs == nil {
		j.obs = observability.Disabled()
	}
	return j, nil
}

// Run executes the merge. A fresh output without Force skips the run.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	now := j.now()

	previous, err := j.loadPrevious(ctx)
	if err != nil {
		return nil, err
	}
	report.Previous = len(previous)

	if !j.cfg.Force && len(previous) > 0 {
		mtime, ok, err := j.file.ModTime()
		if err != nil {
			return nil, fmt.Errorf("stat output: %w", err)
		}
		if age := now.Sub(mtime); ok && age < StaleAfter {
			report.Skipped = true
			report.Age = age
			j.logger.InfoContext(ctx, "output is fresh, skipping run",
				"age_hours", age.Hours(),
				"output", j.cfg.Output,
			)
			return report, nil
		}
	}

	runs, fresh := j.collect(ctx)
	report.Sources = runs

	kept := previous
	for i, ad := range j.cfg.Adapters {
		if runs[i].Error != "" || len(fresh[i]) == 0 {
			// keep the previous records of a source that produced nothing
			continue
		}
		kept = removeOwned(kept, ad)
	}

	for i := range fresh {
		report.Collected += len(fresh[i])
	}
	combined := make([]record.ComplianceRecord, 0, len(kept)+report.Collected)
	combined = append(combined, kept...)
	for i := range fresh {
		combined = append(combined, fresh[i]...)
	}
	for i := range combined {
		combined[i] = Normalize(combined[i])
	}
	final := record.NewSet(combined).Snapshot()
	report.Written = len(final)

	report.Health = CheckHealth(final, previous)
	j.logHealth(ctx, report.Health)

	report.Validation = record.ValidateAll(final, now)
	j.logger.InfoContext(ctx, "dataset validation",
		"valid", report.Validation.Valid,
		"invalid", report.Validation.Invalid,
		"warnings", report.Validation.Warnings,
	)

	fp, err := record.Fingerprint(final)
	if err != nil {
		return nil, fmt.Errorf("fingerprint output: %w", err)
	}
	report.Fingerprint = fp

	if err := j.out.Publish(ctx, final); err != nil {
		return nil, err
	}
	if j.cfg.Publish != nil {
		if err := j.cfg.Publish.Publish(ctx, final); err != nil {
			return report, err
		}
		report.Published = j.cfg.Publish.Location()
	}

	j.logger.InfoContext(ctx, "batch merge complete",
		"previous", report.Previous,
		"collected", report.Collected,
		"written", report.Written,
		"fingerprint", fp,
	)
	return report, nil
}

func (j *Job) loadPrevious(ctx context.Context) ([]record.ComplianceRecord, error) {
	recs, err := j.out.LoadSnapshot(ctx)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		return nil, nil
	case err != nil:
		j.logger.WarnContext(ctx, "failed to load existing data, starting fresh", "error", err)
		return nil, nil
	}
	return recs, nil
}

// collect runs every adapter concurrently. Results are indexed like
// cfg.Adapters.
func (j *Job) collect(ctx context.Context) ([]SourceRun, [][]record.ComplianceRecord) {
	runs := make([]SourceRun, len(j.cfg.Adapters))
	fresh := make([][]record.ComplianceRecord, len(j.cfg.Adapters))

	var wg sync.WaitGroup
	for i, ad := range j.cfg.Adapters {
		wg.Add(1)
		go func(i int, ad sources.Adapter) {
			defer wg.Done()
			start := time.Now()
			fctx, done := j.obs.TrackFetch(ctx, ad.Key())
			fctx, cancel := context.WithTimeout(fctx, j.cfg.Timeout)
			defer cancel()

			j.logger.InfoContext(ctx, "running source", "source", ad.Key())
			recs, err := ad.Fetch(fctx)
			runs[i] = SourceRun{Source: ad.Key(), Records: len(recs), Duration: time.Since(start)}
			switch {
			case err != nil:
				runs[i].Error = err.Error()
				runs[i].Records = 0
				j.logger.ErrorContext(ctx, "source failed", "source", ad.Key(), "error", err)
				done(observability.OutcomeFailed, 0, err)
				return
			case len(recs) == 0:
				j.logger.WarnContext(ctx, "source returned no records", "source", ad.Key())
				done(observability.OutcomeEmpty, 0, nil)
				return
			}
			fresh[i] = recs
			j.logger.InfoContext(ctx, "source collected", "source", ad.Key(), "records", len(recs))
			done(observability.OutcomeFetched, len(recs), nil)
		}(i, ad)
	}
	wg.Wait()
	return runs, fresh
}

func (j *Job) logHealth(ctx context.Context, checks []HealthCheck) {
	for _, c := range checks {
		attrs := []any{"group", c.Group, "records", c.Records, "previous", c.Previous, "message", c.Message}
		switch c.Status {
		case Critical:
			j.logger.ErrorContext(ctx, "health check critical", attrs...)
		case Warning:
			j.logger.WarnContext(ctx, "health check warning", attrs...)
		default:
			j.logger.InfoContext(ctx, "health check ok", attrs...)
		}
	}
}

func removeOwned(recs []record.ComplianceRecord, ad sources.Adapter) []record.ComplianceRecord {
	out := make([]record.ComplianceRecord, 0, len(recs))
	for _, r := range recs {
		if !ad.Owns(r) {
			out = append(out, r)
		}
	}
	return out
}

// Normalize applies the uniform output normalisation: ISO dates, canonical
// algorithm names in the coverage and whitespace-clean classical algorithms.
func Normalize(r record.ComplianceRecord) record.ComplianceRecord {
	r.Date = record.StandardizeDate(r.Date)
	r.PQCCoverage = record.CanonicalCoverage(r.PQCCoverage)
	r.ClassicalAlgorithms = record.CleanText(r.ClassicalAlgorithms)
	return r
}
