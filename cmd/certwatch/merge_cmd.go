package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/batch"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/snapshot"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/config"
)

// runMergeCmd implements `certwatch merge`.
//
// Exit codes:
//
//	0 = merged, or skipped because the output is fresh
//	1 = merge failed
//	2 = usage error
func runMergeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("merge", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		all, fips, acvp, cc, bsi, anssi bool
		force, deep, jsonOutput         bool
		outPath, publishURL, logFormat  string
		timeout                         time.Duration
	)

	cmd.BoolVar(&all, "all", false, "Run every source (default when no source flag is given)")
	cmd.BoolVar(&fips, "fips", false, "Run the FIPS 140 validated modules source")
	cmd.BoolVar(&fips, "nist", false, "Alias for --fips")
	cmd.BoolVar(&acvp, "acvp", false, "Run the ACVP algorithm validations source")
	cmd.BoolVar(&cc, "cc", false, "Run the Common Criteria source")
	cmd.BoolVar(&bsi, "bsi", false, "Run the BSI (Germany) scheme source")
	cmd.BoolVar(&anssi, "anssi", false, "Run the ANSSI (France) scheme source")
	cmd.BoolVar(&force, "force", false, "Merge even if the output is less than 7 days old")
	cmd.BoolVar(&deep, "deep", false, "Resolve PQC coverage from detail pages while listing")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the run report as JSON")
	cmd.StringVar(&outPath, "out", "data/compliance.json", "Output file")
	cmd.StringVar(&publishURL, "publish", "", "Also publish the result to this snapshot location (path, s3:// or gs://)")
	cmd.StringVar(&logFormat, "log-format", "json", "Log format: json or text")
	cmd.DurationVar(&timeout, "timeout", batch.DefaultTimeout, "Upper bound for each source")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogging(stderr, cfg.SlogLevel(), logFormat)

	selected := selectSources(all, map[string]bool{
		sources.KeyFIPS:  fips,
		sources.KeyACVP:  acvp,
		sources.KeyCC:    cc,
		sources.KeyBSI:   bsi,
		sources.KeyANSSI: anssi,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := newObservability(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.WithoutCancel(ctx)) }()

	_, adapters, err := registry(cfg, deep)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	adapters = filterAdapters(adapters, selected)

	var publish *snapshot.Snapshot
	if publishURL != "" {
		publish, err = snapshot.Open(ctx, publishURL)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	job, err := batch.New(batch.Config{
		Adapters: adapters,
		Output:   outPath,
		Publish:  publish,
		Force:    force,
		Timeout:  timeout,
	}, batch.WithObservability(obs))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report, err := job.Run(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Merge failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	printReport(stdout, outPath, report)
	return 0
}

// selectSources returns the chosen keys, or nil (meaning all) when --all or
// no source flag was given.
func selectSources(all bool, flags map[string]bool) map[string]bool {
	if all {
		return nil
	}
	out := make(map[string]bool)
	for k, on := range flags {
		if on {
			out[k] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func filterAdapters(adapters []sources.Adapter, selected map[string]bool) []sources.Adapter {
	if selected == nil {
		return adapters
	}
	out := make([]sources.Adapter, 0, len(selected))
	for _, a := range adapters {
		if selected[a.Key()] {
			out = append(out, a)
		}
	}
	return out
}

func printReport(w io.Writer, outPath string, r *batch.Report) {
	if r.Skipped {
		_, _ = fmt.Fprintf(w, "%s is %s old; skipping (use --force to merge anyway)\n", outPath, r.Age.Round(time.Hour))
		return
	}
	_, _ = fmt.Fprintf(w, "Merged %d records into %s (previous %d, collected %d)\n", r.Written, outPath, r.Previous, r.Collected)
	for _, s := range r.Sources {
		status := "ok"
		if s.Error != "" {
			status = s.Error
		}
		_, _ = fmt.Fprintf(w, "  %-8s %6d records  %8s  %s\n", s.Source, s.Records, s.Duration.Round(time.Millisecond), status)
	}
	for _, h := range r.Health {
		if h.Status != batch.Healthy {
			_, _ = fmt.Fprintf(w, "  [%s] %s: %s\n", h.Status, h.Group, h.Message)
		}
	}
	if batch.HasCritical(r.Health) {
		_, _ = fmt.Fprintln(w, "  critical data loss detected; review the output before publishing")
	}
	_, _ = fmt.Fprintf(w, "  fingerprint %s\n", r.Fingerprint)
	if r.Published != "" {
		_, _ = fmt.Fprintf(w, "  published to %s\n", r.Published)
	}
}
