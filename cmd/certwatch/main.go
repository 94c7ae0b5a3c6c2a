package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/aggregator"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/query"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/snapshot"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/config"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/observability"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/store/cache"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "merge":
		return runMergeCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "refresh":
		return runRefreshCmd(args[2:], stdout, stderr)
	case "sources":
		return runSourcesCmd(stdout)
	case "version":
		_, _ = fmt.Fprintf(stdout, "certwatch %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "certwatch: cryptographic certification records")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  certwatch <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "merge", "Refresh the offline dataset (--all, --fips, --acvp, --cc, --bsi, --anssi, --force, --out)")
	printCommand(w, "serve", "Serve records over HTTP and refresh them periodically")
	printCommand(w, "refresh", "Run one aggregation and print the summary (--force, --json)")
	printCommand(w, "sources", "List the configured sources in merge order")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

// setupLogging installs the default slog handler.
func setupLogging(w io.Writer, level slog.Level, format string) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func newObservability(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	oc := observability.DefaultConfig()
	oc.Enabled = cfg.OTelEnabled
	oc.OTLPEndpoint = cfg.OTelEndpoint
	if !cfg.Production() {
		oc.Environment = config.ModeDevelopment
		oc.Insecure = true
	} else {
		oc.Environment = config.ModeProduction
	}
	return observability.New(ctx, oc)
}

// registry builds the default adapters, reordered and filtered by the
// sources file.
func registry(cfg *config.Config, deep bool) (*sources.Registry, []sources.Adapter, error) {
	sf, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, nil, err
	}
	reg := sources.NewDefaultRegistry(sf.Overrides(), deep)
	return reg, sf.Apply(reg.All()), nil
}

// components is the pipeline shared by serve and refresh.
type components struct {
	registry *sources.Registry
	store    cache.Store
	records  *cache.Records
	snapshot *snapshot.Snapshot
	agg      *aggregator.Aggregator
	obs      *observability.Provider
}

func (c *components) Close(ctx context.Context) {
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			slog.Warn("cache close failed", "error", err)
		}
	}
	if c.obs != nil {
		if err := c.obs.Shutdown(ctx); err != nil {
			slog.Warn("observability shutdown failed", "error", err)
		}
	}
}

func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}
	var err error

	c.obs, err = newObservability(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	reg, adapters, err := registry(cfg, false)
	if err != nil {
		c.Close(ctx)
		return nil, err
	}
	c.registry = reg

	filter, err := query.Compile(cfg.Filter)
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("CERTWATCH_FILTER: %w", err)
	}

	c.store, err = cache.Open(ctx, cfg.Cache)
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.records = cache.NewRecords(c.store)

	c.snapshot, err = snapshot.Open(ctx, cfg.Snapshot)
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	c.agg = aggregator.New(adapters, c.snapshot, c.records, aggregator.Config{
		Production: cfg.Production(),
		Filter:     filter,
	}, aggregator.WithObservability(c.obs))
	return c, nil
}
