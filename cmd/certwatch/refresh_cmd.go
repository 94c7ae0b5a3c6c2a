package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/config"
)

// runRefreshCmd runs one session refresh and prints what it produced.
// A refresh never fails hard: exit code 1 means it finished with an error
// recorded and whatever data was available.
func runRefreshCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("refresh", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		force      bool
		jsonOutput bool
		logFormat  string
	)
	cmd.BoolVar(&force, "force", false, "Ignore cache freshness")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the records as JSON")
	cmd.StringVar(&logFormat, "log-format", "json", "Log format: json or text")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogging(stderr, cfg.SlogLevel(), logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer c.Close(context.WithoutCancel(ctx))

	sess := newSession(c)
	st := sess.Refresh(ctx, force)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := sess.Close(closeCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		_, _ = fmt.Fprintf(stderr, "Warning: %v\n", err)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(st, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "%d records", len(st.Records))
		if !st.LastUpdated.IsZero() {
			_, _ = fmt.Fprintf(stdout, ", last updated %s", st.LastUpdated.UTC().Format(time.RFC3339))
		}
		_, _ = fmt.Fprintln(stdout)
		for _, s := range st.Sources {
			_, _ = fmt.Fprintf(stdout, "  %-8s %6d records  fetched=%t cached=%t timed_out=%t %s\n",
				s.Source, s.Records, s.Fetched, s.FromCache, s.TimedOut, s.Error)
		}
		if st.Fingerprint != "" {
			_, _ = fmt.Fprintf(stdout, "  fingerprint %s\n", st.Fingerprint)
		}
	}

	if st.Error != "" {
		_, _ = fmt.Fprintf(stderr, "Refresh finished with error: %s\n", st.Error)
		return 1
	}
	return 0
}

func runSourcesCmd(stdout io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "Error: %v\n", err)
		return 2
	}
	_, adapters, err := registry(cfg, false)
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "Error: %v\n", err)
		return 2
	}
	for i, a := range adapters {
		_, _ = fmt.Fprintf(stdout, "%d. %-6s v%s\n", i+1, a.Key(), a.Version())
	}
	return 0
}
