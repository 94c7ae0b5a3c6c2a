package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/api"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/enrich"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/session"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/config"
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr      string
		logFormat string
		rps       float64
		burst     int
	)
	cmd.StringVar(&addr, "addr", "", "Listen address (default :$PORT)")
	cmd.StringVar(&logFormat, "log-format", "json", "Log format: json or text")
	cmd.Float64Var(&rps, "rps", 10, "Per-client request rate; 0 disables rate limiting")
	cmd.IntVar(&burst, "burst", 20, "Per-client burst")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if addr == "" {
		addr = ":" + cfg.Port
	}
	setupLogging(stderr, cfg.SlogLevel(), logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, addr, rps, burst); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "certwatch stopped")
	return 0
}

// newSession wires the enrichment service, owned by the ACVP adapter, into a
// session over c.
func newSession(c *components) *session.Session {
	set := record.NewSet(nil)
	var svc *enrich.Service
	if owner, ok := c.registry.Get(sources.KeyACVP); ok && c.registry.Detail() != nil {
		svc = enrich.New(set, c.registry.Detail(), c.records, owner,
			enrich.WithCoalescer(enrich.NewCoalescer(enrich.DefaultWindow)),
			enrich.WithObservability(c.obs),
		)
	}
	return session.New(c.agg, set, svc)
}

func serve(ctx context.Context, cfg *config.Config, addr string, rps float64, burst int) error {
	logger := slog.Default().With("component", "serve")

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close(context.WithoutCancel(ctx))

	sess := newSession(c)

	var limiter *api.RateLimiter
	if rps > 0 {
		limiter = api.NewRateLimiter(ctx, rps, burst)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(sess).Handler(api.NewJWTValidator(cfg.JWTSecret), limiter),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(gctx, cfg.RefreshInterval)
	})
	g.Go(func() error {
		logger.Info("listening", "addr", addr, "mode", cfg.Mode, "snapshot", c.snapshot.Location())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
