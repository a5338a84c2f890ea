package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/rota/internal/api"
	"github.com/mattjoyce/rota/internal/auth"
	"github.com/mattjoyce/rota/internal/config"
	"github.com/mattjoyce/rota/internal/dispatch"
	"github.com/mattjoyce/rota/internal/events"
	"github.com/mattjoyce/rota/internal/joblog"
	"github.com/mattjoyce/rota/internal/lock"
	"github.com/mattjoyce/rota/internal/log"
	"github.com/mattjoyce/rota/internal/metrics"
	"github.com/mattjoyce/rota/internal/roster"
	"github.com/mattjoyce/rota/internal/storage"
	"github.com/mattjoyce/rota/internal/tracing"
	"github.com/mattjoyce/rota/internal/transport"
)

func newSystemStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the dispatcher in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}
}

// runSystem wires every component and blocks until ctx is cancelled or a
// component fails.
func runSystem(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("rota starting", "version", version, "config", cfg.SourcePath, "config_digest", cfg.Digest)

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(cfg.Service.Name, os.Stderr)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	if cfg.State.Path != ":memory:" {
		stateLock, err := lock.Acquire(cfg.State.Path)
		if err != nil {
			return err
		}
		defer stateLock.Release()
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open job log: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	store := joblog.NewStore(db)
	pruner, err := joblog.NewPruner(store, cfg.State.JobLogRetention, cfg.State.PruneSchedule)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink, err := metrics.NewPromSink(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hub := events.NewHub(cfg.Events.Buffer)
	disp := dispatch.New(roster.New(log.WithComponent("roster")),
		dispatch.WithRecorder(store),
		dispatch.WithMetrics(sink),
		dispatch.WithPublisher(hub),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	done := make(chan struct{}, 3)
	running := 0

	start := func(name string, fn func(context.Context) error) {
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("transport", func(ctx context.Context) error {
		return transport.NewServer(disp).ListenAndServe(ctx, cfg.Transport.Listen)
	})
	start("pruner", pruner.Start)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, disp, store, hub, reg, log.WithComponent("api"))
		start("api", apiServer.Start)
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("rota running (press Ctrl+C to stop)", "transport", cfg.Transport.Listen)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("component failed", "error", runErr)
	}
	cancel()
	for ; running > 0; running-- {
		<-done
	}

	logger.Info("rota stopped")
	return runErr
}
