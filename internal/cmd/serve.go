package cmd

import (
	"context"
	"fmt"
	"time"

	"echoattime/internal/config"
	"echoattime/internal/delivery"
	"echoattime/internal/deliverylog"
	"echoattime/internal/dispatcher"
	"echoattime/internal/executor"
	"echoattime/internal/fetcher"
	"echoattime/internal/health"
	"echoattime/internal/intake"
	"echoattime/internal/journal"
	"echoattime/internal/lock"
	"echoattime/internal/log"
	"echoattime/internal/metrics"
	"echoattime/internal/pool"
	"echoattime/internal/retry"
	"echoattime/internal/server"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout      = 10 * time.Second
	deliveryLogRetention = 10 * 24 * time.Hour
	deliveryLogSweep     = time.Hour
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the dispatcher with the intake and metrics servers",
		Aliases: []string{"start"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := runServe(cmd.Context(), cfg, logger); err != nil {
				logger.Error("Server stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("http", "", "Intake listen address (overrides HTTP_ADDR)")
	f.String("metrics", "", "Metrics listen address (overrides METRICS_ADDR)")
	f.Int("workers", 0, "Worker pool size (overrides WORKER_COUNT)")
	f.Int("batch-size", 0, "Messages fetched per cycle (overrides BATCH_SIZE)")
	return cmd
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	if f.Lookup("http") != nil && f.Changed("http") {
		cfg.HTTPAddr, err = f.GetString("http")
	}
	if err == nil && f.Lookup("metrics") != nil && f.Changed("metrics") {
		cfg.MetricsAddr, err = f.GetString("metrics")
	}
	if err == nil && f.Lookup("workers") != nil && f.Changed("workers") {
		cfg.WorkerCount, err = f.GetInt("workers")
	}
	if err == nil && f.Lookup("batch-size") != nil && f.Changed("batch-size") {
		cfg.BatchSize, err = f.GetInt("batch-size")
	}
	return err
}

// runServe wires the components and blocks until ctx is done or one of them
// fails.
func runServe(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	sinks := delivery.Multi{delivery.NewLog(logger.Named("delivery"))}
	var dlog *deliverylog.Log
	if cfg.DeliveryLogDir != "" {
		dlog, err = deliverylog.Open(cfg.DeliveryLogDir)
		if err != nil {
			return err
		}
		defer dlog.Close()
		sinks = append(sinks, dlog)
	}
	var j *journal.Journal
	if cfg.DatabaseURL != "" {
		j, err = journal.Open(ctx, cfg.DatabaseURL, logger.Named("journal"))
		if err != nil {
			return err
		}
		defer j.Close()
		sinks = append(sinks, j)
	}

	exec := executor.New(
		st,
		lock.NewManager(st, cfg.LockTTL),
		sinks,
		cfg.QueueKey,
		m,
		logger.Named("executor"),
		executor.WithPolicy(retry.Policy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.RetryBackoff}),
	)
	workers := pool.New(cfg.WorkerCount, cfg.BatchSize, logger.Named("pool"))
	disp := dispatcher.New(
		fetcher.New(st, cfg.QueueKey, logger.Named("fetcher")),
		exec,
		workers,
		dispatcher.Options{
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
			ErrorPause:   cfg.ErrorPause,
			TaskTimeout:  cfg.TaskTimeout,
		},
		m,
		logger.Named("dispatcher"),
	)
	staleness := 2*cfg.TaskTimeout + cfg.ErrorPause
	monitor := health.NewMonitor(st, disp, cfg.HealthInterval, staleness, m, logger.Named("health"))
	in := intake.New(st, cfg.QueueKey, m, logger.Named("intake"))

	r := chi.NewRouter()
	deps := server.Deps{
		Intake:    in,
		Health:    monitor,
		RateLimit: cfg.RateLimit,
		Logger:    logger.Named("http"),
	}
	if j != nil {
		deps.Journal = j
	}
	server.SetupRouter(r, deps)
	apiSrv, err := server.New(cfg.HTTPAddr, r, cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return err
	}
	metricsSrv, err := server.New(cfg.MetricsAddr, m.Handler(), "", "")
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		m.CollectDepth(gctx, st, cfg.QueueKey, cfg.HealthInterval, logger.Named("metrics"))
		return nil
	})
	g.Go(func() error { return server.Serve(gctx, apiSrv, shutdownTimeout, logger.Named("http")) })
	g.Go(func() error { return server.Serve(gctx, metricsSrv, shutdownTimeout, logger.Named("metrics")) })
	if dlog != nil {
		g.Go(func() error {
			sweepDeliveryLog(gctx, dlog, logger)
			return nil
		})
	}

	logger.Info("echoattime started",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.String("queue", cfg.QueueKey))
	runErr := g.Wait()

	logger.Info("Shutting down")
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.TaskTimeout)
	defer cancel()
	if err := workers.Close(closeCtx); err != nil {
		logger.Warn("Worker pool did not drain before the deadline", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("serve: %w", runErr)
	}
	return nil
}

func sweepDeliveryLog(ctx context.Context, dlog *deliverylog.Log, logger *log.Logger) {
	ticker := time.NewTicker(deliveryLogSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dlog.Cleanup(deliveryLogRetention); err != nil {
				logger.Error("Failed to clean delivery logs", zap.Error(err))
			}
		}
	}
}
