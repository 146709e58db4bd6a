package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benchwork/benchwork"
	"github.com/benchwork/benchwork/pkg/api"
	"github.com/benchwork/benchwork/pkg/config"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/metrics"
	"github.com/benchwork/benchwork/pkg/pool"
	"github.com/benchwork/benchwork/pkg/scheduler"
)

// drainTimeout bounds how long a shutdown signal waits for in-flight work
// to reach a checkpoint before the process exits.
const drainTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (defaults to $BENCHWORK_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	logger.Info("benchworkd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := benchwork.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	store := benchwork.NewGormStorage(db)
	if err := store.Migrate(context.Background()); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	executors, err := executorsFromConfig(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build executors: %v", err)
	}

	runner, err := benchwork.NewRunner(store, executors, runnerOptions(cfg, logger)...)
	if err != nil {
		log.Fatalf("failed to build runner: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx); err != nil {
		log.Fatalf("failed to start runner: %v", err)
	}

	observer := metrics.NewObserver(runner.Bus(), logger)
	go func() {
		if err := observer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("benchworkd: metrics observer stopped", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, runner, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Run(ctx) }()

	serverDone := false
	select {
	case <-ctx.Done():
		logger.Info("benchworkd: shutdown signal received")
	case err := <-serverErr:
		serverDone = true
		if err != nil {
			logger.Error("benchworkd: server failed", "error", err)
		}
		stop()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := runner.Close(drainCtx); err != nil {
		logger.Error("benchworkd: drain failed", "error", err)
	}
	if !serverDone {
		if err := <-serverErr; err != nil {
			logger.Error("benchworkd: server failed", "error", err)
		}
	}

	logger.Info("benchworkd: stopped")
}

// runnerOptions maps the loaded configuration onto runner options, leaving
// component defaults alone for anything the file does not set.
func runnerOptions(cfg config.Config, logger *slog.Logger) []benchwork.RunnerOption {
	opts := []benchwork.RunnerOption{benchwork.WithLogger(logger)}

	if cfg.Budget.SoftLimitUSD > 0 || cfg.Budget.HardLimitUSD > 0 {
		opts = append(opts, benchwork.WithBudget(benchwork.Budget{
			SoftLimitUSD: cfg.Budget.SoftLimitUSD,
			HardLimitUSD: cfg.Budget.HardLimitUSD,
		}))
	}
	if d := cfg.Pool.PollInterval.Std(); d > 0 {
		opts = append(opts, benchwork.WithSchedulerOptions(scheduler.PollInterval(d)))
	}
	if poolOpts := poolOptions(cfg.Pool); len(poolOpts) > 0 {
		opts = append(opts, benchwork.WithPoolOptions(poolOpts...))
	}
	if cadence := cfg.Cadence(); cadence != nil {
		opts = append(opts, benchwork.WithSnapshots(cadence))
	}
	return opts
}

func poolOptions(p config.Pool) []pool.Option {
	var opts []pool.Option
	for class, n := range p.Slots {
		opts = append(opts, pool.Slots(core.ResourceClass(class), n))
	}
	if d := p.PollInterval.Std(); d > 0 {
		opts = append(opts, pool.PollInterval(d))
	}
	if d := p.LockTTL.Std(); d > 0 {
		opts = append(opts, pool.LockTTL(d))
	}
	if d := p.HeartbeatInterval.Std(); d > 0 {
		opts = append(opts, pool.HeartbeatInterval(d))
	}
	if d := p.DrainTimeout.Std(); d > 0 {
		opts = append(opts, pool.DrainTimeout(d))
	}
	base, ceiling := p.RetryBaseDelay.Std(), p.RetryMaxDelay.Std()
	if base > 0 || ceiling > 0 {
		if base == 0 {
			base = pool.DefaultRetryBaseDelay
		}
		if ceiling == 0 {
			ceiling = pool.DefaultRetryMaxDelay
		}
		opts = append(opts, pool.RetryBackoff(base, ceiling))
	}
	for kind, d := range p.UnitTimeouts {
		if d.Std() > 0 {
			opts = append(opts, pool.KindTimeout(core.WorkKind(kind), d.Std()))
		}
	}
	return opts
}
