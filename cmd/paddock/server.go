package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/paddock-io/paddock/pkg/api"
	"github.com/paddock-io/paddock/pkg/cache"
	"github.com/paddock-io/paddock/pkg/config"
	"github.com/paddock-io/paddock/pkg/events"
	"github.com/paddock-io/paddock/pkg/health"
	"github.com/paddock-io/paddock/pkg/instance"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/migration"
	"github.com/paddock-io/paddock/pkg/novita"
	"github.com/paddock-io/paddock/pkg/queue"
	"github.com/paddock-io/paddock/pkg/reconciler"
	"github.com/paddock-io/paddock/pkg/scheduler"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/webhook"
	"github.com/paddock-io/paddock/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Paddock control plane",
	Long: `Run the HTTP API, the background worker, the scheduler and the
reconciler in one process. Configuration comes from the environment;
see the README for the variable reference.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
			cfg.ListenAddr = addr
		}
		return runServer(cfg)
	},
}

func init() {
	serverCmd.Flags().String("listen-addr", "", "HTTP listen address (overrides LISTEN_ADDR)")
}

func runServer(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("commit", Commit).Msg("paddock starting")

	ctx := context.Background()

	store, fellBack, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	if fellBack {
		logger.Warn().Msg("primary store unreachable, running on the in-memory store")
	}

	instances := cache.NewInstanceCache(store)
	products := cache.NewProductCache(store)
	templates := cache.NewTemplateCache(store)
	jobs := queue.New(store)

	broker := events.NewBroker()
	broker.Start()

	upstream := novita.NewClient(novita.Config{
		BaseURL:          cfg.APIBaseURL,
		APIKey:           cfg.APIKey,
		RequestTimeout:   cfg.RequestTimeout,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RateLimitPerMin:  cfg.RateLimitPerMin,
		Regions:          cfg.Regions,
	})

	svc := instance.NewService(instance.Config{
		DefaultRegion:  cfg.DefaultRegion,
		DefaultWebhook: cfg.WebhookURL,
		WebhookSecret:  cfg.WebhookSecret,
	}, instances, products, templates, upstream, jobs, broker)

	engine := migration.NewEngine(migration.Config{
		EligibilityInterval: cfg.Migration.EligibilityInterval,
		MaxConcurrent:       cfg.Migration.MaxConcurrent,
		DryRun:              cfg.Migration.DryRun,
	}, store, upstream, instances)

	handlers := worker.NewHandlers(worker.HandlerConfig{
		PollInterval:      cfg.PollInterval,
		StartupMaxWait:    cfg.StartupMaxWait,
		AutoStopThreshold: cfg.AutoStop.IdleThreshold,
		AutoStopDryRun:    cfg.AutoStop.DryRun,
	}, svc, health.NewChecker(health.Config{}), webhook.NewSender(), engine, broker)

	jobWorker := worker.New(jobs, worker.Config{JobTimeout: cfg.JobTimeout})
	handlers.RegisterAll(jobWorker)

	recon := reconciler.New(reconciler.Config{
		RemoveObsolete:    cfg.Sync.RemoveObsolete,
		ObsoleteRetention: cfg.Sync.ObsoleteRetention,
	}, store, instances, upstream, jobs, broker)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.AutoStopInterval = cfg.AutoStop.Interval
	schedCfg.DryRun = cfg.AutoStop.DryRun
	if !cfg.AutoStop.Enabled {
		schedCfg.AutoStopInterval = 0
	}
	schedCfg.MigrationInterval = cfg.Migration.Interval
	if !cfg.Migration.Enabled {
		schedCfg.MigrationInterval = 0
	}
	if cfg.Sync.EnableAutomatic {
		schedCfg.SyncInterval = cfg.Sync.Interval
	}
	sched := scheduler.New(schedCfg, jobs)
	sched.OnSync(func(ctx context.Context) error {
		_, err := recon.Sync(ctx, reconciler.SyncOptions{})
		return err
	})

	// Requeue jobs stranded by a previous crash and take one full
	// inventory before serving traffic. A failed initial sync is not
	// fatal; the periodic sync will catch up.
	startupCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if report, err := recon.Startup(startupCtx); err != nil {
		logger.Warn().Err(err).Msg("startup reconciliation failed, continuing")
	} else {
		logger.Info().Int("total", report.Total).Int("created", report.Created).
			Int("updated", report.Updated).Msg("startup reconciliation complete")
	}
	cancel()

	jobWorker.Start()
	sched.Start()

	collector := metrics.NewCollector(0, func(ctx context.Context) {
		if records, err := instances.List(ctx); err == nil {
			counts := make(map[string]int)
			for _, rec := range records {
				counts[string(rec.Status)]++
			}
			metrics.SetInstanceCounts(counts)
		}
		if stats, err := jobs.Stats(ctx); err == nil {
			metrics.SetJobCounts(stats.Pending, stats.Processing, stats.Completed, stats.Failed)
		}
	})
	collector.Start()

	apiSvc := api.NewService(svc, recon, sched, engine, jobs, store, upstream)
	if fellBack {
		apiSvc.MarkStoreFallback()
	}
	server := api.NewServer(api.ServerConfig{Addr: cfg.ListenAddr}, apiSvc)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown incomplete")
	}
	if err := sched.Shutdown(shutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown incomplete")
	}
	if err := jobWorker.Shutdown(shutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("worker shutdown incomplete")
	}
	collector.Stop()
	broker.Stop()

	logger.Info().Msg("paddock stopped")
	return nil
}
