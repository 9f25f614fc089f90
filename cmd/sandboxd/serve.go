package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/sandboxlab/sandboxd/internal/collector"
	"github.com/sandboxlab/sandboxd/internal/config"
	"github.com/sandboxlab/sandboxd/internal/domain"
	"github.com/sandboxlab/sandboxd/internal/gateway/httpapi"
	"github.com/sandboxlab/sandboxd/internal/healthledger"
	"github.com/sandboxlab/sandboxd/internal/healthsweep"
	"github.com/sandboxlab/sandboxd/internal/notifier"
	"github.com/sandboxlab/sandboxd/internal/observability"
	"github.com/sandboxlab/sandboxd/internal/orchestrator"
	"github.com/sandboxlab/sandboxd/internal/pipeline"
	"github.com/sandboxlab/sandboxd/internal/ratelimit"
	"github.com/sandboxlab/sandboxd/internal/resultstore"
	"github.com/sandboxlab/sandboxd/internal/vmcontrol"
	"github.com/sandboxlab/sandboxd/internal/vmpool"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis orchestrator and HTTP API gateway",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDBOX_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting sandboxd", slog.String("config", serveConfigPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := newMetricsIfEnabled(cfg)
	tracerSetup, err := observability.NewTracerSetup(tracingConfig(cfg))
	if err != nil {
		return err
	}
	defer tracerSetup.Shutdown(context.Background())
	tracer := tracerSetup.Tracer()

	ledger, err := healthledger.Open(storageConfig(cfg), logger)
	if err != nil {
		return err
	}

	specs := toVMSpecs(cfg.VMs)
	pool := vmpool.New(specs, ledger)
	controller := vmcontrol.NewVBoxController(cfg.Analysis.ControllerBin(), cfg.Analysis.ControllerTimeout(), logger)
	collectors := collector.DefaultRegistry()

	var dispatcher *notifier.Dispatcher
	if cfg.Notification != nil && cfg.Notification.Enabled {
		dispatcher = notifier.NewDispatcher(cfg.Notification.WebhookURLs, logger)
	}

	pl := pipeline.New(pool, controller, collectors, ledger, tracer, logger, cfg.Analysis.DwellTime(), cfg.Analysis.GraceWindow())
	store := resultstore.New()
	orch := orchestrator.New(pl, store, cfg.Analysis.MaxConcurrentVMsOrDefault(), cfg.Analysis.QueueCapacity(), cfg.Analysis.PerVMMaxTimeout(), logger)
	orch.SetNotifier(dispatcher)
	orch.Start(ctx)

	checker := healthsweep.NewChecker(controller, ledger, specs, cfg.Analysis.SweepInterval(), pool.IsHeld, logger)
	checker.SetNotifier(dispatcher)
	go checker.Run(ctx)

	cronScheduler := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)))
	if cfg.Analysis.RetentionCron != "" {
		retentionJob := healthsweep.NewRetentionJob(store, cfg.Analysis.RetentionWindow(), logger)
		if _, err := retentionJob.Schedule(cronScheduler, cfg.Analysis.RetentionCron); err != nil {
			return err
		}
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.AddCheck("vm_health_ledger", func(ctx context.Context) error {
		_, err := ledger.List()
		return err
	})

	gw := httpapi.NewGateway(httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKey:         cfg.Server.APIKey,
		UploadDir:      cfg.Server.UploadDir,
		MaxUploadSize:  cfg.Server.MaxFileSize(),
		RequestTimeout: cfg.Server.RequestTimeout(),
		HealthChecker:  healthChecker,
		Metrics:        metrics,
		Tracer:         tracer,
	}, store, orch, specs, limiter, logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("shutting down http gateway", slog.Any("error", err))
	}
	orch.Stop()

	return nil
}

func newMetricsIfEnabled(cfg *config.Config) *observability.MetricsCollector {
	if cfg.Observability == nil || cfg.Observability.Metrics == nil || !cfg.Observability.Metrics.Enabled {
		return nil
	}
	return observability.NewMetricsCollector()
}

func tracingConfig(cfg *config.Config) *config.TracingConfig {
	if cfg.Observability == nil {
		return nil
	}
	return cfg.Observability.Tracing
}

func storageConfig(cfg *config.Config) *config.StorageConfig {
	if cfg.Storage == nil {
		return &config.StorageConfig{Driver: "sqlite"}
	}
	return cfg.Storage
}

func toVMSpecs(vms []config.VMConfig) []domain.VMSpec {
	specs := make([]domain.VMSpec, 0, len(vms))
	for _, vm := range vms {
		specs = append(specs, domain.VMSpec{
			Name:            vm.Name,
			AgentKind:       vm.AgentKind,
			SnapshotName:    vm.SnapshotName,
			GuestOS:         vm.GuestOS,
			GuestUser:       vm.GuestUser,
			GuestPassword:   vm.GuestPassword,
			UploadDir:       vm.GuestUploadDir,
			AgentLogDir:     vm.AgentLogDir,
			BootTimeout:     vm.BootTimeout(),
			GuestReadyProbe: vm.GuestReadyProbe,
		})
	}
	return specs
}
