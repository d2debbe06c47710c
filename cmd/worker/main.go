package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/cloudscan-armada/internal/app/bootstrap"
	"github.com/ahrav/cloudscan-armada/internal/app/deletion"
	"github.com/ahrav/cloudscan-armada/internal/app/integrations"
	"github.com/ahrav/cloudscan-armada/internal/app/pipeline"
	"github.com/ahrav/cloudscan-armada/internal/app/report"
	"github.com/ahrav/cloudscan-armada/internal/app/scan"
	"github.com/ahrav/cloudscan-armada/internal/app/schedule"
	"github.com/ahrav/cloudscan-armada/internal/app/worker"
	"github.com/ahrav/cloudscan-armada/internal/config"
	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/internal/infra/artifacts/s3store"
	"github.com/ahrav/cloudscan-armada/internal/infra/checks/docker"
	"github.com/ahrav/cloudscan-armada/internal/infra/compliance"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage/postgres"
	"github.com/ahrav/cloudscan-armada/internal/infra/taskqueue/kafka"
	"github.com/ahrav/cloudscan-armada/pkg/common"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
)

const serviceType = "worker"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("CLOUDSCAN_CONFIG"), "path to a YAML config file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("%v", err)
	}

	if err := run(cfg, hostname); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func run(cfg *config.Config, hostname string) error {
	log := bootstrap.NewLogger(cfg, serviceType, hostname)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, telemetryTeardown, err := bootstrap.InitTelemetry(log, cfg, hostname)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(context.Background()); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	pool, err := bootstrap.OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Info(ctx, "Migrations applied successfully. Starting worker...")

	mp := otel.GetMeterProvider()
	queueMetrics, err := kafka.NewQueueMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create queue metrics: %w", err)
	}
	workerMetrics, err := worker.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create worker metrics: %w", err)
	}
	reportMetrics, err := report.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create report metrics: %w", err)
	}

	queue, err := bootstrap.ConnectQueue(cfg.Kafka, fmt.Sprintf("%s-%s", serviceType, hostname), queueMetrics, log, tracer)
	if err != nil {
		return err
	}
	defer queue.Close()

	objectStore, err := s3store.New(ctx, cfg.ObjectStore, tracer)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	dockerClient, err := docker.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer dockerClient.Close()
	runner := docker.NewRunner(dockerClient, cfg.Engine, log, tracer)

	catalog, err := loadCatalog(cfg.Compliance)
	if err != nil {
		return fmt.Errorf("failed to load compliance catalog: %w", err)
	}

	queues, err := tasks.ParseQueues(cfg.Worker.Queues)
	if err != nil {
		return err
	}

	var limiter *common.RateLimiter
	if cfg.Worker.RateLimit > 0 {
		limiter = common.NewRateLimiter(cfg.Worker.RateLimit, cfg.Worker.RateBurst)
	}

	clock := timeutil.Default()
	scope := postgres.NewTenantScope(pool, tracer)
	scans := postgres.NewScanRunStore(pool, tracer)
	findings := postgres.NewFindingStore(pool, tracer)
	providers := postgres.NewProviderStore(pool, tracer)
	summaries := postgres.NewSummaryStore(pool, tracer)
	overviews := postgres.NewComplianceOverviewStore(pool, tracer)
	periodic := postgres.NewPeriodicTaskStore(pool, tracer)
	integrationRepo := postgres.NewIntegrationStore(pool, tracer)

	registry := worker.NewRegistry(workerMetrics, log, tracer)
	fanout := pipeline.NewPostScanFanout(queue, tracer)

	executor := scan.NewExecutor(scans, findings, providers, runner, limiter, clock, log, tracer)
	finalizer := report.NewFinalizer(
		scans, integrationRepo, objectStore, pipeline.NewAwaitMirror(registry), reportMetrics, log, tracer,
	)
	generator := report.NewGenerator(
		scans, findings, summaries, providers, catalog, finalizer,
		report.Config{
			BatchSize: cfg.Report.BatchSize,
			PageSize:  cfg.Report.PageSize,
			OutputDir: cfg.Report.OutputDir,
		},
		reportMetrics, log, tracer,
	)

	orchestrator := pipeline.NewOrchestrator(registry, fanout, pipeline.Services{
		Executor:     executor,
		Scheduler:    schedule.NewDeduplicator(scope, scans, periodic, executor, fanout, clock, log, tracer),
		Summaries:    scan.NewSummaryAggregator(findings, summaries, cfg.Report.PageSize, log, tracer),
		Overviews:    scan.NewOverviewMaterializer(scans, providers, findings, overviews, catalog, cfg.Report.PageSize, log, tracer),
		Reports:      generator,
		Integrations: integrations.NewChecker(integrationRepo, queue, log, tracer),
		Mirror:       integrations.NewS3Delivery(integrationRepo, objectStore, cfg.Worker.MirrorConcurrency, log, tracer),
		Notifier: integrations.NewSlackNotifier(
			integrationRepo, scans, summaries, integrations.NewHTTPClient(cfg.Worker.WebhookTimeout), log, tracer,
		),
		Deletion: deletion.NewService(
			postgres.NewDeletionStore(pool, tracer), periodic, cfg.Worker.DeletionBatchSize, log, tracer,
		),
	}, log, tracer)
	orchestrator.RegisterHandlers(ctx)

	w := worker.NewWorker(queue, registry, queues, workerMetrics, log, tracer)

	log.Info(ctx, "Worker initialized", "queues", cfg.Worker.Queues)
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info(ctx, "Received shutdown signal")
		ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		select {
		case err := <-errCh:
			return err
		case <-shutdownCtx.Done():
			return fmt.Errorf("worker did not stop in time: %w", shutdownCtx.Err())
		}
	case err := <-errCh:
		return err
	}
}

func loadCatalog(cfg config.ComplianceConfig) (*compliance.Catalog, error) {
	if cfg.Dir == "" {
		return compliance.Builtin()
	}
	return compliance.Load(os.DirFS(cfg.Dir))
}
