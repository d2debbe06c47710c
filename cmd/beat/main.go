package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/cloudscan-armada/internal/app/beat"
	"github.com/ahrav/cloudscan-armada/internal/app/bootstrap"
	"github.com/ahrav/cloudscan-armada/internal/app/cluster"
	"github.com/ahrav/cloudscan-armada/internal/config"
	"github.com/ahrav/cloudscan-armada/internal/infra/cluster/kubernetes"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage/postgres"
	"github.com/ahrav/cloudscan-armada/internal/infra/taskqueue/kafka"
	"github.com/ahrav/cloudscan-armada/pkg/common"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
)

const serviceType = "beat"

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
	if cfg.Cluster.Kubernetes.Identity == "" {
		cfg.Cluster.Kubernetes.Identity = hostname
	}
	if err := cfg.ValidateBeat(); err != nil {
		log.Fatalf("%v", err)
	}

	if err := run(cfg, hostname); err != nil {
		log.Fatalf("beat: %v", err)
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

	queueMetrics, err := kafka.NewQueueMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create queue metrics: %w", err)
	}
	queue, err := bootstrap.ConnectQueue(cfg.Kafka, fmt.Sprintf("%s-%s", serviceType, hostname), queueMetrics, log, tracer)
	if err != nil {
		return err
	}
	defer queue.Close()

	coord, err := newCoordinator(cfg.Cluster, log, tracer)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	defer coord.Stop()

	b := beat.New(
		postgres.NewPeriodicTaskStore(pool, tracer),
		queue,
		timeutil.Default(),
		cfg.Beat.Interval,
		log,
		tracer,
	)
	coord.OnLeadershipChange(b.SetLeader)

	log.Info(ctx, "Beat initialized", "cluster_mode", cfg.Cluster.Mode)
	ready.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Start(gctx) })
	g.Go(func() error { return b.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info(context.Background(), "Beat stopped")
	return nil
}

func newCoordinator(cfg config.ClusterConfig, log *logger.Logger, tracer trace.Tracer) (cluster.Coordinator, error) {
	if cfg.Mode == config.ClusterKubernetes {
		return kubernetes.NewCoordinator(cfg.Kubernetes, log, tracer)
	}
	return cluster.NewStandalone(), nil
}
