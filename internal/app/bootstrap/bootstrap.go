// Package bootstrap holds the process wiring shared by the worker and beat
// binaries: logging, telemetry, the database pool and the task queue.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/config"
	"github.com/ahrav/cloudscan-armada/internal/infra/taskqueue/kafka"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/otel"
)

// NewLogger builds the structured process logger. Error records are mirrored
// to stderr as JSON events.
func NewLogger(cfg *config.Config, serviceType, hostname string) *logger.Logger {
	events := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
				"span_id":       otel.GetSpanID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	metadata := map[string]string{
		"service":   cfg.Service.Name,
		"hostname":  hostname,
		"pod":       cfg.Service.PodName,
		"namespace": cfg.Service.Namespace,
		"app":       serviceType,
	}
	return logger.NewWithMetadata(os.Stdout, cfg.LogLevel(), cfg.Service.Name, traceIDFn, events, metadata)
}

// InitTelemetry installs the global tracer and meter providers and returns a
// tracer for the service.
func InitTelemetry(log *logger.Logger, cfg *config.Config, hostname string) (trace.Tracer, func(context.Context), error) {
	tp, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Service.Name,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/healthz": {},
			"/readyz":  {},
		},
		Probability: cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     cfg.Service.PodName,
			"k8s.namespace":    cfg.Service.Namespace,
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, nil, err
	}
	return tp.Tracer(cfg.Service.Name), teardown, nil
}

// OpenPostgres connects the traced pool and applies pending migrations.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := runMigrations(pool, cfg.MigrationsPath); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return pool, nil
}

// runMigrations applies every up migration found at source.
func runMigrations(pool *pgxpool.Pool, source string) error {
	// db shares pool and is left open.
	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// ConnectQueue creates the Kafka-backed task queue.
func ConnectQueue(
	cfg config.KafkaConfig,
	clientID string,
	metrics kafka.QueueMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) (*kafka.Queue, error) {
	qcfg := &kafka.Config{
		Brokers:        cfg.Brokers,
		TopicPrefix:    cfg.TopicPrefix,
		GroupID:        cfg.GroupID,
		ClientID:       clientID,
		CommitInterval: cfg.CommitInterval,
	}
	client, err := kafka.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	queue, err := kafka.ConnectQueue(qcfg, client, log, metrics, tracer)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return queue, nil
}
