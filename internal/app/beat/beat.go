// Package beat fires recurring scan triggers. Exactly one beat instance
// should be leading at any time; the scheduled-scan deduplicator absorbs the
// occasional double fire during a leadership handover.
package beat

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
)

const defaultInterval = 30 * time.Second

// Beat enqueues due periodic tasks on a fixed tick while this instance
// holds leadership.
type Beat struct {
	periodic  scanning.PeriodicTaskRepository
	publisher tasks.Publisher
	clock     timeutil.Provider
	interval  time.Duration

	leading atomic.Bool

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a Beat. A non-positive interval falls back to 30s.
func New(
	periodic scanning.PeriodicTaskRepository,
	publisher tasks.Publisher,
	clock timeutil.Provider,
	interval time.Duration,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Beat {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Beat{
		periodic:  periodic,
		publisher: publisher,
		clock:     clock,
		interval:  interval,
		logger:    logger.With("component", "scheduler_beat"),
		tracer:    tracer,
	}
}

// SetLeader records a leadership change. It is meant to be registered with
// cluster.Coordinator.OnLeadershipChange.
func (b *Beat) SetLeader(isLeader bool) {
	if b.leading.Swap(isLeader) != isLeader {
		b.logger.Info(context.Background(), "Beat leadership changed", "leader", isLeader)
	}
}

// Leading reports whether this instance currently fires triggers.
func (b *Beat) Leading() bool { return b.leading.Load() }

// Run ticks until ctx is cancelled. Ticks taken while not leading are
// skipped.
func (b *Beat) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info(ctx, "Scheduler beat started", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !b.Leading() {
				continue
			}
			if _, err := b.Tick(ctx); err != nil {
				b.logger.Error(ctx, "Beat tick failed", "error", err)
			}
		}
	}
}

// Tick enqueues every due periodic task and records its run. It returns the
// number of triggers fired. One failing task does not stop the others.
func (b *Beat) Tick(ctx context.Context) (int, error) {
	ctx, span := b.tracer.Start(ctx, "scheduler_beat.tick")
	defer span.End()

	now := b.clock.Now()
	due, err := b.periodic.ListDue(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list due tasks")
		return 0, fmt.Errorf("listing due periodic tasks: %w", err)
	}

	var (
		fired int
		errs  error
	)
	for _, pt := range due {
		if err := b.fire(ctx, pt, now); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		fired++
	}

	span.SetAttributes(
		attribute.Int("tasks.due", len(due)),
		attribute.Int("tasks.fired", fired),
	)
	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, "some triggers failed")
		return fired, errs
	}
	span.SetStatus(codes.Ok, "tick complete")
	return fired, nil
}

func (b *Beat) fire(ctx context.Context, pt *scanning.PeriodicTask, now time.Time) error {
	name := tasks.Name(pt.TaskName)
	if name == "" {
		name = tasks.ScanPerformScheduled
	}
	sig := tasks.NewSignature(name, pt.TenantID, tasks.Args{"provider_id": pt.ProviderID.String()})

	if err := b.publisher.Enqueue(ctx, sig); err != nil {
		return fmt.Errorf("enqueueing %s: %w", pt.Name, err)
	}
	if err := b.periodic.MarkRun(ctx, pt.Name, now); err != nil {
		return fmt.Errorf("marking %s run: %w", pt.Name, err)
	}
	b.logger.Debug(ctx, "Periodic task fired", "periodic_task", pt.Name, "task_id", sig.ID, "tenant_id", pt.TenantID)
	return nil
}
