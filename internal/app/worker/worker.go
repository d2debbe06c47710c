package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// Worker consumes signatures from a queue, executes them through a Registry
// and enqueues the next link of each successful signature's chain.
type Worker struct {
	queue    tasks.Queue
	registry *Registry
	queues   []tasks.QueueName

	metrics Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewWorker creates a Worker bound to queues. An empty queues list consumes
// every known queue.
func NewWorker(
	queue tasks.Queue,
	registry *Registry,
	queues []tasks.QueueName,
	metrics Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Worker {
	if len(queues) == 0 {
		queues = tasks.AllQueues
	}
	return &Worker{
		queue:    queue,
		registry: registry,
		queues:   queues,
		metrics:  metrics,
		logger:   logger.With("component", "task_worker"),
		tracer:   tracer,
	}
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "Task worker started", "queues", w.queues)
	err := w.queue.Consume(ctx, w.queues, w.Handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consuming task queues: %w", err)
	}
	return nil
}

// Handle executes one delivered signature. Task failures are terminal and
// acknowledged; only a failure to enqueue the chain continuation is returned
// so the transport redelivers the signature.
func (w *Worker) Handle(ctx context.Context, sig tasks.Signature) error {
	ctx, span := w.tracer.Start(ctx, "task_worker.handle",
		trace.WithAttributes(
			attribute.String("task.name", sig.Name.String()),
			attribute.String("task.id", sig.ID),
			attribute.Int("task.chain_length", len(sig.Chain)),
		))
	defer span.End()

	log := w.logger.With("task", sig.Name.String(), "task_id", sig.ID, "tenant_id", sig.TenantID.String())

	if _, err := w.registry.Execute(ctx, sig); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		var notFound *HandlerNotFoundError
		if errors.As(err, &notFound) {
			log.Error(ctx, "Dropping task with no registered handler", "error", err)
			return nil
		}
		log.Error(ctx, "Task failed", "error", err, "dropped_chain_links", len(sig.Chain))
		return nil
	}

	next, ok := sig.Next()
	if !ok {
		span.SetStatus(codes.Ok, "task completed")
		return nil
	}
	if next.TenantID == uuid.Nil {
		next.TenantID = sig.TenantID
	}

	if err := w.queue.Enqueue(ctx, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to continue chain")
		return fmt.Errorf("enqueueing chained task %s: %w", next.Name, err)
	}
	w.metrics.IncChainsContinued(ctx, next.Name)
	span.AddEvent("chain_continued", trace.WithAttributes(attribute.String("next", next.Name.String())))
	span.SetStatus(codes.Ok, "task completed")
	log.Debug(ctx, "Continued chain", "next", next.Name.String())

	return nil
}

// EnqueueAll publishes every signature of a group. It stops at the first
// failure.
func EnqueueAll(ctx context.Context, pub tasks.Publisher, group []tasks.Signature) error {
	for _, sig := range group {
		if err := pub.Enqueue(ctx, sig); err != nil {
			return fmt.Errorf("enqueueing %s: %w", sig.Name, err)
		}
	}
	return nil
}
