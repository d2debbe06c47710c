// Package worker executes task signatures: it resolves handlers by task name,
// applies retry policies, and continues canvas chains once a task succeeds.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
)

// Handler executes a single task invocation.
type Handler func(ctx context.Context, sig tasks.Signature) (tasks.Result, error)

// RetryPolicy controls how failed invocations of a task are retried.
// The zero value disables retries.
type RetryPolicy struct {
	AutoRetry       bool
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DeletionRetryPolicy retries destructive cleanup a bounded number of times
// with exponential backoff.
var DeletionRetryPolicy = RetryPolicy{
	AutoRetry:       true,
	MaxRetries:      5,
	InitialInterval: 2 * time.Second,
	MaxInterval:     time.Minute,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if !p.AutoRetry || p.MaxRetries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

// HandlerNotFoundError is returned when no handler is registered for a task.
type HandlerNotFoundError struct{ Name tasks.Name }

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for task: %s", e.Name)
}

type registration struct {
	handler Handler
	policy  RetryPolicy
}

// Registry maps task names to their handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[tasks.Name]registration

	metrics Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewRegistry creates an empty Registry.
func NewRegistry(metrics Metrics, logger *logger.Logger, tracer trace.Tracer) *Registry {
	return &Registry{
		handlers: make(map[tasks.Name]registration),
		metrics:  metrics,
		logger:   logger.With("component", "task_registry"),
		tracer:   tracer,
	}
}

// Register binds handler to name, replacing any previous binding.
func (r *Registry) Register(ctx context.Context, name tasks.Name, handler Handler, policy RetryPolicy) {
	_, span := r.tracer.Start(ctx, "task_registry.register",
		trace.WithAttributes(
			attribute.String("task.name", name.String()),
			attribute.Bool("task.auto_retry", policy.AutoRetry),
		))
	defer span.End()

	r.mu.Lock()
	r.handlers[name] = registration{handler: handler, policy: policy}
	r.mu.Unlock()

	span.AddEvent("handler_registered")
}

func (r *Registry) lookup(name tasks.Name) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	return reg, ok
}

// Names returns the registered task names.
func (r *Registry) Names() []tasks.Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]tasks.Name, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}

// Execute runs the handler bound to sig.Name, retrying according to its
// policy. It returns the result of the last attempt.
func (r *Registry) Execute(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	ctx, span := r.tracer.Start(ctx, "task_registry.execute",
		trace.WithAttributes(
			attribute.String("task.name", sig.Name.String()),
			attribute.String("task.id", sig.ID),
			attribute.String("tenant_id", sig.TenantID.String()),
		))
	defer span.End()

	reg, ok := r.lookup(sig.Name)
	if !ok {
		err := &HandlerNotFoundError{Name: sig.Name}
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler not found")
		return nil, err
	}

	log := r.logger.With("task", sig.Name.String(), "task_id", sig.ID)
	start := time.Now()

	var result tasks.Result
	attempt := sig.Attempt
	op := func() error {
		current := sig
		current.Attempt = attempt
		res, err := reg.handler(ctx, current)
		if err != nil {
			attempt++
			return err
		}
		result = res
		return nil
	}
	// Called only when another attempt is scheduled.
	notify := func(err error, wait time.Duration) {
		r.metrics.IncTasksRetried(ctx, sig.Name)
		log.Warn(ctx, "Task attempt failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, reg.policy.backOff(ctx), notify)
	r.metrics.ObserveTaskDuration(ctx, sig.Name, time.Since(start))
	if err != nil {
		r.metrics.IncTasksFailed(ctx, sig.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		return nil, fmt.Errorf("task %s failed: %w", sig.Name, err)
	}

	r.metrics.IncTasksSucceeded(ctx, sig.Name)
	span.SetStatus(codes.Ok, "task succeeded")
	return result, nil
}

// Await executes sig in the calling goroutine and returns its result. It is
// used where a caller must not proceed until a sub-task has finished.
func (r *Registry) Await(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	ctx, span := r.tracer.Start(ctx, "task_registry.await",
		trace.WithAttributes(attribute.String("task.name", sig.Name.String())))
	defer span.End()

	return r.Execute(ctx, sig)
}
