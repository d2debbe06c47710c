package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
)

// Metrics records task execution activity.
type Metrics interface {
	IncTasksSucceeded(ctx context.Context, name tasks.Name)
	IncTasksFailed(ctx context.Context, name tasks.Name)
	IncTasksRetried(ctx context.Context, name tasks.Name)
	IncChainsContinued(ctx context.Context, name tasks.Name)
	ObserveTaskDuration(ctx context.Context, name tasks.Name, d time.Duration)
}

type workerMetrics struct {
	tasksSucceeded  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	tasksRetried    metric.Int64Counter
	chainsContinued metric.Int64Counter
	taskDuration    metric.Float64Histogram
}

const namespace = "worker"

// NewMetrics creates the worker metrics instruments.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.tasksSucceeded, err = meter.Int64Counter(
		"tasks_succeeded_total",
		metric.WithDescription("Total number of task invocations that succeeded"),
	); err != nil {
		return nil, err
	}

	if m.tasksFailed, err = meter.Int64Counter(
		"tasks_failed_total",
		metric.WithDescription("Total number of task invocations that failed after retries"),
	); err != nil {
		return nil, err
	}

	if m.tasksRetried, err = meter.Int64Counter(
		"tasks_retried_total",
		metric.WithDescription("Total number of failed task attempts eligible for retry"),
	); err != nil {
		return nil, err
	}

	if m.chainsContinued, err = meter.Int64Counter(
		"chains_continued_total",
		metric.WithDescription("Total number of chained tasks enqueued after their predecessor succeeded"),
	); err != nil {
		return nil, err
	}

	if m.taskDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Time spent executing a task, including retries"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func taskAttr(name tasks.Name) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("task", name.String()))
}

func (m *workerMetrics) IncTasksSucceeded(ctx context.Context, name tasks.Name) {
	m.tasksSucceeded.Add(ctx, 1, taskAttr(name))
}

func (m *workerMetrics) IncTasksFailed(ctx context.Context, name tasks.Name) {
	m.tasksFailed.Add(ctx, 1, taskAttr(name))
}

func (m *workerMetrics) IncTasksRetried(ctx context.Context, name tasks.Name) {
	m.tasksRetried.Add(ctx, 1, taskAttr(name))
}

func (m *workerMetrics) IncChainsContinued(ctx context.Context, name tasks.Name) {
	m.chainsContinued.Add(ctx, 1, taskAttr(name))
}

func (m *workerMetrics) ObserveTaskDuration(ctx context.Context, name tasks.Name, d time.Duration) {
	m.taskDuration.Record(ctx, d.Seconds(), taskAttr(name))
}
