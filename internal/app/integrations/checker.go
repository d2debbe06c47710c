// Package integrations delivers finished scan artifacts and notifications to
// the destinations tenants configure for their providers.
package integrations

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/integration"
	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// CheckResult is returned by the integration check task.
type CheckResult struct {
	Processed int    `json:"integrations_processed"`
	Error     string `json:"error,omitempty"`
}

// Result converts r into a task result.
func (r CheckResult) Result() tasks.Result {
	res := tasks.Result{"integrations_processed": r.Processed}
	if r.Error != "" {
		res["error"] = r.Error
	}
	return res
}

// asyncKinds maps each asynchronously delivered integration kind to the task
// that delivers every integration of that kind for a provider.
var asyncKinds = []struct {
	kind integration.Kind
	task tasks.Name
}{
	{kind: integration.KindSlack, task: tasks.IntegrationSlack},
}

// Checker fans out one delivery task per asynchronous integration kind.
type Checker struct {
	integrations integration.Repository
	publisher    tasks.Publisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewChecker creates a Checker.
func NewChecker(
	integrations integration.Repository,
	publisher tasks.Publisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Checker {
	return &Checker{
		integrations: integrations,
		publisher:    publisher,
		logger:       logger.With("component", "integration_checker"),
		tracer:       tracer,
	}
}

// Check enumerates the provider's enabled integrations and enqueues one
// delivery task per asynchronous kind present. amazon_s3 integrations are
// skipped because the report finalizer delivers them synchronously. Failures
// are reported in the result, never returned.
func (c *Checker) Check(ctx context.Context, tenantID, providerID, scanID uuid.UUID) CheckResult {
	ctx, span := c.tracer.Start(ctx, "integration_checker.check",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID.String()),
			attribute.String("provider_id", providerID.String()),
			attribute.String("scan_id", scanID.String()),
		))
	defer span.End()

	log := c.logger.With("operation", "check", "provider_id", providerID, "scan_id", scanID)

	enabled, err := c.integrations.ListEnabledForProvider(ctx, tenantID, providerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list integrations")
		log.Error(ctx, "Integration check failed", "error", err)
		return CheckResult{Error: err.Error()}
	}
	if len(enabled) == 0 {
		log.Info(ctx, "No integrations configured for provider")
		return CheckResult{}
	}

	present := make(map[integration.Kind]int)
	for _, in := range enabled {
		present[in.Kind]++
	}

	var group []tasks.Signature
	for _, k := range asyncKinds {
		if present[k.kind] == 0 {
			continue
		}
		group = append(group, tasks.NewSignature(k.task, tenantID, tasks.Args{
			"provider_id": providerID.String(),
			"scan_id":     scanID.String(),
		}))
	}
	span.SetAttributes(
		attribute.Int("integrations.enabled", len(enabled)),
		attribute.Int("integrations.dispatched", len(group)),
	)

	dispatched := 0
	for _, sig := range tasks.Group(group...) {
		if err := c.publisher.Enqueue(ctx, sig); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to dispatch integration task")
			log.Error(ctx, "Failed to dispatch integration task", "task", sig.Name.String(), "error", err)
			return CheckResult{Processed: dispatched, Error: err.Error()}
		}
		dispatched++
	}

	if dispatched > 0 {
		log.Info(ctx, "Launched integration tasks", "count", dispatched)
	}
	span.SetStatus(codes.Ok, "integrations dispatched")
	return CheckResult{Processed: dispatched}
}
