// Package pipeline wires scan execution, aggregation, report generation,
// integration delivery and deletion into named tasks and composes them into
// the post-scan canvas.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/app/integrations"
	"github.com/ahrav/cloudscan-armada/internal/app/report"
	"github.com/ahrav/cloudscan-armada/internal/app/scan"
	"github.com/ahrav/cloudscan-armada/internal/app/schedule"
	"github.com/ahrav/cloudscan-armada/internal/app/worker"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/internal/domain/tenant"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ScanPerformer runs a scan's check suite.
type ScanPerformer interface {
	Perform(ctx context.Context, tenantID, scanID uuid.UUID, taskID string, checks []string) (scan.Outcome, error)
}

// ScheduledPerformer runs scheduler-triggered scans.
type ScheduledPerformer interface {
	PerformScheduled(ctx context.Context, req schedule.ScheduledScanRequest) (scanning.RunData, error)
}

// Aggregator derives per-scan rows from findings and returns the row count.
type Aggregator interface {
	Aggregate(ctx context.Context, tenantID, scanID uuid.UUID) (int, error)
}

// Materializer derives compliance requirement rows and returns the row count.
type Materializer interface {
	Materialize(ctx context.Context, tenantID, scanID uuid.UUID) (int, error)
}

// ReportGenerator produces a scan's report artifacts.
type ReportGenerator interface {
	Generate(ctx context.Context, tenantID, scanID uuid.UUID) (report.Result, error)
}

// IntegrationChecker dispatches asynchronous integration deliveries.
type IntegrationChecker interface {
	Check(ctx context.Context, tenantID, providerID, scanID uuid.UUID) integrations.CheckResult
}

// MirrorDelivery copies an output directory into bucket integrations.
type MirrorDelivery interface {
	Deliver(ctx context.Context, tenantID, providerID uuid.UUID, outputDir string) (int, error)
}

// Notifier posts a scan summary through a provider's chat integrations and
// returns how many were delivered.
type Notifier interface {
	Notify(ctx context.Context, tenantID, providerID, scanID uuid.UUID) (int, error)
}

// Deleter removes tenant data.
type Deleter interface {
	DeleteProvider(ctx context.Context, tenantID, providerID uuid.UUID) (int64, error)
	DeleteTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// Services are the application services the pipeline's tasks call into.
type Services struct {
	Executor     ScanPerformer
	Scheduler    ScheduledPerformer
	Summaries    Aggregator
	Overviews    Materializer
	Reports      ReportGenerator
	Integrations IntegrationChecker
	Mirror       MirrorDelivery
	Notifier     Notifier
	Deletion     Deleter
}

// Orchestrator binds every pipeline task to its handler.
type Orchestrator struct {
	registry *worker.Registry
	fanout   *PostScanFanout
	services Services

	logger *logger.Logger
	tracer trace.Tracer
}

// NewOrchestrator creates an Orchestrator. Call RegisterHandlers before
// starting workers.
func NewOrchestrator(
	registry *worker.Registry,
	fanout *PostScanFanout,
	services Services,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		fanout:   fanout,
		services: services,
		logger:   logger.With("component", "pipeline_orchestrator"),
		tracer:   tracer,
	}
}

// RegisterHandlers registers every pipeline task. Deletion tasks retry with
// backoff; every other task runs once and surfaces its failure.
func (o *Orchestrator) RegisterHandlers(ctx context.Context) {
	none := worker.RetryPolicy{}
	o.register(ctx, tasks.ScanPerform, o.handleScanPerform, none)
	o.register(ctx, tasks.ScanPerformScheduled, o.handleScanPerformScheduled, none)
	o.register(ctx, tasks.ScanSummary, o.handleScanSummary, none)
	o.register(ctx, tasks.ScanComplianceOverviews, o.handleComplianceOverviews, none)
	o.register(ctx, tasks.ScanReport, o.handleScanReport, none)
	o.register(ctx, tasks.IntegrationCheck, o.handleIntegrationCheck, none)
	o.register(ctx, tasks.IntegrationS3, o.handleIntegrationS3, none)
	o.register(ctx, tasks.IntegrationSlack, o.handleIntegrationSlack, none)
	o.register(ctx, tasks.ProviderDeletion, o.handleProviderDeletion, worker.DeletionRetryPolicy)
	o.register(ctx, tasks.TenantDeletion, o.handleTenantDeletion, worker.DeletionRetryPolicy)
}

// register binds the tenant of each signature to the handler's context.
func (o *Orchestrator) register(ctx context.Context, name tasks.Name, h worker.Handler, policy worker.RetryPolicy) {
	o.registry.Register(ctx, name, func(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
		if sig.TenantID == uuid.Nil {
			return nil, fmt.Errorf("task %s: %w", sig.Name, tenant.ErrMissingTenant)
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("tenant_id", sig.TenantID.String()))
		return h(tenant.WithID(ctx, sig.TenantID), sig)
	}, policy)
}

func (o *Orchestrator) handleScanPerform(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	scanID, err := sig.Args.UUID("scan_id")
	if err != nil {
		return nil, err
	}
	providerID, err := sig.Args.UUID("provider_id")
	if err != nil {
		return nil, err
	}

	out, scanErr := o.services.Executor.Perform(ctx, sig.TenantID, scanID, sig.ID, sig.Args.Strings("checks"))

	// Findings committed before a failure are still reportable.
	if err := o.fanout.DispatchPostScan(ctx, sig.TenantID, scanID, providerID); err != nil {
		scanErr = errors.Join(scanErr, err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return tasks.Result{
		"findings":         out.Findings,
		"failed_checks":    out.FailedChecks,
		"unique_resources": out.UniqueResources,
	}, nil
}

func (o *Orchestrator) handleScanPerformScheduled(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	providerID, err := sig.Args.UUID("provider_id")
	if err != nil {
		return nil, err
	}
	data, err := o.services.Scheduler.PerformScheduled(ctx, schedule.ScheduledScanRequest{
		TenantID:    sig.TenantID,
		ProviderID:  providerID,
		ExecutionID: sig.ID,
		Checks:      sig.Args.Strings("checks"),
	})
	if err != nil {
		return nil, err
	}
	return runDataResult(data), nil
}

func (o *Orchestrator) handleScanSummary(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	scanID, err := sig.Args.UUID("scan_id")
	if err != nil {
		return nil, err
	}
	n, err := o.services.Summaries.Aggregate(ctx, sig.TenantID, scanID)
	if err != nil {
		return nil, err
	}
	return tasks.Result{"rows": n}, nil
}

func (o *Orchestrator) handleComplianceOverviews(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	scanID, err := sig.Args.UUID("scan_id")
	if err != nil {
		return nil, err
	}
	n, err := o.services.Overviews.Materialize(ctx, sig.TenantID, scanID)
	if err != nil {
		return nil, err
	}
	return tasks.Result{"requirements": n}, nil
}

func (o *Orchestrator) handleScanReport(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	scanID, err := sig.Args.UUID("scan_id")
	if err != nil {
		return nil, err
	}
	res, err := o.services.Reports.Generate(ctx, sig.TenantID, scanID)
	if err != nil {
		return nil, err
	}
	out := tasks.Result{"upload": res.Uploaded}
	if res.Location != "" {
		out["location"] = res.Location
	}
	return out, nil
}

func (o *Orchestrator) handleIntegrationCheck(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	scanID, err := sig.Args.UUID("scan_id")
	if err != nil {
		return nil, err
	}
	providerID, err := sig.Args.UUID("provider_id")
	if err != nil {
		return nil, err
	}
	return o.services.Integrations.Check(ctx, sig.TenantID, providerID, scanID).Result(), nil
}

func (o *Orchestrator) handleIntegrationS3(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	providerID, err := sig.Args.UUID("provider_id")
	if err != nil {
		return nil, err
	}
	dir := sig.Args.String("output_directory")
	if dir == "" {
		return nil, errors.New("missing argument \"output_directory\"")
	}
	n, err := o.services.Mirror.Deliver(ctx, sig.TenantID, providerID, dir)
	if err != nil {
		return nil, err
	}
	return tasks.Result{"uploaded": n}, nil
}

func (o *Orchestrator) handleIntegrationSlack(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	providerID, err := sig.Args.UUID("provider_id")
	if err != nil {
		return nil, err
	}
	scanID, err := sig.Args.UUID("scan_id")
	if err != nil {
		return nil, err
	}
	n, err := o.services.Notifier.Notify(ctx, sig.TenantID, providerID, scanID)
	if err != nil {
		return nil, err
	}
	return tasks.Result{"notified": n}, nil
}

func (o *Orchestrator) handleProviderDeletion(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	providerID, err := sig.Args.UUID("provider_id")
	if err != nil {
		return nil, err
	}
	n, err := o.services.Deletion.DeleteProvider(ctx, sig.TenantID, providerID)
	if err != nil {
		return nil, err
	}
	return tasks.Result{"deleted": n}, nil
}

func (o *Orchestrator) handleTenantDeletion(ctx context.Context, sig tasks.Signature) (tasks.Result, error) {
	n, err := o.services.Deletion.DeleteTenant(ctx, sig.TenantID)
	if err != nil {
		return nil, err
	}
	return tasks.Result{"deleted": n}, nil
}

func runDataResult(d scanning.RunData) tasks.Result {
	return tasks.Result{
		"id":           d.ID.String(),
		"tenant_id":    d.TenantID.String(),
		"provider_id":  d.ProviderID.String(),
		"name":         d.Name,
		"trigger":      string(d.Trigger),
		"task_id":      d.TaskID,
		"scheduled_at": d.ScheduledAt,
	}
}
