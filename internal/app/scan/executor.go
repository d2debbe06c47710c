// Package scan runs the check suite for a ScanRun and derives the per-scan
// aggregates that report generation depends on.
package scan

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// Outcome summarizes one Perform call.
type Outcome struct {
	Findings        int
	FailedChecks    int
	UniqueResources int
}

// Executor runs the check suite and persists findings as they arrive.
type Executor struct {
	scans     scanning.ScanRunRepository
	findings  scanning.FindingRepository
	providers scanning.ProviderRepository
	runner    scanning.CheckRunner
	limiter   *common.RateLimiter

	clock  timeutil.Provider
	logger *logger.Logger
	tracer trace.Tracer
}

// NewExecutor creates an Executor. limiter throttles suite invocations per
// provider type and may be nil.
func NewExecutor(
	scans scanning.ScanRunRepository,
	findings scanning.FindingRepository,
	providers scanning.ProviderRepository,
	runner scanning.CheckRunner,
	limiter *common.RateLimiter,
	clock timeutil.Provider,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Executor {
	return &Executor{
		scans:     scans,
		findings:  findings,
		providers: providers,
		runner:    runner,
		limiter:   limiter,
		clock:     clock,
		logger:    logger.With("component", "scan_executor"),
		tracer:    tracer,
	}
}

// Perform moves the run to executing and runs the suite. Per-check failures
// are logged and counted; a suite-level failure marks the run failed and is
// returned. Findings persisted before a failure are kept.
func (e *Executor) Perform(
	ctx context.Context,
	tenantID, scanID uuid.UUID,
	taskID string,
	checks []string,
) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "scan_executor.perform",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID.String()),
			attribute.String("scan_id", scanID.String()),
			attribute.String("task_id", taskID),
		))
	defer span.End()

	log := e.logger.With("operation", "perform", "scan_id", scanID, "tenant_id", tenantID)

	run, err := e.scans.Get(ctx, tenantID, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load scan")
		return Outcome{}, fmt.Errorf("loading scan %s: %w", scanID, err)
	}
	provider, err := e.providers.Get(ctx, tenantID, run.ProviderID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load provider")
		return Outcome{}, fmt.Errorf("loading provider %s: %w", run.ProviderID(), err)
	}

	if err := run.Start(taskID, e.clock.Now()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid scan state")
		return Outcome{}, &scanning.LogicError{Op: "scan.perform", Msg: "scan cannot start", Err: err}
	}
	if err := e.scans.Update(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark scan executing")
		return Outcome{}, fmt.Errorf("marking scan %s executing: %w", scanID, err)
	}
	span.AddEvent("scan_executing")

	out, runErr := e.runSuite(ctx, log, run, provider, checks)

	now := e.clock.Now()
	if runErr != nil {
		if err := run.Fail(now, out.UniqueResources); err != nil {
			return out, errors.Join(runErr, err)
		}
	} else if err := run.Complete(now, out.UniqueResources); err != nil {
		return out, err
	}
	if err := e.scans.Update(ctx, run); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("persisting final scan state: %w", err))
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "scan failed")
		log.Error(ctx, "scan failed", "error", runErr, "findings", out.Findings, "failed_checks", out.FailedChecks)
		return out, runErr
	}

	span.SetStatus(codes.Ok, "scan completed")
	log.Info(ctx, "scan completed",
		"findings", out.Findings,
		"failed_checks", out.FailedChecks,
		"unique_resources", out.UniqueResources,
		"duration", run.Duration(),
	)
	return out, nil
}

func (e *Executor) runSuite(
	ctx context.Context,
	log *logger.Logger,
	run *scanning.ScanRun,
	provider *scanning.Provider,
	checks []string,
) (Outcome, error) {
	var out Outcome

	if err := e.limiter.Wait(ctx, provider.Type.String()); err != nil {
		return out, fmt.Errorf("waiting for %s quota: %w", provider.Type, err)
	}

	resources := make(map[string]struct{})
	req := scanning.CheckRequest{Provider: provider, ScanID: run.ID(), Checks: checks}

	for res, err := range e.runner.Run(ctx, req) {
		if err != nil {
			return out, &scanning.UpstreamUnavailableError{Service: "check_engine", Err: err}
		}

		if res.Err != nil {
			out.FailedChecks++
			log.Warn(ctx, "check failed", "error", &scanning.PartialScanFailure{CheckID: res.CheckID, Err: res.Err})
			continue
		}

		now := e.clock.Now()
		for _, f := range res.Findings {
			if f.ID == uuid.Nil {
				f.ID = uuid.New()
			}
			f.TenantID, f.ScanID = run.TenantID(), run.ID()
			if f.InsertedAt.IsZero() {
				f.InsertedAt = now
			}
			if f.ResourceUID != "" {
				resources[f.ResourceUID] = struct{}{}
			}
		}
		if len(res.Findings) > 0 {
			if err := e.findings.Save(ctx, run.TenantID(), res.Findings); err != nil {
				return out, &scanning.UpstreamUnavailableError{Service: "findings_store", Err: err}
			}
		}
		out.Findings += len(res.Findings)
		out.UniqueResources = len(resources)

		run.UpdateProgress(res.Progress)
		if err := e.scans.Update(ctx, run); err != nil {
			log.Warn(ctx, "failed to persist scan progress", "error", err, "progress", res.Progress)
		}
	}

	return out, nil
}
