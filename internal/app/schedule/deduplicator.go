// Package schedule runs scheduled scans exactly once per cadence window even
// when the trigger is delivered more than once.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/app/scan"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/domain/tenant"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ScheduledScanName is the name given to scheduler-owned runs.
const ScheduledScanName = "Daily scheduled scan"

// ScheduledScanRequest identifies one delivery of a scheduled trigger.
type ScheduledScanRequest struct {
	TenantID    uuid.UUID
	ProviderID  uuid.UUID
	ExecutionID string
	Checks      []string
}

// ScanPerformer runs the check suite for a ScanRun.
type ScanPerformer interface {
	Perform(ctx context.Context, tenantID, scanID uuid.UUID, taskID string, checks []string) (scan.Outcome, error)
}

// PostScanDispatcher starts the work that follows every scan, whether the
// scan succeeded or not.
type PostScanDispatcher interface {
	DispatchPostScan(ctx context.Context, tenantID, scanID, providerID uuid.UUID) error
}

// Deduplicator is the entry point for scheduler-triggered scans.
type Deduplicator struct {
	scope     tenant.Scope
	scans     scanning.ScanRunRepository
	periodic  scanning.PeriodicTaskRepository
	performer ScanPerformer
	postScan  PostScanDispatcher

	clock  timeutil.Provider
	logger *logger.Logger
	tracer trace.Tracer
}

// NewDeduplicator creates a Deduplicator.
func NewDeduplicator(
	scope tenant.Scope,
	scans scanning.ScanRunRepository,
	periodic scanning.PeriodicTaskRepository,
	performer ScanPerformer,
	postScan PostScanDispatcher,
	clock timeutil.Provider,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Deduplicator {
	return &Deduplicator{
		scope:     scope,
		scans:     scans,
		periodic:  periodic,
		performer: performer,
		postScan:  postScan,
		clock:     clock,
		logger:    logger.With("component", "schedule_deduplicator"),
		tracer:    tracer,
	}
}

// PerformScheduled runs the scheduled scan for req unless the trigger is a
// redelivery, in which case the run already bound to the execution id is
// returned without starting a new scan.
//
// Whatever the scan outcome, the next cycle's placeholder run exists when
// PerformScheduled returns past the duplicate check.
func (d *Deduplicator) PerformScheduled(ctx context.Context, req ScheduledScanRequest) (scanning.RunData, error) {
	ctx, span := d.tracer.Start(ctx, "schedule_deduplicator.perform_scheduled",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID.String()),
			attribute.String("provider_id", req.ProviderID.String()),
			attribute.String("execution_id", req.ExecutionID),
		))
	defer span.End()

	log := d.logger.With(
		"operation", "perform_scheduled",
		"tenant_id", req.TenantID,
		"provider_id", req.ProviderID,
		"execution_id", req.ExecutionID,
	)

	ref := scanning.ScheduledTaskName(req.ProviderID)
	periodic, err := d.periodic.Get(ctx, ref)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load periodic task")
		return scanning.RunData{}, fmt.Errorf("loading periodic task %s: %w", ref, err)
	}

	now := d.clock.Now().UTC()

	var (
		duplicate bool
		data      scanning.RunData
		run       *scanning.ScanRun
		created   bool
	)
	// Duplicate check, placeholder claim and execution binding commit together.
	err = d.scope.Run(ctx, req.TenantID, func(ctx context.Context) error {
		var err error
		duplicate, data, err = d.checkDuplicate(ctx, req, ref, now)
		if err != nil || duplicate {
			return err
		}

		next := periodic.Cadence.Next(now)
		placeholder := scanning.NewScheduledPlaceholder(
			req.TenantID, req.ProviderID, ref, ScheduledScanName,
			scanning.StateScheduled, periodic.Cadence.Previous(next),
		)
		run, created, err = d.scans.GetOrCreatePending(ctx, placeholder)
		if err != nil {
			return fmt.Errorf("fetching pending scheduled run: %w", err)
		}
		run.BindTask(req.ExecutionID)
		if err := d.scans.Update(ctx, run); err != nil {
			return fmt.Errorf("binding execution %s to scan %s: %w", req.ExecutionID, run.ID(), err)
		}
		return nil
	})
	var logicErr *scanning.LogicError
	switch {
	case errors.As(err, &logicErr):
		span.RecordError(err)
		span.SetStatus(codes.Error, "duplicate check failed")
		log.Error(ctx, "Duplicated scheduled scan with no recoverable run", "error", err)
		return scanning.RunData{}, err
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to claim scheduled run")
		return scanning.RunData{}, err
	case duplicate:
		span.AddEvent("duplicate_trigger")
		span.SetStatus(codes.Ok, "duplicate trigger")
		log.Warn(ctx, "Duplicated scheduled scan", "scan_id", data.ID)
		return data, nil
	}
	span.SetAttributes(attribute.String("scan_id", run.ID().String()), attribute.Bool("placeholder_created", created))

	_, scanErr := d.performer.Perform(ctx, req.TenantID, run.ID(), req.ExecutionID, req.Checks)
	if scanErr != nil {
		span.RecordError(scanErr)
		log.Error(ctx, "Scheduled scan failed", "scan_id", run.ID(), "error", scanErr)
	}

	next := periodic.Cadence.Next(now)
	nextRun := scanning.NewScheduledPlaceholder(
		req.TenantID, req.ProviderID, ref, ScheduledScanName,
		scanning.StateScheduled, next,
	)
	if _, _, err := d.scans.EnsureScheduled(ctx, nextRun); err != nil {
		span.RecordError(err)
		log.Error(ctx, "Failed to create next scheduled placeholder", "next", next, "error", err)
		scanErr = errors.Join(scanErr, fmt.Errorf("creating next placeholder: %w", err))
	}

	if err := d.postScan.DispatchPostScan(ctx, req.TenantID, run.ID(), req.ProviderID); err != nil {
		span.RecordError(err)
		log.Error(ctx, "Failed to dispatch post-scan tasks", "scan_id", run.ID(), "error", err)
		scanErr = errors.Join(scanErr, fmt.Errorf("dispatching post-scan tasks: %w", err))
	}

	if scanErr != nil {
		span.SetStatus(codes.Error, "scheduled scan failed")
		return run.Data(), scanErr
	}

	span.SetStatus(codes.Ok, "scheduled scan completed")
	return run.Data(), nil
}

// checkDuplicate reports whether req is a redelivered trigger. A duplicate
// with no run bound to its execution id is a *scanning.LogicError.
func (d *Deduplicator) checkDuplicate(
	ctx context.Context,
	req ScheduledScanRequest,
	ref string,
	now time.Time,
) (bool, scanning.RunData, error) {
	executing, err := d.scans.ExistsExecutingScheduled(ctx, req.TenantID, req.ProviderID, ref, now)
	if err != nil {
		return false, scanning.RunData{}, fmt.Errorf("checking executing scheduled scans: %w", err)
	}

	bound, err := d.scans.ListByTaskID(ctx, req.TenantID, req.ExecutionID)
	if err != nil {
		return false, scanning.RunData{}, fmt.Errorf("listing runs for execution %s: %w", req.ExecutionID, err)
	}

	if !executing && len(bound) == 0 {
		return false, scanning.RunData{}, nil
	}
	if len(bound) == 0 {
		return true, scanning.RunData{}, &scanning.LogicError{
			Op:  "schedule.perform_scheduled",
			Msg: "duplicated scheduled scan has no run bound to execution " + req.ExecutionID,
			Err: scanning.ErrDuplicateExecution,
		}
	}
	return true, bound[0].Data(), nil
}
