// Package deletion removes providers and tenants together with every row
// that depends on them.
package deletion

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

const defaultBatchSize = 5000

// Service deletes tenant data in batches. Every operation is safe to retry.
type Service struct {
	rows      scanning.DeletionRepository
	periodic  scanning.PeriodicTaskRepository
	batchSize int

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates a Service.
func NewService(
	rows scanning.DeletionRepository,
	periodic scanning.PeriodicTaskRepository,
	batchSize int,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Service {
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	return &Service{
		rows:      rows,
		periodic:  periodic,
		batchSize: batchSize,
		logger:    logger.With("component", "deletion_service"),
		tracer:    tracer,
	}
}

// DeleteProvider removes the provider, its scans and their findings, and
// the provider's scheduled scan trigger.
func (s *Service) DeleteProvider(ctx context.Context, tenantID, providerID uuid.UUID) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "deletion_service.delete_provider",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID.String()),
			attribute.String("provider_id", providerID.String()),
		))
	defer span.End()

	deleted, err := s.rows.DeleteProvider(ctx, tenantID, providerID, s.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete provider")
		return deleted, fmt.Errorf("deleting provider %s: %w", providerID, err)
	}

	name := scanning.ScheduledTaskName(providerID)
	if err := s.periodic.Delete(ctx, name); err != nil && !errors.Is(err, scanning.ErrPeriodicTaskNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete schedule")
		return deleted, fmt.Errorf("deleting periodic task %s: %w", name, err)
	}

	span.SetAttributes(attribute.Int64("rows.deleted", deleted))
	span.SetStatus(codes.Ok, "provider deleted")
	s.logger.Info(ctx, "Provider deleted", "provider_id", providerID, "rows", deleted)
	return deleted, nil
}

// DeleteTenant removes every row owned by the tenant.
func (s *Service) DeleteTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "deletion_service.delete_tenant",
		trace.WithAttributes(attribute.String("tenant_id", tenantID.String())))
	defer span.End()

	deleted, err := s.rows.DeleteTenant(ctx, tenantID, s.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete tenant")
		return deleted, fmt.Errorf("deleting tenant %s: %w", tenantID, err)
	}

	span.SetAttributes(attribute.Int64("rows.deleted", deleted))
	span.SetStatus(codes.Ok, "tenant deleted")
	s.logger.Info(ctx, "Tenant deleted", "tenant_id", tenantID, "rows", deleted)
	return deleted, nil
}
