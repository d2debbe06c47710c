package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

var (
	_ scanning.SummaryRepository            = (*summaryStore)(nil)
	_ scanning.ComplianceOverviewRepository = (*complianceOverviewStore)(nil)
)

type summaryStore struct{ conn }

// NewSummaryStore creates a PostgreSQL-backed scanning.SummaryRepository.
func NewSummaryStore(pool *pgxpool.Pool, tracer trace.Tracer) *summaryStore {
	return &summaryStore{conn{pool: pool, tracer: tracer}}
}

// ReplaceForScan deletes and rewrites the scan's rows in one transaction.
func (s *summaryStore) ReplaceForScan(ctx context.Context, tenantID, scanID uuid.UUID, rows []scanning.SummaryRow) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("scan_id", scanID.String()),
		attribute.Int("row_count", len(rows)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.replace_scan_summary", dbAttrs, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM scan_summaries WHERE tenant_id = $1 AND scan_id = $2`, pgUUID(tenantID), pgUUID(scanID))
		for _, r := range rows {
			batch.Queue(`INSERT INTO scan_summaries
					(tenant_id, scan_id, check_id, service, severity, region, pass, fail, muted, total, new)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				pgUUID(tenantID), pgUUID(scanID), r.CheckID, r.Service, string(r.Severity), r.Region,
				r.Pass, r.Fail, r.Muted, r.Total, r.New)
		}
		return s.inTenant(ctx, tenantID, func(q querier) error {
			if err := q.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to replace scan summary: %w", err)
			}
			return nil
		})
	})
}

func (s *summaryStore) Exists(ctx context.Context, tenantID, scanID uuid.UUID) (bool, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))

	var exists bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.scan_summary_exists", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			err := q.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM scan_summaries WHERE tenant_id = $1 AND scan_id = $2)`,
				pgUUID(tenantID), pgUUID(scanID)).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check scan summary: %w", err)
			}
			return nil
		})
	})
	return exists, err
}

func (s *summaryStore) List(ctx context.Context, tenantID, scanID uuid.UUID) ([]scanning.SummaryRow, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))

	var out []scanning.SummaryRow
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scan_summary", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			rows, err := q.Query(ctx, `SELECT check_id, service, severity, region, pass, fail, muted, total, new
				FROM scan_summaries
				WHERE tenant_id = $1 AND scan_id = $2
				ORDER BY check_id, service, severity, region`,
				pgUUID(tenantID), pgUUID(scanID))
			if err != nil {
				return fmt.Errorf("failed to list scan summary: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var (
					r        scanning.SummaryRow
					severity string
				)
				if err := rows.Scan(&r.CheckID, &r.Service, &severity, &r.Region,
					&r.Pass, &r.Fail, &r.Muted, &r.Total, &r.New); err != nil {
					return fmt.Errorf("failed to scan summary row: %w", err)
				}
				r.Severity = scanning.Severity(severity)
				out = append(out, r)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			if len(out) == 0 {
				return scanning.ErrSummaryNotFound
			}
			return nil
		})
	})
	return out, err
}

type complianceOverviewStore struct{ conn }

// NewComplianceOverviewStore creates a PostgreSQL-backed
// scanning.ComplianceOverviewRepository.
func NewComplianceOverviewStore(pool *pgxpool.Pool, tracer trace.Tracer) *complianceOverviewStore {
	return &complianceOverviewStore{conn{pool: pool, tracer: tracer}}
}

func (s *complianceOverviewStore) ReplaceForScan(
	ctx context.Context,
	tenantID, scanID uuid.UUID,
	rows []scanning.RequirementOverview,
) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("scan_id", scanID.String()),
		attribute.Int("row_count", len(rows)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.replace_compliance_overviews", dbAttrs, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM compliance_requirement_overviews WHERE tenant_id = $1 AND scan_id = $2`,
			pgUUID(tenantID), pgUUID(scanID))
		for _, r := range rows {
			batch.Queue(`INSERT INTO compliance_requirement_overviews
					(tenant_id, scan_id, framework_id, version, requirement_id, description, region, status,
					 passed_checks, failed_checks, total_checks)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				pgUUID(tenantID), pgUUID(scanID), r.FrameworkID, r.Version, r.RequirementID, r.Description,
				r.Region, string(r.Status), r.PassedChecks, r.FailedChecks, r.TotalChecks)
		}
		return s.inTenant(ctx, tenantID, func(q querier) error {
			if err := q.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to replace compliance overviews: %w", err)
			}
			return nil
		})
	})
}

// List returns the scan's requirement overviews.
func (s *complianceOverviewStore) List(ctx context.Context, tenantID, scanID uuid.UUID) ([]scanning.RequirementOverview, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))

	var out []scanning.RequirementOverview
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_compliance_overviews", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			rows, err := q.Query(ctx, `SELECT framework_id, version, requirement_id, description, region, status,
					passed_checks, failed_checks, total_checks
				FROM compliance_requirement_overviews
				WHERE tenant_id = $1 AND scan_id = $2
				ORDER BY framework_id, requirement_id, region`,
				pgUUID(tenantID), pgUUID(scanID))
			if err != nil {
				return fmt.Errorf("failed to list compliance overviews: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var (
					r      scanning.RequirementOverview
					status string
				)
				if err := rows.Scan(&r.FrameworkID, &r.Version, &r.RequirementID, &r.Description, &r.Region,
					&status, &r.PassedChecks, &r.FailedChecks, &r.TotalChecks); err != nil {
					return fmt.Errorf("failed to scan compliance overview: %w", err)
				}
				r.Status = scanning.FindingStatus(status)
				out = append(out, r)
			}
			return rows.Err()
		})
	})
	return out, err
}
