package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

var _ scanning.DeletionRepository = (*deletionStore)(nil)

type deletionStore struct{ conn }

// NewDeletionStore creates a PostgreSQL-backed scanning.DeletionRepository.
// Each batch commits on its own so a retried deletion resumes where the
// previous attempt stopped.
func NewDeletionStore(pool *pgxpool.Pool, tracer trace.Tracer) *deletionStore {
	return &deletionStore{conn{pool: pool, tracer: tracer}}
}

// Scan-owned tables, emptied before scan_runs.
var scanChildTables = []string{"findings", "scan_summaries", "compliance_requirement_overviews"}

func (s *deletionStore) DeleteProvider(ctx context.Context, tenantID, providerID uuid.UUID, batchSize int) (int64, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("provider_id", providerID.String()),
		attribute.Int("batch_size", batchSize),
	)

	var deleted int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_provider", dbAttrs, func(ctx context.Context) error {
		scanFilter := `scan_id IN (SELECT id FROM scan_runs WHERE tenant_id = $1 AND provider_id = $2)`
		args := []any{pgUUID(tenantID), pgUUID(providerID)}

		for _, table := range scanChildTables {
			n, err := s.deleteBatched(ctx, tenantID, table, scanFilter, args, batchSize)
			deleted += n
			if err != nil {
				return err
			}
		}
		steps := []struct{ table, filter string }{
			{"scan_runs", `provider_id = $2`},
			{"integration_provider_relationships", `provider_id = $2`},
			{"providers", `id = $2`},
		}
		for _, st := range steps {
			n, err := s.deleteBatched(ctx, tenantID, st.table, st.filter, args, batchSize)
			deleted += n
			if err != nil {
				return err
			}
		}
		return nil
	})
	return deleted, err
}

func (s *deletionStore) DeleteTenant(ctx context.Context, tenantID uuid.UUID, batchSize int) (int64, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("tenant_id", tenantID.String()),
		attribute.Int("batch_size", batchSize),
	)

	var deleted int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_tenant", dbAttrs, func(ctx context.Context) error {
		args := []any{pgUUID(tenantID)}
		tables := append(append([]string{}, scanChildTables...),
			"scan_runs", "integration_provider_relationships", "integrations", "providers")
		for _, table := range tables {
			n, err := s.deleteBatched(ctx, tenantID, table, "TRUE", args, batchSize)
			deleted += n
			if err != nil {
				return err
			}
		}

		tag, err := s.pool.Exec(ctx, `DELETE FROM periodic_tasks WHERE tenant_id = $1`, pgUUID(tenantID))
		if err != nil {
			return fmt.Errorf("failed to delete periodic tasks: %w", err)
		}
		deleted += tag.RowsAffected()
		return nil
	})
	return deleted, err
}

// deleteBatched removes rows of table matching filter for the tenant,
// batchSize rows per transaction, until none remain.
func (s *deletionStore) deleteBatched(
	ctx context.Context,
	tenantID uuid.UUID,
	table, filter string,
	args []any,
	batchSize int,
) (int64, error) {
	batchSize = max(batchSize, 1)
	stmt := fmt.Sprintf(`DELETE FROM %[1]s WHERE ctid IN (
		SELECT ctid FROM %[1]s WHERE tenant_id = $1 AND %[2]s LIMIT %[3]d)`, table, filter, batchSize)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var n int64
		err := s.inTenant(ctx, tenantID, func(q querier) error {
			tag, err := q.Exec(ctx, stmt, args...)
			if err != nil {
				return err
			}
			n = tag.RowsAffected()
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}
