package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

var _ scanning.FindingRepository = (*findingStore)(nil)

type findingStore struct{ conn }

// NewFindingStore creates a PostgreSQL-backed scanning.FindingRepository.
func NewFindingStore(pool *pgxpool.Pool, tracer trace.Tracer) *findingStore {
	return &findingStore{conn{pool: pool, tracer: tracer}}
}

const findingColumns = `id, tenant_id, scan_id, uid, check_id, check_title, service_name, severity, status,
	status_extended, delta, muted, region, resource_uid, resource_name, resource_type, compliance, inserted_at`

// Save inserts findings in one batch. A finding already stored for the scan
// under the same UID is left untouched, so a retried batch is harmless.
func (s *findingStore) Save(ctx context.Context, tenantID uuid.UUID, findings []*scanning.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	dbAttrs := append(defaultDBAttributes, attribute.Int("finding_count", len(findings)))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_findings", dbAttrs, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, f := range findings {
			id := f.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			compliance, err := json.Marshal(f.Compliance)
			if err != nil {
				return fmt.Errorf("failed to marshal compliance for finding %s: %w", f.UID, err)
			}
			batch.Queue(`INSERT INTO findings (`+findingColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, COALESCE($18, NOW()))
				ON CONFLICT (tenant_id, scan_id, uid) DO NOTHING`,
				pgUUID(id), pgUUID(tenantID), pgUUID(f.ScanID), f.UID, f.CheckID, f.CheckTitle, f.ServiceName,
				string(f.Severity), string(f.Status), f.StatusExtended, string(f.Delta), f.Muted, f.Region,
				f.ResourceUID, f.ResourceName, f.ResourceType, compliance, pgTime(f.InsertedAt))
		}

		return s.inTenant(ctx, tenantID, func(q querier) error {
			if err := q.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to save findings: %w", err)
			}
			return nil
		})
	})
}

// StreamByScan pages through the scan's findings with keyset pagination on
// UID. Each page is read in its own short transaction.
func (s *findingStore) StreamByScan(
	ctx context.Context,
	tenantID, scanID uuid.UUID,
	pageSize int,
) iter.Seq2[*scanning.Finding, error] {
	pageSize = max(pageSize, 1)
	return func(yield func(*scanning.Finding, error) bool) {
		after := ""
		for {
			page, err := s.page(ctx, tenantID, scanID, after, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, f := range page {
				if !yield(f, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].UID
		}
	}
}

func (s *findingStore) page(ctx context.Context, tenantID, scanID uuid.UUID, after string, limit int) ([]*scanning.Finding, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("scan_id", scanID.String()),
		attribute.Int("page_size", limit),
	)

	page := make([]*scanning.Finding, 0, limit)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.stream_findings_page", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			rows, err := q.Query(ctx, `SELECT `+findingColumns+` FROM findings
				WHERE tenant_id = $1 AND scan_id = $2 AND uid > $3
				ORDER BY uid
				LIMIT $4`,
				pgUUID(tenantID), pgUUID(scanID), after, limit)
			if err != nil {
				return fmt.Errorf("failed to query findings: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				f, err := scanFinding(rows)
				if err != nil {
					return fmt.Errorf("failed to scan finding: %w", err)
				}
				page = append(page, f)
			}
			return rows.Err()
		})
	})
	return page, err
}

func scanFinding(row pgx.Row) (*scanning.Finding, error) {
	var (
		f                       scanning.Finding
		id, tenantID, scanID    pgtype.UUID
		severity, status, delta string
		compliance              []byte
		insertedAt              pgtype.Timestamptz
	)
	if err := row.Scan(&id, &tenantID, &scanID, &f.UID, &f.CheckID, &f.CheckTitle, &f.ServiceName,
		&severity, &status, &f.StatusExtended, &delta, &f.Muted, &f.Region, &f.ResourceUID,
		&f.ResourceName, &f.ResourceType, &compliance, &insertedAt); err != nil {
		return nil, err
	}
	if len(compliance) > 0 {
		if err := json.Unmarshal(compliance, &f.Compliance); err != nil {
			return nil, fmt.Errorf("decoding compliance: %w", err)
		}
	}
	f.ID, f.TenantID, f.ScanID = uuid.UUID(id.Bytes), uuid.UUID(tenantID.Bytes), uuid.UUID(scanID.Bytes)
	f.Severity, f.Status, f.Delta = scanning.Severity(severity), scanning.FindingStatus(status), scanning.Delta(delta)
	f.InsertedAt = fromPGTime(insertedAt)
	return &f, nil
}

func (s *findingStore) SetMuted(ctx context.Context, tenantID, findingID uuid.UUID, muted bool) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("finding_id", findingID.String()),
		attribute.Bool("muted", muted),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_finding_muted", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			tag, err := q.Exec(ctx, `UPDATE findings SET muted = $3 WHERE tenant_id = $1 AND id = $2`,
				pgUUID(tenantID), pgUUID(findingID), muted)
			if err != nil {
				return fmt.Errorf("failed to update finding: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return scanning.ErrFindingNotFound
			}
			return nil
		})
	})
}
