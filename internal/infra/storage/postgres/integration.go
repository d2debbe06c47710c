package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/integration"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

var _ integration.Repository = (*integrationStore)(nil)

type integrationStore struct{ conn }

// NewIntegrationStore creates a PostgreSQL-backed integration.Repository.
func NewIntegrationStore(pool *pgxpool.Pool, tracer trace.Tracer) *integrationStore {
	return &integrationStore{conn{pool: pool, tracer: tracer}}
}

// Create stores in and links it to providerIDs.
func (s *integrationStore) Create(ctx context.Context, in integration.Integration, providerIDs ...uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("integration_id", in.ID.String()),
		attribute.String("kind", in.Kind.String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_integration", dbAttrs, func(ctx context.Context) error {
		cfg, err := json.Marshal(in.Configuration)
		if err != nil {
			return fmt.Errorf("failed to marshal integration configuration: %w", err)
		}

		batch := &pgx.Batch{}
		batch.Queue(`INSERT INTO integrations (id, tenant_id, kind, enabled, configuration) VALUES ($1, $2, $3, $4, $5)`,
			pgUUID(in.ID), pgUUID(in.TenantID), in.Kind.String(), in.Enabled, cfg)
		for _, pid := range providerIDs {
			batch.Queue(`INSERT INTO integration_provider_relationships (tenant_id, integration_id, provider_id)
				VALUES ($1, $2, $3)`, pgUUID(in.TenantID), pgUUID(in.ID), pgUUID(pid))
		}
		return s.inTenant(ctx, in.TenantID, func(q querier) error {
			if err := q.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to create integration: %w", err)
			}
			return nil
		})
	})
}

const integrationColumns = `i.id, i.tenant_id, i.kind, i.enabled, i.configuration`

func scanIntegration(row pgx.Row) (integration.Integration, error) {
	var (
		in           integration.Integration
		id, tenantID pgtype.UUID
		kind         string
		cfg          []byte
	)
	if err := row.Scan(&id, &tenantID, &kind, &in.Enabled, &cfg); err != nil {
		return in, err
	}
	if err := json.Unmarshal(cfg, &in.Configuration); err != nil {
		return in, fmt.Errorf("decoding integration configuration: %w", err)
	}
	in.ID, in.TenantID, in.Kind = uuid.UUID(id.Bytes), uuid.UUID(tenantID.Bytes), integration.Kind(kind)
	return in, nil
}

func (s *integrationStore) ListEnabledForProvider(
	ctx context.Context,
	tenantID, providerID uuid.UUID,
) ([]integration.Integration, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("provider_id", providerID.String()))

	var out []integration.Integration
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_enabled_integrations", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			rows, err := q.Query(ctx, `SELECT `+integrationColumns+`
				FROM integrations i
				JOIN integration_provider_relationships r ON r.integration_id = i.id
				WHERE i.tenant_id = $1 AND r.provider_id = $2 AND i.enabled
				ORDER BY i.id`,
				pgUUID(tenantID), pgUUID(providerID))
			if err != nil {
				return fmt.Errorf("failed to list integrations: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				in, err := scanIntegration(rows)
				if err != nil {
					return fmt.Errorf("failed to scan integration: %w", err)
				}
				out = append(out, in)
			}
			return rows.Err()
		})
	})
	return out, err
}

func (s *integrationStore) Get(ctx context.Context, tenantID, integrationID uuid.UUID) (*integration.Integration, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("integration_id", integrationID.String()))

	var out *integration.Integration
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_integration", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			in, err := scanIntegration(q.QueryRow(ctx, `SELECT `+integrationColumns+`
				FROM integrations i WHERE i.tenant_id = $1 AND i.id = $2`,
				pgUUID(tenantID), pgUUID(integrationID)))
			if errors.Is(err, pgx.ErrNoRows) {
				return integration.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to get integration: %w", err)
			}
			out = &in
			return nil
		})
	})
	return out, err
}
