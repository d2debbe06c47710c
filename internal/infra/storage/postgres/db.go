// Package postgres implements the scanning, integration and deletion
// repositories on PostgreSQL. Tenant-owned tables carry row level security
// policies keyed on the api.tenant_id setting; every tenant-scoped statement
// runs inside a transaction that sets it.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/tenant"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// querier is the statement surface shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type scopedTx struct {
	tx       pgx.Tx
	tenantID uuid.UUID
}

type txKey struct{}

const setTenantSQL = `SELECT set_config('api.tenant_id', $1, true)`

func bindTenant(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID) error {
	if _, err := tx.Exec(ctx, setTenantSQL, tenantID.String()); err != nil {
		return fmt.Errorf("binding tenant: %w", err)
	}
	return nil
}

// TenantScope runs callbacks inside one transaction bound to a tenant.
// Repositories from this package called with the callback's context join
// that transaction.
type TenantScope struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

var _ tenant.Scope = (*TenantScope)(nil)

// NewTenantScope creates a TenantScope over pool.
func NewTenantScope(pool *pgxpool.Pool, tracer trace.Tracer) *TenantScope {
	return &TenantScope{pool: pool, tracer: tracer}
}

// Run executes fn in a transaction with api.tenant_id set to tenantID. The
// transaction commits when fn returns nil.
func (s *TenantScope) Run(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	if tenantID == uuid.Nil {
		return tenant.ErrMissingTenant
	}
	attrs := append(defaultDBAttributes, attribute.String("tenant_id", tenantID.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.tenant_scope", attrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if err := bindTenant(ctx, tx, tenantID); err != nil {
				return err
			}
			ctx = tenant.WithID(ctx, tenantID)
			return fn(context.WithValue(ctx, txKey{}, scopedTx{tx: tx, tenantID: tenantID}))
		})
	})
}

// conn is embedded by every repository.
type conn struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// inTenant runs fn against the transaction of an enclosing TenantScope, or
// against a new short transaction bound to tenantID.
func (c conn) inTenant(ctx context.Context, tenantID uuid.UUID, fn func(q querier) error) error {
	if tenantID == uuid.Nil {
		return tenant.ErrMissingTenant
	}
	if err := tenant.Check(ctx, tenantID); err != nil {
		return err
	}
	if st, ok := ctx.Value(txKey{}).(scopedTx); ok {
		if st.tenantID != tenantID {
			return tenant.ErrTenantMismatch
		}
		return fn(st.tx)
	}
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if err := bindTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		return fn(tx)
	})
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func fromPGTime(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
