package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

var (
	_ scanning.ProviderRepository     = (*providerStore)(nil)
	_ scanning.PeriodicTaskRepository = (*periodicTaskStore)(nil)
)

type providerStore struct{ conn }

// NewProviderStore creates a PostgreSQL-backed scanning.ProviderRepository.
func NewProviderStore(pool *pgxpool.Pool, tracer trace.Tracer) *providerStore {
	return &providerStore{conn{pool: pool, tracer: tracer}}
}

// Upsert stores p, replacing the alias and connection flag of an existing
// provider with the same id.
func (s *providerStore) Upsert(ctx context.Context, p scanning.Provider) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("provider_id", p.ID.String()),
		attribute.String("provider_type", p.Type.String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_provider", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, p.TenantID, func(q querier) error {
			_, err := q.Exec(ctx, `INSERT INTO providers (id, tenant_id, provider_type, uid, alias, connected)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO UPDATE SET alias = EXCLUDED.alias, connected = EXCLUDED.connected`,
				pgUUID(p.ID), pgUUID(p.TenantID), p.Type.String(), p.UID, p.Alias, p.Connected)
			if err != nil {
				return fmt.Errorf("failed to upsert provider: %w", err)
			}
			return nil
		})
	})
}

func (s *providerStore) Get(ctx context.Context, tenantID, providerID uuid.UUID) (*scanning.Provider, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("provider_id", providerID.String()))

	var p *scanning.Provider
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_provider", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			var (
				id, tenant pgtype.UUID
				typ        string
				out        scanning.Provider
			)
			err := q.QueryRow(ctx, `SELECT id, tenant_id, provider_type, uid, alias, connected
				FROM providers WHERE tenant_id = $1 AND id = $2`,
				pgUUID(tenantID), pgUUID(providerID),
			).Scan(&id, &tenant, &typ, &out.UID, &out.Alias, &out.Connected)
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrProviderNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to get provider: %w", err)
			}
			pt, err := scanning.ParseProviderType(typ)
			if err != nil {
				return err
			}
			out.ID, out.TenantID, out.Type = uuid.UUID(id.Bytes), uuid.UUID(tenant.Bytes), pt
			p = &out
			return nil
		})
	})
	return p, err
}

// periodicTaskStore reads and writes scheduler triggers. The table is shared
// by every tenant, so statements run directly on the pool.
type periodicTaskStore struct{ conn }

// NewPeriodicTaskStore creates a PostgreSQL-backed
// scanning.PeriodicTaskRepository.
func NewPeriodicTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *periodicTaskStore {
	return &periodicTaskStore{conn{pool: pool, tracer: tracer}}
}

const periodicTaskColumns = `name, task_name, tenant_id, provider_id, anchor, every_seconds, enabled, last_run_at`

func scanPeriodicTask(row pgx.Row) (*scanning.PeriodicTask, error) {
	var (
		t                    scanning.PeriodicTask
		tenantID, providerID pgtype.UUID
		anchor, lastRun      pgtype.Timestamptz
		everySeconds         int64
	)
	if err := row.Scan(&t.Name, &t.TaskName, &tenantID, &providerID, &anchor, &everySeconds,
		&t.Enabled, &lastRun); err != nil {
		return nil, err
	}
	t.TenantID, t.ProviderID = uuid.UUID(tenantID.Bytes), uuid.UUID(providerID.Bytes)
	t.Cadence = scanning.Cadence{Anchor: fromPGTime(anchor), Every: time.Duration(everySeconds) * time.Second}
	t.LastRunAt = fromPGTime(lastRun)
	return &t, nil
}

func (s *periodicTaskStore) Get(ctx context.Context, name string) (*scanning.PeriodicTask, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("periodic_task", name))

	var t *scanning.PeriodicTask
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_periodic_task", dbAttrs, func(ctx context.Context) error {
		var err error
		t, err = scanPeriodicTask(s.pool.QueryRow(ctx,
			`SELECT `+periodicTaskColumns+` FROM periodic_tasks WHERE name = $1`, name))
		if errors.Is(err, pgx.ErrNoRows) {
			return scanning.ErrPeriodicTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get periodic task: %w", err)
		}
		return nil
	})
	return t, err
}

func (s *periodicTaskStore) Upsert(ctx context.Context, t *scanning.PeriodicTask) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("periodic_task", t.Name))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_periodic_task", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `INSERT INTO periodic_tasks (`+periodicTaskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (name) DO UPDATE SET
				task_name = EXCLUDED.task_name,
				anchor = EXCLUDED.anchor,
				every_seconds = EXCLUDED.every_seconds,
				enabled = EXCLUDED.enabled,
				last_run_at = EXCLUDED.last_run_at`,
			t.Name, t.TaskName, pgUUID(t.TenantID), pgUUID(t.ProviderID), pgTime(t.Cadence.Anchor),
			int64(t.Cadence.Every/time.Second), t.Enabled, pgTime(t.LastRunAt))
		if err != nil {
			return fmt.Errorf("failed to upsert periodic task: %w", err)
		}
		return nil
	})
}

// ListDue loads enabled tasks and filters them with PeriodicTask.Due so the
// cadence arithmetic lives in one place.
func (s *periodicTaskStore) ListDue(ctx context.Context, now time.Time) ([]*scanning.PeriodicTask, error) {
	var due []*scanning.PeriodicTask
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_due_periodic_tasks", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `SELECT `+periodicTaskColumns+` FROM periodic_tasks
			WHERE enabled AND anchor <= $1
			ORDER BY name`, now)
		if err != nil {
			return fmt.Errorf("failed to list periodic tasks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanPeriodicTask(rows)
			if err != nil {
				return fmt.Errorf("failed to scan periodic task: %w", err)
			}
			if t.Due(now) {
				due = append(due, t)
			}
		}
		return rows.Err()
	})
	return due, err
}

func (s *periodicTaskStore) MarkRun(ctx context.Context, name string, at time.Time) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("periodic_task", name))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_periodic_task_run", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `UPDATE periodic_tasks SET last_run_at = $2 WHERE name = $1`, name, at)
		if err != nil {
			return fmt.Errorf("failed to mark periodic task run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrPeriodicTaskNotFound
		}
		return nil
	})
}

func (s *periodicTaskStore) Delete(ctx context.Context, name string) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("periodic_task", name))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_periodic_task", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM periodic_tasks WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("failed to delete periodic task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrPeriodicTaskNotFound
		}
		return nil
	})
}
