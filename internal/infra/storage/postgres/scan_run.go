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

var _ scanning.ScanRunRepository = (*scanRunStore)(nil)

type scanRunStore struct{ conn }

// NewScanRunStore creates a PostgreSQL-backed scanning.ScanRunRepository.
func NewScanRunStore(pool *pgxpool.Pool, tracer trace.Tracer) *scanRunStore {
	return &scanRunStore{conn{pool: pool, tracer: tracer}}
}

const scanRunColumns = `id, tenant_id, provider_id, name, trigger, state, scheduler_ref, task_id,
	scheduled_at, started_at, completed_at, unique_resources, progress, output_location`

func scanRunArgs(s scanning.ScanRunSnapshot) []any {
	return []any{
		pgUUID(s.ID), pgUUID(s.TenantID), pgUUID(s.ProviderID), s.Name, string(s.Trigger), string(s.State),
		s.SchedulerRef, s.TaskID, pgTime(s.ScheduledAt), pgTime(s.StartedAt), pgTime(s.CompletedAt),
		s.UniqueResources, s.Progress, s.OutputLocation,
	}
}

func scanScanRun(row pgx.Row) (*scanning.ScanRun, error) {
	var (
		id, tenantID, providerID             pgtype.UUID
		name, trigger, state, ref, task, loc string
		scheduled, started, completed        pgtype.Timestamptz
		resources, progress                  int
	)
	if err := row.Scan(&id, &tenantID, &providerID, &name, &trigger, &state, &ref, &task,
		&scheduled, &started, &completed, &resources, &progress, &loc); err != nil {
		return nil, err
	}
	st, err := scanning.ParseState(state)
	if err != nil {
		return nil, err
	}
	return scanning.ReconstructScanRun(scanning.ScanRunSnapshot{
		ID:              uuid.UUID(id.Bytes),
		TenantID:        uuid.UUID(tenantID.Bytes),
		ProviderID:      uuid.UUID(providerID.Bytes),
		Name:            name,
		Trigger:         scanning.Trigger(trigger),
		State:           st,
		SchedulerRef:    ref,
		TaskID:          task,
		ScheduledAt:     fromPGTime(scheduled),
		StartedAt:       fromPGTime(started),
		CompletedAt:     fromPGTime(completed),
		UniqueResources: resources,
		Progress:        progress,
		OutputLocation:  loc,
	}), nil
}

func collectScanRuns(rows pgx.Rows) ([]*scanning.ScanRun, error) {
	defer rows.Close()
	var runs []*scanning.ScanRun
	for rows.Next() {
		run, err := scanScanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *scanRunStore) Create(ctx context.Context, run *scanning.ScanRun) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("scan_id", run.ID().String()),
		attribute.String("state", run.State().String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_scan_run", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, run.TenantID(), func(q querier) error {
			_, err := q.Exec(ctx, `INSERT INTO scan_runs (`+scanRunColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				scanRunArgs(run.Snapshot())...)
			if err != nil {
				return fmt.Errorf("failed to create scan run: %w", err)
			}
			return nil
		})
	})
}

func (s *scanRunStore) Get(ctx context.Context, tenantID, scanID uuid.UUID) (*scanning.ScanRun, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))

	var run *scanning.ScanRun
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan_run", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			var err error
			run, err = scanScanRun(q.QueryRow(ctx,
				`SELECT `+scanRunColumns+` FROM scan_runs WHERE tenant_id = $1 AND id = $2`,
				pgUUID(tenantID), pgUUID(scanID)))
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrScanRunNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to get scan run: %w", err)
			}
			return nil
		})
	})
	return run, err
}

func (s *scanRunStore) Update(ctx context.Context, run *scanning.ScanRun) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("scan_id", run.ID().String()),
		attribute.String("state", run.State().String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_scan_run", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, run.TenantID(), func(q querier) error {
			snap := run.Snapshot()
			tag, err := q.Exec(ctx, `UPDATE scan_runs SET
					name = $3, state = $4, task_id = $5, scheduled_at = $6, started_at = $7,
					completed_at = $8, unique_resources = $9, progress = $10, output_location = $11
				WHERE tenant_id = $1 AND id = $2`,
				pgUUID(snap.TenantID), pgUUID(snap.ID), snap.Name, string(snap.State), snap.TaskID,
				pgTime(snap.ScheduledAt), pgTime(snap.StartedAt), pgTime(snap.CompletedAt),
				snap.UniqueResources, snap.Progress, snap.OutputLocation)
			if err != nil {
				return fmt.Errorf("failed to update scan run: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return scanning.ErrScanRunNotFound
			}
			return nil
		})
	})
}

func (s *scanRunStore) ExistsExecutingScheduled(
	ctx context.Context,
	tenantID, providerID uuid.UUID,
	schedulerRef string,
	day time.Time,
) (bool, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("provider_id", providerID.String()),
		attribute.String("scheduler_ref", schedulerRef),
	)

	var exists bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.exists_executing_scheduled", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			err := q.QueryRow(ctx, `SELECT EXISTS (
					SELECT 1 FROM scan_runs
					WHERE tenant_id = $1 AND provider_id = $2 AND scheduler_ref = $3
					  AND trigger = 'scheduled' AND state = 'executing'
					  AND (scheduled_at AT TIME ZONE 'UTC')::date = $4::date)`,
				pgUUID(tenantID), pgUUID(providerID), schedulerRef, day.UTC().Format(time.DateOnly),
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check executing scheduled runs: %w", err)
			}
			return nil
		})
	})
	return exists, err
}

func (s *scanRunStore) ListByTaskID(ctx context.Context, tenantID uuid.UUID, taskID string) ([]*scanning.ScanRun, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", taskID))

	var runs []*scanning.ScanRun
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scan_runs_by_task", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, tenantID, func(q querier) error {
			rows, err := q.Query(ctx, `SELECT `+scanRunColumns+` FROM scan_runs
				WHERE tenant_id = $1 AND task_id = $2
				ORDER BY completed_at ASC NULLS LAST, id`,
				pgUUID(tenantID), taskID)
			if err != nil {
				return fmt.Errorf("failed to list scan runs by task: %w", err)
			}
			runs, err = collectScanRuns(rows)
			return err
		})
	})
	return runs, err
}

func (s *scanRunStore) GetOrCreatePending(ctx context.Context, placeholder *scanning.ScanRun) (*scanning.ScanRun, bool, error) {
	snap := placeholder.Snapshot()
	dbAttrs := append(defaultDBAttributes, attribute.String("scheduler_ref", snap.SchedulerRef))

	var (
		run     *scanning.ScanRun
		created bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_or_create_pending_scan_run", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, snap.TenantID, func(q querier) error {
			// Serialize concurrent deliveries of the same schedule.
			if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, snap.SchedulerRef); err != nil {
				return fmt.Errorf("failed to lock schedule: %w", err)
			}
			existing, err := scanScanRun(q.QueryRow(ctx, `SELECT `+scanRunColumns+` FROM scan_runs
				WHERE tenant_id = $1 AND provider_id = $2 AND scheduler_ref = $3
				  AND trigger = 'scheduled' AND state IN ('scheduled', 'available')
				ORDER BY scheduled_at ASC NULLS FIRST, id
				LIMIT 1`,
				pgUUID(snap.TenantID), pgUUID(snap.ProviderID), snap.SchedulerRef))
			switch {
			case err == nil:
				run = existing
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return fmt.Errorf("failed to find pending scan run: %w", err)
			}

			if _, err := q.Exec(ctx, `INSERT INTO scan_runs (`+scanRunColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				scanRunArgs(snap)...); err != nil {
				return fmt.Errorf("failed to create pending scan run: %w", err)
			}
			run, created = scanning.ReconstructScanRun(snap), true
			return nil
		})
	})
	return run, created, err
}

func (s *scanRunStore) EnsureScheduled(ctx context.Context, placeholder *scanning.ScanRun) (*scanning.ScanRun, bool, error) {
	snap := placeholder.Snapshot()
	dbAttrs := append(defaultDBAttributes,
		attribute.String("scheduler_ref", snap.SchedulerRef),
		attribute.String("scheduled_at", snap.ScheduledAt.Format(time.RFC3339)),
	)

	var (
		run     *scanning.ScanRun
		created bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ensure_scheduled_scan_run", dbAttrs, func(ctx context.Context) error {
		return s.inTenant(ctx, snap.TenantID, func(q querier) error {
			tag, err := q.Exec(ctx, `INSERT INTO scan_runs (`+scanRunColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				ON CONFLICT (tenant_id, provider_id, scheduler_ref, scheduled_at)
					WHERE trigger = 'scheduled' AND state = 'scheduled'
				DO NOTHING`,
				scanRunArgs(snap)...)
			if err != nil {
				return fmt.Errorf("failed to ensure scheduled scan run: %w", err)
			}
			if tag.RowsAffected() == 1 {
				run, created = scanning.ReconstructScanRun(snap), true
				return nil
			}

			run, err = scanScanRun(q.QueryRow(ctx, `SELECT `+scanRunColumns+` FROM scan_runs
				WHERE tenant_id = $1 AND provider_id = $2 AND scheduler_ref = $3
				  AND trigger = 'scheduled' AND state = 'scheduled' AND scheduled_at = $4`,
				pgUUID(snap.TenantID), pgUUID(snap.ProviderID), snap.SchedulerRef, pgTime(snap.ScheduledAt)))
			if err != nil {
				return fmt.Errorf("failed to load scheduled scan run: %w", err)
			}
			return nil
		})
	})
	return run, created, err
}
