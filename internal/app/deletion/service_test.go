package deletion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage/memory"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

type flakyRows struct{ scanning.DeletionRepository }

func (flakyRows) DeleteTenant(context.Context, uuid.UUID, int) (int64, error) {
	return 12, errors.New("lock timeout")
}

func TestDeleteProviderRemovesScansAndSchedule(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDB()
	providers := memory.NewProviderRepository(db)
	scans := memory.NewScanRunRepository(db)
	findings := memory.NewFindingRepository(db)
	periodic := memory.NewPeriodicTaskRepository(db)

	tenantID, providerID := uuid.New(), uuid.New()
	providers.Put(ctx, scanning.Provider{ID: providerID, TenantID: tenantID, Type: scanning.ProviderAWS, UID: "123456789012"})
	run := scanning.NewScanRun(tenantID, providerID, "manual", scanning.TriggerManual)
	require.NoError(t, scans.Create(ctx, run))
	require.NoError(t, findings.Save(ctx, tenantID, []*scanning.Finding{
		{ID: uuid.New(), TenantID: tenantID, ScanID: run.ID(), UID: "f1", CheckID: "c1"},
	}))
	require.NoError(t, periodic.Upsert(ctx, &scanning.PeriodicTask{
		Name: scanning.ScheduledTaskName(providerID), TenantID: tenantID, ProviderID: providerID, Enabled: true,
	}))

	svc := NewService(memory.NewDeletionRepository(db), periodic, 0, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	deleted, err := svc.DeleteProvider(ctx, tenantID, providerID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	_, err = providers.Get(ctx, tenantID, providerID)
	assert.ErrorIs(t, err, scanning.ErrProviderNotFound)
	_, err = periodic.Get(ctx, scanning.ScheduledTaskName(providerID))
	assert.ErrorIs(t, err, scanning.ErrPeriodicTaskNotFound)

	// A retry after a completed deletion is a no-op.
	deleted, err = svc.DeleteProvider(ctx, tenantID, providerID)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestDeleteTenantWrapsFailure(t *testing.T) {
	svc := NewService(flakyRows{}, memory.NewPeriodicTaskRepository(memory.NewDB()), 10, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	deleted, err := svc.DeleteTenant(context.Background(), uuid.New())
	assert.ErrorContains(t, err, "lock timeout")
	assert.Equal(t, int64(12), deleted)
}
