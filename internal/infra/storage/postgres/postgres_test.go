package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/cloudscan-armada/internal/domain/integration"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/domain/tenant"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

type fixture struct {
	pool      *pgxpool.Pool
	scans     *scanRunStore
	findings  *findingStore
	summaries *summaryStore
	overviews *complianceOverviewStore
	providers *providerStore
	periodic  *periodicTaskStore
	ints      *integrationStore
	deletion  *deletionStore

	tenantID uuid.UUID
	provider scanning.Provider
}

func setup(t *testing.T) (context.Context, *fixture) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	pool := storage.SetupTestContainer(t)

	tracer := storage.NoOpTracer()
	f := &fixture{
		pool:      pool,
		scans:     NewScanRunStore(pool, tracer),
		findings:  NewFindingStore(pool, tracer),
		summaries: NewSummaryStore(pool, tracer),
		overviews: NewComplianceOverviewStore(pool, tracer),
		providers: NewProviderStore(pool, tracer),
		periodic:  NewPeriodicTaskStore(pool, tracer),
		ints:      NewIntegrationStore(pool, tracer),
		deletion:  NewDeletionStore(pool, tracer),
		tenantID:  uuid.New(),
	}

	ctx := context.Background()
	f.provider = scanning.Provider{ID: uuid.New(), TenantID: f.tenantID, Type: scanning.ProviderAWS, UID: "123456789012"}
	require.NoError(t, f.providers.Upsert(ctx, f.provider))
	return ctx, f
}

func (f *fixture) createRun(t *testing.T, ctx context.Context) *scanning.ScanRun {
	t.Helper()
	run := scanning.NewScanRun(f.tenantID, f.provider.ID, "manual", scanning.TriggerManual)
	require.NoError(t, f.scans.Create(ctx, run))
	return run
}

func TestScanRunStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)

	run := f.createRun(t, ctx)
	now := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, run.Start("task-1", now))
	require.NoError(t, f.scans.Update(ctx, run))
	require.NoError(t, run.Complete(now.Add(time.Minute), 7))
	require.NoError(t, run.SetOutputLocation("s3://artifacts/out.zip"))
	require.NoError(t, f.scans.Update(ctx, run))

	got, err := f.scans.Get(ctx, f.tenantID, run.ID())
	require.NoError(t, err)
	assert.Equal(t, run.Snapshot(), got.Snapshot())

	_, err = f.scans.Get(ctx, uuid.New(), run.ID())
	assert.ErrorIs(t, err, scanning.ErrScanRunNotFound)
}

func TestScanRunStore_ListByTaskIDOrdersCompletedFirst(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)

	base := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	pending := f.createRun(t, ctx)
	pending.BindTask("exec-1")
	require.NoError(t, f.scans.Update(ctx, pending))

	var completed []*scanning.ScanRun
	for i := range 2 {
		run := f.createRun(t, ctx)
		require.NoError(t, run.Start("exec-1", base))
		require.NoError(t, run.Complete(base.Add(time.Duration(2-i)*time.Hour), 0))
		require.NoError(t, f.scans.Update(ctx, run))
		completed = append(completed, run)
	}

	runs, err := f.scans.ListByTaskID(ctx, f.tenantID, "exec-1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, completed[1].ID(), runs[0].ID())
	assert.Equal(t, completed[0].ID(), runs[1].ID())
	assert.Equal(t, pending.ID(), runs[2].ID())
}

func TestScanRunStore_ScheduledPlaceholders(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)

	ref := scanning.ScheduledTaskName(f.provider.ID)
	slot := time.Date(2025, 4, 2, 6, 0, 0, 0, time.UTC)

	first, created, err := f.scans.GetOrCreatePending(ctx,
		scanning.NewScheduledPlaceholder(f.tenantID, f.provider.ID, ref, "Daily scheduled scan", scanning.StateAvailable, slot))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.scans.GetOrCreatePending(ctx,
		scanning.NewScheduledPlaceholder(f.tenantID, f.provider.ID, ref, "Daily scheduled scan", scanning.StateAvailable, slot))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID(), again.ID())

	next := slot.Add(24 * time.Hour)
	s1, created, err := f.scans.EnsureScheduled(ctx,
		scanning.NewScheduledPlaceholder(f.tenantID, f.provider.ID, ref, "Daily scheduled scan", scanning.StateScheduled, next))
	require.NoError(t, err)
	assert.True(t, created)

	s2, created, err := f.scans.EnsureScheduled(ctx,
		scanning.NewScheduledPlaceholder(f.tenantID, f.provider.ID, ref, "Daily scheduled scan", scanning.StateScheduled, next))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s1.ID(), s2.ID())

	require.NoError(t, first.Start("exec-9", slot.Add(time.Hour)))
	require.NoError(t, f.scans.Update(ctx, first))

	executing, err := f.scans.ExistsExecutingScheduled(ctx, f.tenantID, f.provider.ID, ref, slot.Add(5*time.Hour))
	require.NoError(t, err)
	assert.True(t, executing)

	executing, err = f.scans.ExistsExecutingScheduled(ctx, f.tenantID, f.provider.ID, ref, next)
	require.NoError(t, err)
	assert.False(t, executing)
}

func TestFindingStore_StreamIsOrderedAndIdempotent(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	run := f.createRun(t, ctx)

	var batch []*scanning.Finding
	for i := range 11 {
		batch = append(batch, &scanning.Finding{
			ScanID: run.ID(), UID: fmt.Sprintf("f-%02d", 10-i), CheckID: "s3_public",
			Severity: scanning.SeverityHigh, Status: scanning.FindingFail,
			Compliance: map[string][]string{"CIS-2.0": {"2.1"}},
		})
	}
	require.NoError(t, f.findings.Save(ctx, f.tenantID, batch))
	require.NoError(t, f.findings.Save(ctx, f.tenantID, batch[:3]))

	var uids []string
	for fd, err := range f.findings.StreamByScan(ctx, f.tenantID, run.ID(), 4) {
		require.NoError(t, err)
		assert.Equal(t, []string{"2.1"}, fd.RequirementsFor("CIS-2.0"))
		uids = append(uids, fd.UID)
	}
	require.Len(t, uids, 11)
	assert.IsIncreasing(t, uids)

	for range f.findings.StreamByScan(ctx, uuid.New(), run.ID(), 4) {
		t.Fatal("another tenant must not see the findings")
	}
}

func TestSummaryAndOverviewStores(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	run := f.createRun(t, ctx)

	exists, err := f.summaries.Exists(ctx, f.tenantID, run.ID())
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = f.summaries.List(ctx, f.tenantID, run.ID())
	assert.ErrorIs(t, err, scanning.ErrSummaryNotFound)

	rows := []scanning.SummaryRow{
		{CheckID: "a", Service: "s3", Severity: scanning.SeverityHigh, Region: "eu-west-1", Fail: 2, Total: 2},
		{CheckID: "b", Service: "iam", Severity: scanning.SeverityLow, Region: "global", Pass: 1, Total: 1, New: 1},
	}
	require.NoError(t, f.summaries.ReplaceForScan(ctx, f.tenantID, run.ID(), rows))
	require.NoError(t, f.summaries.ReplaceForScan(ctx, f.tenantID, run.ID(), rows[:1]))

	got, err := f.summaries.List(ctx, f.tenantID, run.ID())
	require.NoError(t, err)
	assert.Equal(t, rows[:1], got)

	overviews := []scanning.RequirementOverview{{
		FrameworkID: "cis_2.0_aws", Version: "2.0", RequirementID: "2.1", Region: "eu-west-1",
		Status: scanning.FindingFail, FailedChecks: 1, TotalChecks: 1,
	}}
	require.NoError(t, f.overviews.ReplaceForScan(ctx, f.tenantID, run.ID(), overviews))
	stored, err := f.overviews.List(ctx, f.tenantID, run.ID())
	require.NoError(t, err)
	assert.Equal(t, overviews, stored)
}

func TestPeriodicTaskStore(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)

	anchor := time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC)
	pt := &scanning.PeriodicTask{
		Name:       scanning.ScheduledTaskName(f.provider.ID),
		TaskName:   "scan-perform-scheduled",
		TenantID:   f.tenantID,
		ProviderID: f.provider.ID,
		Cadence:    scanning.DailyCadence(anchor),
		Enabled:    true,
	}
	require.NoError(t, f.periodic.Upsert(ctx, pt))

	due, err := f.periodic.ListDue(ctx, anchor.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, pt.Cadence, due[0].Cadence)

	require.NoError(t, f.periodic.MarkRun(ctx, pt.Name, anchor.Add(time.Hour)))
	due, err = f.periodic.ListDue(ctx, anchor.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, f.periodic.Delete(ctx, pt.Name))
	assert.ErrorIs(t, f.periodic.Delete(ctx, pt.Name), scanning.ErrPeriodicTaskNotFound)
	_, err = f.periodic.Get(ctx, pt.Name)
	assert.ErrorIs(t, err, scanning.ErrPeriodicTaskNotFound)
}

func TestIntegrationStore(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)

	s3 := integration.Integration{ID: uuid.New(), TenantID: f.tenantID, Kind: integration.KindAmazonS3, Enabled: true,
		Configuration: map[string]string{"bucket_name": "reports"}}
	off := integration.Integration{ID: uuid.New(), TenantID: f.tenantID, Kind: integration.KindSlack, Enabled: false,
		Configuration: map[string]string{"webhook_url": "http://hook"}}
	require.NoError(t, f.ints.Create(ctx, s3, f.provider.ID))
	require.NoError(t, f.ints.Create(ctx, off, f.provider.ID))

	enabled, err := f.ints.ListEnabledForProvider(ctx, f.tenantID, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, []integration.Integration{s3}, enabled)

	_, err = f.ints.Get(ctx, uuid.New(), s3.ID)
	assert.ErrorIs(t, err, integration.ErrNotFound)
}

func TestDeletionStore_DeleteProvider(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)

	run := f.createRun(t, ctx)
	var batch []*scanning.Finding
	for i := range 5 {
		batch = append(batch, &scanning.Finding{ScanID: run.ID(), UID: fmt.Sprintf("f-%d", i), CheckID: "c",
			Severity: scanning.SeverityLow, Status: scanning.FindingPass})
	}
	require.NoError(t, f.findings.Save(ctx, f.tenantID, batch))
	require.NoError(t, f.summaries.ReplaceForScan(ctx, f.tenantID, run.ID(), []scanning.SummaryRow{
		{CheckID: "c", Service: "s3", Severity: scanning.SeverityLow, Region: "eu-west-1", Pass: 5, Total: 5},
	}))

	deleted, err := f.deletion.DeleteProvider(ctx, f.tenantID, f.provider.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5+1+1+1), deleted)

	_, err = f.providers.Get(ctx, f.tenantID, f.provider.ID)
	assert.ErrorIs(t, err, scanning.ErrProviderNotFound)

	deleted, err = f.deletion.DeleteProvider(ctx, f.tenantID, f.provider.ID, 2)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestTenantScope(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	scope := NewTenantScope(f.pool, storage.NoOpTracer())

	var run *scanning.ScanRun
	err := scope.Run(ctx, f.tenantID, func(ctx context.Context) error {
		id, err := tenant.FromContext(ctx)
		require.NoError(t, err)
		assert.Equal(t, f.tenantID, id)

		run = scanning.NewScanRun(f.tenantID, f.provider.ID, "scoped", scanning.TriggerManual)
		return f.scans.Create(ctx, run)
	})
	require.NoError(t, err)

	_, err = f.scans.Get(ctx, f.tenantID, run.ID())
	require.NoError(t, err)

	err = scope.Run(ctx, f.tenantID, func(ctx context.Context) error {
		_, err := f.scans.Get(ctx, uuid.New(), run.ID())
		return err
	})
	assert.ErrorIs(t, err, tenant.ErrTenantMismatch)

	assert.ErrorIs(t, scope.Run(ctx, uuid.Nil, func(context.Context) error { return nil }), tenant.ErrMissingTenant)

	_, err = f.scans.Get(tenant.WithID(ctx, uuid.New()), f.tenantID, run.ID())
	assert.ErrorIs(t, err, tenant.ErrTenantMismatch)
}

func TestTenantScopeRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	scope := NewTenantScope(f.pool, storage.NoOpTracer())

	run := scanning.NewScanRun(f.tenantID, f.provider.ID, "rolled back", scanning.TriggerManual)
	boom := fmt.Errorf("bind failed")
	err := scope.Run(ctx, f.tenantID, func(ctx context.Context) error {
		require.NoError(t, f.scans.Create(ctx, run))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = f.scans.Get(ctx, f.tenantID, run.ID())
	assert.ErrorIs(t, err, scanning.ErrScanRunNotFound)
}
