package scan

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/cloudscan-armada/internal/domain/compliance"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage/memory"
	"github.com/ahrav/cloudscan-armada/pkg/common"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

type mockCheckRunner struct{ mock.Mock }

func (m *mockCheckRunner) Run(ctx context.Context, req scanning.CheckRequest) iter.Seq2[scanning.CheckResult, error] {
	args := m.Called(ctx, req)
	return args.Get(0).(iter.Seq2[scanning.CheckResult, error])
}

func results(items ...any) iter.Seq2[scanning.CheckResult, error] {
	return func(yield func(scanning.CheckResult, error) bool) {
		for _, it := range items {
			switch v := it.(type) {
			case scanning.CheckResult:
				if !yield(v, nil) {
					return
				}
			case error:
				yield(scanning.CheckResult{}, v)
				return
			}
		}
	}
}

type fixture struct {
	db        *memory.DB
	scans     *memory.ScanRunRepository
	findings  *memory.FindingRepository
	summaries *memory.SummaryRepository
	providers *memory.ProviderRepository
	overviews *memory.ComplianceOverviewRepository
	clock     *timeutil.Mock

	tenantID uuid.UUID
	provider scanning.Provider
	run      *scanning.ScanRun
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memory.NewDB()
	f := &fixture{
		db:        db,
		scans:     memory.NewScanRunRepository(db),
		findings:  memory.NewFindingRepository(db),
		summaries: memory.NewSummaryRepository(db),
		providers: memory.NewProviderRepository(db),
		overviews: memory.NewComplianceOverviewRepository(db),
		clock:     timeutil.NewMock(time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)),
		tenantID:  uuid.New(),
	}
	f.provider = scanning.Provider{ID: uuid.New(), TenantID: f.tenantID, Type: scanning.ProviderAWS, UID: "123456789012"}
	f.providers.Put(context.Background(), f.provider)
	f.run = scanning.NewScanRun(f.tenantID, f.provider.ID, "manual", scanning.TriggerManual)
	require.NoError(t, f.scans.Create(context.Background(), f.run))
	return f
}

func (f *fixture) executor(runner scanning.CheckRunner) *Executor {
	return NewExecutor(f.scans, f.findings, f.providers, runner, common.NewRateLimiter(0, 0),
		f.clock, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func (f *fixture) storedFindings(t *testing.T) []*scanning.Finding {
	t.Helper()
	var out []*scanning.Finding
	for fd, err := range f.findings.StreamByScan(context.Background(), f.tenantID, f.run.ID(), 100) {
		require.NoError(t, err)
		out = append(out, fd)
	}
	return out
}

func finding(uid, resource string, status scanning.FindingStatus) *scanning.Finding {
	return &scanning.Finding{
		UID: uid, CheckID: "s3_public", ServiceName: "s3", Severity: scanning.SeverityHigh,
		Status: status, Region: "eu-west-1", ResourceUID: resource,
		Compliance: map[string][]string{"CIS-2.0": {"2.1"}},
	}
}

func TestExecutor_Perform(t *testing.T) {
	t.Parallel()

	upstream := errors.New("provider throttled")
	tests := []struct {
		name          string
		results       iter.Seq2[scanning.CheckResult, error]
		wantState     scanning.State
		wantFindings  int
		wantFailed    int
		wantResources int
		wantErr       bool
	}{
		{
			name: "all checks succeed",
			results: results(
				scanning.CheckResult{CheckID: "a", Findings: []*scanning.Finding{finding("1", "r1", scanning.FindingFail)}, Progress: 50},
				scanning.CheckResult{CheckID: "b", Findings: []*scanning.Finding{finding("2", "r1", scanning.FindingPass), finding("3", "r2", scanning.FindingPass)}, Progress: 100},
			),
			wantState: scanning.StateCompleted, wantFindings: 3, wantResources: 2,
		},
		{
			name: "isolated check failure does not abort the suite",
			results: results(
				scanning.CheckResult{CheckID: "a", Err: errors.New("access denied")},
				scanning.CheckResult{CheckID: "b", Findings: []*scanning.Finding{finding("1", "r1", scanning.FindingFail)}},
			),
			wantState: scanning.StateCompleted, wantFindings: 1, wantFailed: 1, wantResources: 1,
		},
		{
			name: "suite failure keeps committed findings",
			results: results(
				scanning.CheckResult{CheckID: "a", Findings: []*scanning.Finding{finding("1", "r1", scanning.FindingFail)}},
				upstream,
			),
			wantState: scanning.StateFailed, wantFindings: 1, wantResources: 1, wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			runner := new(mockCheckRunner)
			runner.On("Run", mock.Anything, mock.MatchedBy(func(req scanning.CheckRequest) bool {
				return req.ScanID == f.run.ID() && req.Provider.ID == f.provider.ID
			})).Return(tt.results)

			out, err := f.executor(runner).Perform(context.Background(), f.tenantID, f.run.ID(), "task-1", nil)
			if tt.wantErr {
				require.Error(t, err)
				var upErr *scanning.UpstreamUnavailableError
				assert.ErrorAs(t, err, &upErr)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantFindings, out.Findings)
			assert.Equal(t, tt.wantFailed, out.FailedChecks)
			assert.Equal(t, tt.wantResources, out.UniqueResources)

			stored, err := f.scans.Get(context.Background(), f.tenantID, f.run.ID())
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, stored.State())
			assert.Equal(t, "task-1", stored.TaskID())
			assert.False(t, stored.CompletedAt().IsZero())

			persisted := f.storedFindings(t)
			assert.Len(t, persisted, tt.wantFindings)
			for _, p := range persisted {
				assert.Equal(t, f.run.ID(), p.ScanID)
				assert.Equal(t, f.tenantID, p.TenantID)
			}
			runner.AssertExpectations(t)
		})
	}
}

func TestExecutor_RejectsTerminalRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	runner := new(mockCheckRunner)
	runner.On("Run", mock.Anything, mock.Anything).Return(results())

	_, err := f.executor(runner).Perform(context.Background(), f.tenantID, f.run.ID(), "task-1", nil)
	require.NoError(t, err)

	_, err = f.executor(runner).Perform(context.Background(), f.tenantID, f.run.ID(), "task-2", nil)
	var logicErr *scanning.LogicError
	require.ErrorAs(t, err, &logicErr)
	runner.AssertNumberOfCalls(t, "Run", 1)
}

func TestSummaryAggregator_Aggregate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	muted := finding("3", "r3", scanning.FindingFail)
	muted.Muted = true
	newer := finding("4", "r4", scanning.FindingFail)
	newer.Delta = scanning.DeltaNew
	other := finding("5", "r5", scanning.FindingPass)
	other.Region = "us-east-1"
	batch := []*scanning.Finding{
		finding("1", "r1", scanning.FindingFail), finding("2", "r2", scanning.FindingPass), muted, newer, other,
	}
	for _, fd := range batch {
		fd.ScanID = f.run.ID()
	}
	require.NoError(t, f.findings.Save(ctx, f.tenantID, batch))

	agg := NewSummaryAggregator(f.findings, f.summaries, 2, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	exists, err := f.summaries.Exists(ctx, f.tenantID, f.run.ID())
	require.NoError(t, err)
	assert.False(t, exists)

	n, err := agg.Aggregate(ctx, f.tenantID, f.run.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := f.summaries.List(ctx, f.tenantID, f.run.ID())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "eu-west-1", rows[0].Region)
	assert.Equal(t, 4, rows[0].Total)
	assert.Equal(t, 2, rows[0].Fail)
	assert.Equal(t, 1, rows[0].Muted)
	assert.Equal(t, 1, rows[0].New)
	assert.Equal(t, 1, rows[1].Pass)

	again, err := agg.Aggregate(ctx, f.tenantID, f.run.ID())
	require.NoError(t, err)
	assert.Equal(t, n, again, "aggregation is idempotent")
}

func TestOverviewMaterializer_Materialize(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	failing := finding("1", "r1", scanning.FindingFail)
	passing := finding("2", "r2", scanning.FindingPass)
	passing.Region = "us-east-1"
	mutedFail := finding("3", "r3", scanning.FindingFail)
	mutedFail.Region = "us-east-1"
	mutedFail.Muted = true
	for _, fd := range []*scanning.Finding{failing, passing, mutedFail} {
		fd.ScanID = f.run.ID()
	}
	require.NoError(t, f.findings.Save(ctx, f.tenantID, []*scanning.Finding{failing, passing, mutedFail}))

	catalog := staticCatalog{{
		ID: "cis_2.0_aws", Name: "CIS", Version: "2.0",
		Requirements: []compliance.Requirement{
			{ID: "2.1", Checks: []string{"s3_public"}},
			{ID: "9.9"},
		},
	}}
	m := NewOverviewMaterializer(f.scans, f.providers, f.findings, f.overviews, catalog, 10,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	n, err := m.Materialize(ctx, f.tenantID, f.run.ID())
	require.NoError(t, err)
	assert.Equal(t, 4, n, "two requirements across two regions")

	byKey := make(map[string]scanning.FindingStatus)
	for _, row := range f.overviews.List(ctx, f.tenantID, f.run.ID()) {
		byKey[row.RequirementID+"/"+row.Region] = row.Status
	}
	assert.Equal(t, scanning.FindingFail, byKey["2.1/eu-west-1"])
	assert.Equal(t, scanning.FindingPass, byKey["2.1/us-east-1"], "muted failures do not fail a requirement")
	assert.Equal(t, scanning.FindingManual, byKey["9.9/eu-west-1"])
	assert.Equal(t, scanning.FindingManual, byKey["9.9/us-east-1"])
}

type staticCatalog []compliance.Framework

func (c staticCatalog) ForProvider(context.Context, scanning.ProviderType) ([]compliance.Framework, error) {
	return c, nil
}
