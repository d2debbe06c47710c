package pipeline

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/cloudscan-armada/internal/app/deletion"
	"github.com/ahrav/cloudscan-armada/internal/app/integrations"
	"github.com/ahrav/cloudscan-armada/internal/app/report"
	"github.com/ahrav/cloudscan-armada/internal/app/scan"
	"github.com/ahrav/cloudscan-armada/internal/app/schedule"
	"github.com/ahrav/cloudscan-armada/internal/app/worker"
	"github.com/ahrav/cloudscan-armada/internal/domain/compliance"
	"github.com/ahrav/cloudscan-armada/internal/domain/integration"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage/memory"
	taskmemory "github.com/ahrav/cloudscan-armada/internal/infra/taskqueue/memory"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

type runnerFunc func(ctx context.Context, req scanning.CheckRequest) iter.Seq2[scanning.CheckResult, error]

func (f runnerFunc) Run(ctx context.Context, req scanning.CheckRequest) iter.Seq2[scanning.CheckResult, error] {
	return f(ctx, req)
}

type staticCatalog []compliance.Framework

func (c staticCatalog) ForProvider(context.Context, scanning.ProviderType) ([]compliance.Framework, error) {
	return c, nil
}

type artifactStore struct {
	mu   sync.Mutex
	keys []string
}

func (s *artifactStore) Upload(_ context.Context, key, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return "s3://artifacts/" + key, nil
}

type bucketUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *bucketUploader) PutFile(_ context.Context, bucket, key, _, _ string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, bucket+"/"+key)
	return nil
}

func (u *bucketUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.keys)
}

type recordingNotifier struct {
	mu    sync.Mutex
	scans []uuid.UUID
}

func (n *recordingNotifier) Notify(_ context.Context, _, _, scanID uuid.UUID) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scans = append(n.scans, scanID)
	return 1, nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.scans)
}

type env struct {
	tenantID  uuid.UUID
	provider  scanning.Provider
	scans     *memory.ScanRunRepository
	summaries *memory.SummaryRepository
	overviews *memory.ComplianceOverviewRepository
	queue     *taskmemory.Queue
	registry  *worker.Registry
	worker    *worker.Worker
	uploader  *bucketUploader
	notifier  *recordingNotifier
}

func newEnv(t *testing.T, runner scanning.CheckRunner) *env {
	t.Helper()
	ctx := context.Background()
	tracer := noop.NewTracerProvider().Tracer("test")
	log := logger.Noop()
	clock := timeutil.NewMock(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))

	db := memory.NewDB()
	e := &env{
		tenantID:  uuid.New(),
		scans:     memory.NewScanRunRepository(db),
		summaries: memory.NewSummaryRepository(db),
		overviews: memory.NewComplianceOverviewRepository(db),
		queue:     taskmemory.NewQueue(64),
		uploader:  &bucketUploader{},
		notifier:  &recordingNotifier{},
	}
	t.Cleanup(func() { _ = e.queue.Close() })

	findings := memory.NewFindingRepository(db)
	providers := memory.NewProviderRepository(db)
	periodic := memory.NewPeriodicTaskRepository(db)
	integrationRepo := memory.NewIntegrationRepository(db)

	e.provider = scanning.Provider{ID: uuid.New(), TenantID: e.tenantID, Type: scanning.ProviderAWS, UID: "123456789012"}
	providers.Put(ctx, e.provider)
	integrationRepo.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: e.tenantID, Kind: integration.KindAmazonS3, Enabled: true,
		Configuration: map[string]string{"bucket_name": "customer"}}, e.provider.ID)
	integrationRepo.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: e.tenantID, Kind: integration.KindSlack, Enabled: true,
		Configuration: map[string]string{"webhook_url": "http://hook"}}, e.provider.ID)

	catalog := staticCatalog{{
		ID: "cis_2.0_aws", Name: "CIS", Version: "2.0", Provider: "AWS",
		Requirements: []compliance.Requirement{
			{ID: "2.1", Checks: []string{"s3_public"}, Attributes: []compliance.Attribute{{Section: "2"}}},
			{ID: "9.9", Attributes: []compliance.Attribute{{Section: "9"}}},
		},
	}}

	workerMetrics, err := worker.NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	reportMetrics, err := report.NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	e.registry = worker.NewRegistry(workerMetrics, log, tracer)
	fanout := NewPostScanFanout(e.queue, tracer)

	executor := scan.NewExecutor(e.scans, findings, providers, runner, nil, clock, log, tracer)
	finalizer := report.NewFinalizer(e.scans, integrationRepo, &artifactStore{}, NewAwaitMirror(e.registry), reportMetrics, log, tracer)
	generator := report.NewGenerator(
		e.scans, findings, e.summaries, providers, catalog, finalizer,
		report.Config{BatchSize: 2, PageSize: 3, OutputDir: t.TempDir()},
		reportMetrics, log, tracer, report.WithClock(clock),
	)

	orch := NewOrchestrator(e.registry, fanout, Services{
		Executor:     executor,
		Scheduler:    schedule.NewDeduplicator(memory.NewTenantScope(db), e.scans, periodic, executor, fanout, clock, log, tracer),
		Summaries:    scan.NewSummaryAggregator(findings, e.summaries, 3, log, tracer),
		Overviews:    scan.NewOverviewMaterializer(e.scans, providers, findings, e.overviews, catalog, 3, log, tracer),
		Reports:      generator,
		Integrations: integrations.NewChecker(integrationRepo, e.queue, log, tracer),
		Mirror:       integrations.NewS3Delivery(integrationRepo, e.uploader, 2, log, tracer),
		Notifier:     e.notifier,
		Deletion:     deletion.NewService(memory.NewDeletionRepository(db), periodic, 100, log, tracer),
	}, log, tracer)
	orch.RegisterHandlers(ctx)

	e.worker = worker.NewWorker(e.queue, e.registry, nil, workerMetrics, log, tracer)
	return e
}

func (e *env) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.worker.Run(ctx) }()
}

func findingsFor(checkID string, status scanning.FindingStatus, uids ...string) []*scanning.Finding {
	out := make([]*scanning.Finding, 0, len(uids))
	for _, uid := range uids {
		out = append(out, &scanning.Finding{
			UID:         uid,
			CheckID:     checkID,
			Status:      status,
			Severity:    scanning.SeverityHigh,
			Region:      "eu-west-1",
			ResourceUID: "arn:aws:s3:::" + uid,
			Compliance:  map[string][]string{"CIS-2.0": {"2.1"}},
		})
	}
	return out
}

func TestScanPerformRunsFullPipeline(t *testing.T) {
	runner := runnerFunc(func(context.Context, scanning.CheckRequest) iter.Seq2[scanning.CheckResult, error] {
		return func(yield func(scanning.CheckResult, error) bool) {
			if !yield(scanning.CheckResult{CheckID: "s3_public", Findings: findingsFor("s3_public", scanning.FindingFail, "a", "b", "c"), Progress: 50}, nil) {
				return
			}
			yield(scanning.CheckResult{CheckID: "iam_root", Err: errors.New("access denied"), Progress: 100}, nil)
		}
	})
	e := newEnv(t, runner)
	ctx := context.Background()

	run := scanning.NewScanRun(e.tenantID, e.provider.ID, "manual", scanning.TriggerManual)
	require.NoError(t, e.scans.Create(ctx, run))

	e.start(t)
	require.NoError(t, e.queue.Enqueue(ctx, tasks.NewSignature(tasks.ScanPerform, e.tenantID, tasks.Args{
		"scan_id":     run.ID().String(),
		"provider_id": e.provider.ID.String(),
	})))

	require.Eventually(t, func() bool { return e.notifier.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	stored, err := e.scans.Get(ctx, e.tenantID, run.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.StateCompleted, stored.State())
	assert.True(t, strings.HasPrefix(stored.OutputLocation(), "s3://artifacts/"+e.tenantID.String()+"/"+run.ID().String()+"/"))

	exists, err := e.summaries.Exists(ctx, e.tenantID, run.ID())
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Positive(t, e.uploader.count(), "the mirror ran before the local directory was removed")

	require.Eventually(t, func() bool { return len(e.overviews.List(ctx, e.tenantID, run.ID())) > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestScanPerformFailureStillFansOut(t *testing.T) {
	runner := runnerFunc(func(context.Context, scanning.CheckRequest) iter.Seq2[scanning.CheckResult, error] {
		return func(yield func(scanning.CheckResult, error) bool) {
			if !yield(scanning.CheckResult{CheckID: "s3_public", Findings: findingsFor("s3_public", scanning.FindingPass, "a"), Progress: 10}, nil) {
				return
			}
			yield(scanning.CheckResult{}, errors.New("provider API unreachable"))
		}
	})
	e := newEnv(t, runner)
	ctx := context.Background()

	run := scanning.NewScanRun(e.tenantID, e.provider.ID, "manual", scanning.TriggerManual)
	require.NoError(t, e.scans.Create(ctx, run))

	_, err := e.registry.Execute(ctx, tasks.NewSignature(tasks.ScanPerform, e.tenantID, tasks.Args{
		"scan_id":     run.ID().String(),
		"provider_id": e.provider.ID.String(),
	}))
	var upstream *scanning.UpstreamUnavailableError
	require.ErrorAs(t, err, &upstream)

	assert.Equal(t, 2, e.queue.Len(tasks.QueueOverview), "overviews and summary were enqueued")

	e.start(t)
	require.Eventually(t, func() bool {
		ok, _ := e.summaries.Exists(ctx, e.tenantID, run.ID())
		return ok
	}, 5*time.Second, 10*time.Millisecond, "partial findings are summarized")

	stored, err := e.scans.Get(ctx, e.tenantID, run.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.StateFailed, stored.State())
}

func TestPostScanSignatures(t *testing.T) {
	tenantID, scanID, providerID := uuid.New(), uuid.New(), uuid.New()

	group := PostScanSignatures(tenantID, scanID, providerID)
	require.Len(t, group, 2)

	assert.Equal(t, tasks.ScanComplianceOverviews, group[0].Name)
	assert.Empty(t, group[0].Chain)

	assert.Equal(t, tasks.ScanSummary, group[1].Name)
	require.Len(t, group[1].Chain, 2)
	assert.Equal(t, tasks.ScanReport, group[1].Chain[0].Name)
	assert.Equal(t, tasks.IntegrationCheck, group[1].Chain[1].Name)

	for _, sig := range append([]tasks.Signature{group[0], group[1]}, group[1].Chain...) {
		assert.Equal(t, tenantID, sig.TenantID)
		assert.Equal(t, scanID.String(), sig.Args.String("scan_id"))
		assert.Equal(t, providerID.String(), sig.Args.String("provider_id"))
	}
}

func TestHandlersRequireTenant(t *testing.T) {
	e := newEnv(t, runnerFunc(func(context.Context, scanning.CheckRequest) iter.Seq2[scanning.CheckResult, error] {
		return func(func(scanning.CheckResult, error) bool) {}
	}))

	_, err := e.registry.Execute(context.Background(), tasks.NewSignature(tasks.ScanSummary, uuid.Nil, tasks.Args{"scan_id": uuid.New().String()}))
	assert.Error(t, err)
}

func TestReportWithoutSummaryIsNotUploaded(t *testing.T) {
	e := newEnv(t, runnerFunc(func(context.Context, scanning.CheckRequest) iter.Seq2[scanning.CheckResult, error] {
		return func(func(scanning.CheckResult, error) bool) {}
	}))

	res, err := e.registry.Execute(context.Background(), tasks.NewSignature(tasks.ScanReport, e.tenantID, tasks.Args{"scan_id": uuid.New().String()}))
	require.NoError(t, err)
	assert.Equal(t, tasks.Result{"upload": false}, res)
}
