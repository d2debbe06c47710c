package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/cloudscan-armada/internal/domain/integration"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage/memory"
	taskmemory "github.com/ahrav/cloudscan-armada/internal/infra/taskqueue/memory"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

var tracer = noop.NewTracerProvider().Tracer("test")

type failingIntegrations struct{ integration.Repository }

func (failingIntegrations) ListEnabledForProvider(context.Context, uuid.UUID, uuid.UUID) ([]integration.Integration, error) {
	return nil, errors.New("connection reset")
}

func TestCheckerDispatchesAsyncKindsOnly(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDB()
	repo := memory.NewIntegrationRepository(db)
	tenantID, providerID, scanID := uuid.New(), uuid.New(), uuid.New()

	repo.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindAmazonS3, Enabled: true,
		Configuration: map[string]string{"bucket_name": "b"}}, providerID)
	repo.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindSlack, Enabled: true,
		Configuration: map[string]string{"webhook_url": "http://hook"}}, providerID)
	repo.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindSlack, Enabled: false,
		Configuration: map[string]string{"webhook_url": "http://disabled"}}, providerID)

	q := taskmemory.NewQueue(8)
	defer q.Close()

	res := NewChecker(repo, q, logger.Noop(), tracer).Check(ctx, tenantID, providerID, scanID)

	assert.Equal(t, CheckResult{Processed: 1}, res)
	assert.Equal(t, 1, q.Len(tasks.QueueIntegrations))
	assert.Equal(t, tasks.Result{"integrations_processed": 1}, res.Result())
}

type recordingPublisher struct {
	sigs []tasks.Signature
}

func (p *recordingPublisher) Enqueue(_ context.Context, sig tasks.Signature) error {
	p.sigs = append(p.sigs, sig)
	return nil
}

func TestCheckerDispatchesOneTaskPerKind(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIntegrationRepository(memory.NewDB())
	tenantID, providerID, scanID := uuid.New(), uuid.New(), uuid.New()

	for _, hook := range []string{"http://a", "http://b", "http://c"} {
		repo.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindSlack, Enabled: true,
			Configuration: map[string]string{"webhook_url": hook}}, providerID)
	}

	pub := &recordingPublisher{}
	res := NewChecker(repo, pub, logger.Noop(), tracer).Check(ctx, tenantID, providerID, scanID)

	assert.Equal(t, CheckResult{Processed: 1}, res)
	require.Len(t, pub.sigs, 1)
	assert.Equal(t, tasks.IntegrationSlack, pub.sigs[0].Name)
	assert.Equal(t, tenantID, pub.sigs[0].TenantID)
	assert.Equal(t, providerID.String(), pub.sigs[0].Args.String("provider_id"))
	assert.Equal(t, scanID.String(), pub.sigs[0].Args.String("scan_id"))
}

func TestCheckerNoIntegrations(t *testing.T) {
	repo := memory.NewIntegrationRepository(memory.NewDB())
	q := taskmemory.NewQueue(1)
	defer q.Close()

	res := NewChecker(repo, q, logger.Noop(), tracer).Check(context.Background(), uuid.New(), uuid.New(), uuid.New())
	assert.Equal(t, CheckResult{}, res)
}

func TestCheckerReportsListingFailureInResult(t *testing.T) {
	q := taskmemory.NewQueue(1)
	defer q.Close()

	res := NewChecker(failingIntegrations{}, q, logger.Noop(), tracer).Check(context.Background(), uuid.New(), uuid.New(), uuid.New())
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, "connection reset", res.Error)
	assert.Equal(t, "connection reset", res.Result()["error"])
}

type recordingUploader struct {
	mu   sync.Mutex
	keys map[string][]string
	fail bool
}

func (u *recordingUploader) PutFile(_ context.Context, bucket, key, _, _ string) error {
	if u.fail {
		return errors.New("access denied")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.keys == nil {
		u.keys = make(map[string][]string)
	}
	u.keys[bucket] = append(u.keys[bucket], key)
	return nil
}

func writeReportTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "compliance"), 0o755))
	for _, name := range []string{
		"out.csv",
		"out.ocsf.json",
		"out.html",
		"out.zip",
		filepath.Join("compliance", "out_cis_2.0_aws.csv"),
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	return dir
}

func TestS3DeliveryMirrorsBySubfolder(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIntegrationRepository(memory.NewDB())
	tenantID, providerID := uuid.New(), uuid.New()
	repo.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindAmazonS3, Enabled: true,
		Configuration: map[string]string{"bucket_name": "customer", "output_directory": "reports"}}, providerID)
	repo.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindSlack, Enabled: true,
		Configuration: map[string]string{"webhook_url": "http://hook"}}, providerID)

	up := &recordingUploader{}
	n, err := NewS3Delivery(repo, up, 2, logger.Noop(), tracer).Deliver(ctx, tenantID, providerID, writeReportTree(t))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	keys := up.keys["customer"]
	sort.Strings(keys)
	assert.Equal(t, []string{
		"reports/compliance/out_cis_2.0_aws.csv",
		"reports/csv/out.csv",
		"reports/html/out.html",
		"reports/json-ocsf/out.ocsf.json",
	}, keys)
}

func TestS3DeliveryReportsUploadFailure(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIntegrationRepository(memory.NewDB())
	tenantID, providerID := uuid.New(), uuid.New()
	repo.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindAmazonS3, Enabled: true,
		Configuration: map[string]string{"bucket_name": "customer"}}, providerID)

	_, err := NewS3Delivery(repo, &recordingUploader{fail: true}, 1, logger.Noop(), tracer).
		Deliver(ctx, tenantID, providerID, writeReportTree(t))
	assert.ErrorContains(t, err, "access denied")
}

func TestSubfolderFor(t *testing.T) {
	tests := []struct {
		rel  string
		want string
	}{
		{"a.ocsf.json", "json-ocsf"},
		{"a.asff.json", "json-asff"},
		{"a.csv", "csv"},
		{"a.html", "html"},
		{"compliance/a_cis.csv", "compliance"},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.want, subfolderFor(tt.rel))
		})
	}
}

func TestSlackNotifierPostsToEveryWebhook(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDB()
	integrations := memory.NewIntegrationRepository(db)
	scans := memory.NewScanRunRepository(db)
	summaries := memory.NewSummaryRepository(db)

	var (
		mu  sync.Mutex
		got []slackMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var msg slackMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tenantID, providerID := uuid.New(), uuid.New()
	for _, channel := range []string{"#security", "#oncall"} {
		integrations.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindSlack, Enabled: true,
			Configuration: map[string]string{"webhook_url": srv.URL, "channel": channel}}, providerID)
	}
	integrations.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindAmazonS3, Enabled: true,
		Configuration: map[string]string{"bucket_name": "b"}}, providerID)

	run := scanning.NewScanRun(tenantID, providerID, "nightly", scanning.TriggerManual)
	require.NoError(t, scans.Create(ctx, run))
	require.NoError(t, summaries.ReplaceForScan(ctx, tenantID, run.ID(), []scanning.SummaryRow{
		{CheckID: "c1", Severity: scanning.SeverityCritical, Pass: 1, Fail: 2, Total: 3},
	}))

	n := NewSlackNotifier(integrations, scans, summaries, srv.Client(), logger.Noop(), tracer)
	sent, err := n.Notify(ctx, tenantID, providerID, run.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	require.Len(t, got, 2)
	channels := []string{got[0].Channel, got[1].Channel}
	sort.Strings(channels)
	assert.Equal(t, []string{"#oncall", "#security"}, channels)
	assert.Contains(t, got[0].Text, `"nightly"`)
	assert.Contains(t, got[0].Text, "2 failed")
	assert.Contains(t, got[0].Text, "Critical: 2")
}

func TestSlackNotifierScanWithoutSummary(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDB()
	integrations := memory.NewIntegrationRepository(db)
	scans := memory.NewScanRunRepository(db)

	var got slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tenantID, providerID := uuid.New(), uuid.New()
	integrations.Put(ctx, integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindSlack, Enabled: true,
		Configuration: map[string]string{"webhook_url": srv.URL}}, providerID)
	run := scanning.NewScanRun(tenantID, providerID, "empty", scanning.TriggerManual)
	require.NoError(t, scans.Create(ctx, run))

	sent, err := NewSlackNotifier(integrations, scans, memory.NewSummaryRepository(db), srv.Client(), logger.Noop(), tracer).
		Notify(ctx, tenantID, providerID, run.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Contains(t, got.Text, "0 passed, 0 failed")
}

func TestSlackNotifierRejectedWebhook(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDB()
	integrations := memory.NewIntegrationRepository(db)
	scans := memory.NewScanRunRepository(db)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tenantID, providerID := uuid.New(), uuid.New()
	in := integration.Integration{ID: uuid.New(), TenantID: tenantID, Kind: integration.KindSlack, Enabled: true,
		Configuration: map[string]string{"webhook_url": srv.URL}}
	integrations.Put(ctx, in, providerID)
	run := scanning.NewScanRun(tenantID, providerID, "", scanning.TriggerManual)
	require.NoError(t, scans.Create(ctx, run))

	sent, err := NewSlackNotifier(integrations, scans, memory.NewSummaryRepository(db), srv.Client(), logger.Noop(), tracer).
		Notify(ctx, tenantID, providerID, run.ID())

	assert.Equal(t, 0, sent)
	var upstream *scanning.UpstreamUnavailableError
	assert.ErrorAs(t, err, &upstream)
	assert.ErrorContains(t, err, in.ID.String())
}
