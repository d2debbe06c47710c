package docker

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

const engineOutput = `{"check_id":"s3_bucket_public_access","progress":50,"findings":[` +
	`{"uid":"f-1","service_name":"s3","severity":"HIGH","status":"fail","region":"us-east-1",` +
	`"resource_uid":"arn:aws:s3:::logs","compliance":{"CIS-2.0":["2.1.5"]}}]}

{"check_id":"iam_root_mfa_enabled","progress":100,"error":"access denied","findings":[]}
`

func testRequest() scanning.CheckRequest {
	return scanning.CheckRequest{
		Provider: &scanning.Provider{
			ID:       uuid.New(),
			TenantID: uuid.New(),
			Type:     scanning.ProviderAWS,
			UID:      "123456789012",
		},
		ScanID: uuid.New(),
		Checks: []string{"s3_bucket_public_access", "iam_root_mfa_enabled"},
	}
}

func newTestRunner(start starter) *Runner {
	cfg := Config{Image: "engine:test"}
	cfg.withDefaults()
	return &Runner{
		cfg:    cfg,
		start:  start,
		logger: logger.Noop(),
		tracer: noop.NewTracerProvider().Tracer("test"),
	}
}

func fakeExecution(out string, code int64, waitErr error) (*execution, *bool) {
	removed := false
	return &execution{
		stdout:  io.NopCloser(strings.NewReader(out)),
		wait:    func(context.Context) (int64, error) { return code, waitErr },
		cleanup: func() { removed = true },
	}, &removed
}

func TestDecodeResults(t *testing.T) {
	req := testRequest()

	var got []scanning.CheckResult
	for res, err := range decodeResults(strings.NewReader(engineOutput), req) {
		require.NoError(t, err)
		got = append(got, res)
	}
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, "s3_bucket_public_access", first.CheckID)
	assert.Equal(t, 50, first.Progress)
	assert.NoError(t, first.Err)
	require.Len(t, first.Findings, 1)
	f := first.Findings[0]
	assert.Equal(t, "f-1", f.UID)
	assert.Equal(t, scanning.SeverityHigh, f.Severity)
	assert.Equal(t, scanning.FindingFail, f.Status)
	assert.Equal(t, req.ScanID, f.ScanID)
	assert.Equal(t, req.Provider.TenantID, f.TenantID)
	assert.Equal(t, []string{"2.1.5"}, f.RequirementsFor("CIS-2.0"))

	second := got[1]
	assert.EqualError(t, second.Err, "access denied")
	assert.Empty(t, second.Findings)
	assert.Equal(t, 100, second.Progress)
}

func TestDecodeResultsDerivesMissingUID(t *testing.T) {
	req := testRequest()
	line := `{"check_id":"ec2_open_ssh","findings":[{"status":"PASS","region":"eu-west-1","resource_uid":"sg-1"}]}`

	for res, err := range decodeResults(strings.NewReader(line), req) {
		require.NoError(t, err)
		require.Len(t, res.Findings, 1)
		assert.Equal(t, "aws-ec2_open_ssh-123456789012-eu-west-1-sg-1", res.Findings[0].UID)
	}
}

func TestDecodeResultsRejectsMalformedLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "invalid json", in: "{not json}\n", want: "line 1"},
		{name: "missing check id", in: `{"progress":10}` + "\n", want: "no check_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lastErr error
			for _, err := range decodeResults(strings.NewReader(tt.in), testRequest()) {
				lastErr = err
			}
			require.Error(t, lastErr)
			assert.Contains(t, lastErr.Error(), tt.want)
		})
	}
}

func TestRunStreamsResultsAndRemovesContainer(t *testing.T) {
	exec, removed := fakeExecution(engineOutput, 0, nil)
	var gotCmd, gotEnv []string
	r := newTestRunner(func(_ context.Context, cmd, env []string) (*execution, error) {
		gotCmd, gotEnv = cmd, env
		return exec, nil
	})

	req := testRequest()
	var ids []string
	for res, err := range r.Run(context.Background(), req) {
		require.NoError(t, err)
		ids = append(ids, res.CheckID)
	}

	assert.Equal(t, []string{"s3_bucket_public_access", "iam_root_mfa_enabled"}, ids)
	assert.True(t, *removed)
	assert.Equal(t, []string{"aws", "--output-format", "jsonl", "--checks", "s3_bucket_public_access,iam_root_mfa_enabled"}, gotCmd)
	assert.Contains(t, gotEnv, "PROVIDER_UID=123456789012")
	assert.Contains(t, gotEnv, "SCAN_ID="+req.ScanID.String())
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	exec, removed := fakeExecution("", 3, nil)
	r := newTestRunner(func(context.Context, []string, []string) (*execution, error) { return exec, nil })

	var lastErr error
	for _, err := range r.Run(context.Background(), testRequest()) {
		lastErr = err
	}
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "status 3")
	assert.True(t, *removed)
}

func TestRunReportsStartFailure(t *testing.T) {
	r := newTestRunner(func(context.Context, []string, []string) (*execution, error) {
		return nil, errors.New("no such image")
	})

	var lastErr error
	for _, err := range r.Run(context.Background(), testRequest()) {
		lastErr = err
	}
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "no such image")
}

func TestRunStopsWhenConsumerStops(t *testing.T) {
	exec, removed := fakeExecution(engineOutput, 0, nil)
	waited := false
	exec.wait = func(context.Context) (int64, error) { waited = true; return 0, nil }
	r := newTestRunner(func(context.Context, []string, []string) (*execution, error) { return exec, nil })

	for range r.Run(context.Background(), testRequest()) {
		break
	}
	assert.True(t, *removed)
	assert.False(t, waited)
}
