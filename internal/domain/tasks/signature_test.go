package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

func TestChainNext(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	summary := NewSignature(ScanSummary, tenantID, nil)
	report := NewSignature(ScanReport, tenantID, nil)
	check := NewSignature(IntegrationCheck, tenantID, nil)

	head := Chain(summary, report, check)
	assert.Equal(t, ScanSummary, head.Name)
	require.Len(t, head.Chain, 2)

	next, ok := head.Next()
	require.True(t, ok)
	assert.Equal(t, ScanReport, next.Name)
	require.Len(t, next.Chain, 1)
	assert.Equal(t, IntegrationCheck, next.Chain[0].Name)

	last, ok := next.Next()
	require.True(t, ok)
	assert.Equal(t, IntegrationCheck, last.Name)

	_, ok = last.Next()
	assert.False(t, ok)

	// Popping must not mutate the head's chain.
	assert.Len(t, head.Chain, 2)
}

func TestNameQueue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, QueueReports, ScanReport.Queue())
	assert.Equal(t, QueueDeletion, TenantDeletion.Queue())
	assert.Equal(t, QueueOverview, ScanComplianceOverviews.Queue())
	assert.Equal(t, QueueScans, Name("unknown").Queue())
}

func TestArgs(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	args := Args{"scan_id": id.String(), "checks": []any{"a", "b", 3}, "bad": "nope"}

	got, err := args.UUID("scan_id")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = args.UUID("missing")
	assert.Error(t, err)
	_, err = args.UUID("bad")
	assert.Error(t, err)

	assert.Equal(t, []string{"a", "b"}, args.Strings("checks"))
	assert.Nil(t, args.Strings("scan_id"))
}

func TestParseQueues(t *testing.T) {
	t.Parallel()

	qs, err := ParseQueues([]string{"scans", "deletion"})
	require.NoError(t, err)
	assert.Equal(t, []QueueName{QueueScans, QueueDeletion}, qs)

	_, err = ParseQueues([]string{"celery"})
	assert.ErrorContains(t, err, `unknown queue "celery"`)
}
