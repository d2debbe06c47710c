package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

func TestSignatureRoundTripPreservesChain(t *testing.T) {
	tenantID := uuid.New()
	scanID := uuid.New()

	sig := tasks.Chain(
		tasks.NewSignature(tasks.ScanSummary, tenantID, tasks.Args{"scan_id": scanID.String()}),
		tasks.NewSignature(tasks.ScanReport, tenantID, tasks.Args{"scan_id": scanID.String()}),
		tasks.NewSignature(tasks.IntegrationCheck, tenantID, tasks.Args{
			"scan_id":  scanID.String(),
			"channels": []string{"#alerts", "#sec"},
		}),
	)
	sig.Attempt = 2

	data, err := MarshalSignature(sig)
	require.NoError(t, err)

	got, err := UnmarshalSignature(data)
	require.NoError(t, err)

	assert.Equal(t, sig.ID, got.ID)
	assert.Equal(t, tasks.ScanSummary, got.Name)
	assert.Equal(t, tasks.QueueOverview, got.Queue)
	assert.Equal(t, tenantID, got.TenantID)
	assert.Equal(t, 2, got.Attempt)
	require.Len(t, got.Chain, 2)
	assert.Equal(t, tasks.ScanReport, got.Chain[0].Name)
	assert.Equal(t, tasks.IntegrationCheck, got.Chain[1].Name)
	assert.Equal(t, []string{"#alerts", "#sec"}, got.Chain[1].Args.Strings("channels"))

	id, err := got.Args.UUID("scan_id")
	require.NoError(t, err)
	assert.Equal(t, scanID, id)
}

func TestUnmarshalSignatureRejectsGarbage(t *testing.T) {
	_, err := UnmarshalSignature([]byte{0xff, 0x01, 0x02})
	assert.Error(t, err)
}

func TestUnmarshalSignatureRequiresName(t *testing.T) {
	data, err := MarshalSignature(tasks.Signature{ID: "x"})
	require.NoError(t, err)

	_, err = UnmarshalSignature(data)
	assert.Error(t, err)
}
