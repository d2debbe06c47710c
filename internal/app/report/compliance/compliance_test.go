package compliance

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/cloudscan-armada/internal/app/report/output"
	domain "github.com/ahrav/cloudscan-armada/internal/domain/compliance"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		provider  scanning.ProviderType
		framework string
		want      Mapper
	}{
		{name: "aws cis", provider: scanning.ProviderAWS, framework: "cis_2.0_aws", want: CIS},
		{name: "azure threatscore", provider: scanning.ProviderAzure, framework: "prowler_threatscore_azure", want: ThreatScore},
		{name: "gcp iso", provider: scanning.ProviderGCP, framework: "iso27001_2013_gcp", want: ISO27001},
		{name: "m365 cis", provider: scanning.ProviderM365, framework: "cis_4.0_m365", want: CIS},
		{name: "kubernetes threatscore falls back", provider: scanning.ProviderKubernetes, framework: "prowler_threatscore_kubernetes", want: Generic},
		{name: "github iso falls back", provider: scanning.ProviderGitHub, framework: "iso27001_2022_github", want: Generic},
		{name: "unknown framework", provider: scanning.ProviderAWS, framework: "soc2_aws", want: Generic},
		{name: "unknown provider", provider: scanning.ProviderType("oci"), framework: "cis_2.0_oci", want: Generic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want.Name(), Resolve(tt.provider, tt.framework).Name())
		})
	}
}

func TestMapperColumnsMatchHeader(t *testing.T) {
	t.Parallel()

	for _, m := range []Mapper{Generic, CIS, ThreatScore, ISO27001} {
		assert.Len(t, m.AttributeColumns(domain.Attribute{}), len(m.AttributeHeader()), m.Name())
	}
}

func TestAccountColumn(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SubscriptionId", AccountColumn(scanning.ProviderAzure))
	assert.Equal(t, "TenantId", AccountColumn(scanning.ProviderM365))
	assert.Equal(t, "Account", AccountColumn(scanning.ProviderGitHub))
}

func testFramework() domain.Framework {
	return domain.Framework{
		ID:          "cis_2.0_azure",
		Name:        "CIS",
		Version:     "2.0",
		Provider:    "Azure",
		Description: "CIS Microsoft Azure Foundations Benchmark",
		Requirements: []domain.Requirement{
			{
				ID:          "1.1",
				Description: "Ensure MFA is enabled",
				Checks:      []string{"entra_mfa_enabled"},
				Attributes:  []domain.Attribute{{Section: "1"}, {Section: "1", Profile: "Level 2"}},
			},
			{ID: "2.1", Description: "Review access", Attributes: []domain.Attribute{{Section: "2"}}},
			{ID: "2.2", Description: "Review guests", Attributes: []domain.Attribute{{Section: "2"}, {Section: "2b"}}},
		},
	}
}

func findings(n int) []output.Finding {
	out := make([]output.Finding, 0, n)
	for range n {
		out = append(out, output.Finding{
			Provider:    "azure",
			AccountUID:  "sub-1",
			Region:      "westeurope",
			CheckID:     "entra_mfa_enabled",
			Status:      "FAIL",
			ResourceUID: "user-1",
			Compliance:  map[string][]string{"CIS-2.0": {"1.1"}, "ISO27001-2013": {"A.9"}},
		})
	}
	return out
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriter_ManualRowsEmittedOnceForAnyFindingCount(t *testing.T) {
	t.Parallel()

	fw := testFramework()
	const batchSize = 3

	for _, n := range []int{0, 1, 3, 7} {
		path := filepath.Join(t.TempDir(), "compliance", "report_cis_2.0_azure.csv")
		all := findings(n)

		var batches [][]output.Finding
		for i := 0; i < len(all); i += batchSize {
			batches = append(batches, all[i:min(i+batchSize, len(all))])
		}
		if len(batches) == 0 {
			batches = [][]output.Finding{nil}
		}

		w := NewWriter(path, fw, scanning.ProviderAzure, batches[0], time.Now())
		for i, b := range batches {
			if i > 0 {
				w.Transform(b)
			}
			w.SetFinalize(i == len(batches)-1)
			require.NoError(t, w.Flush(context.Background()))
			w.Clear()
		}

		rows := readRows(t, path)
		header := rows[0]
		statusCol := len(header) - 6

		var manual, automated int
		for _, row := range rows[1:] {
			if row[statusCol] == manualStatus {
				manual++
				assert.Equal(t, "azure", row[0])
				assert.Equal(t, manualResourceID, row[statusCol+2])
				assert.Equal(t, manualCheckID, row[statusCol+4])
				continue
			}
			automated++
		}

		assert.Equal(t, fw.ManualAttributeCount(), manual, "n=%d", n)
		assert.Equal(t, 2*n, automated, "n=%d", n)
	}
}

func TestWriter_HeaderUsesMapperAndAccountColumn(t *testing.T) {
	t.Parallel()

	w := NewWriter(filepath.Join(t.TempDir(), "x.csv"), testFramework(), scanning.ProviderAzure, nil, time.Now())
	assert.Equal(t, CIS.Name(), w.Mapper().Name())
	w.SetFinalize(true)
	require.NoError(t, w.Flush(context.Background()))

	header := readRows(t, w.Path())[0]
	assert.Equal(t, "SubscriptionId", header[2])
	assert.Contains(t, header, "Requirements_Attributes_RationaleStatement")
	assert.Equal(t, "Muted", header[len(header)-1])
}
