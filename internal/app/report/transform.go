package report

import (
	"github.com/ahrav/cloudscan-armada/internal/app/report/output"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
)

// toOutput maps stored findings into the report model.
func toOutput(findings []*scanning.Finding, provider *scanning.Provider) []output.Finding {
	out := make([]output.Finding, 0, len(findings))
	for _, f := range findings {
		out = append(out, output.Finding{
			Provider:       provider.Type.String(),
			AccountUID:     provider.UID,
			AccountName:    provider.Alias,
			UID:            f.UID,
			CheckID:        f.CheckID,
			CheckTitle:     f.CheckTitle,
			ServiceName:    f.ServiceName,
			Severity:       string(f.Severity),
			Status:         string(f.Status),
			StatusExtended: f.StatusExtended,
			Muted:          f.Muted,
			Region:         f.Region,
			ResourceUID:    f.ResourceUID,
			ResourceName:   f.ResourceName,
			ResourceType:   f.ResourceType,
			Compliance:     f.Compliance,
			Timestamp:      f.InsertedAt,
		})
	}
	return out
}
