package compliance

import (
	"strconv"
	"strings"
	"time"

	"github.com/ahrav/cloudscan-armada/internal/app/report/output"
	domain "github.com/ahrav/cloudscan-armada/internal/domain/compliance"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
)

// Manual row markers.
const (
	manualStatus         = "MANUAL"
	manualStatusExtended = "Manual check"
	manualResourceID     = "manual_check"
	manualResourceName   = "Manual check"
	manualCheckID        = "manual"
)

// Writer drives one framework's CSV through the output.Writer protocol.
type Writer struct {
	*output.CSVFile

	framework    domain.Framework
	requirements map[string]domain.Requirement
	mapper       Mapper
	assessed     string
}

var _ output.Writer = (*Writer)(nil)

// NewWriter creates the framework writer. Manual rows are buffered here,
// exactly once, so they appear in the report regardless of how many batches
// follow, including none.
func NewWriter(
	path string,
	framework domain.Framework,
	providerType scanning.ProviderType,
	first []output.Finding,
	now time.Time,
) *Writer {
	mapper := Resolve(providerType, framework.ID)

	header := []string{"Provider", "Description", AccountColumn(providerType), "Location", "AssessmentDate",
		"Requirements_Id", "Requirements_Description"}
	for _, h := range mapper.AttributeHeader() {
		header = append(header, "Requirements_Attributes_"+h)
	}
	header = append(header, "Status", "StatusExtended", "ResourceId", "ResourceName", "CheckId", "Muted")

	w := &Writer{
		CSVFile:      output.NewCSVFile(path, header),
		framework:    framework,
		requirements: make(map[string]domain.Requirement, len(framework.Requirements)),
		mapper:       mapper,
		assessed:     now.UTC().Format(time.RFC3339),
	}
	for _, r := range framework.Requirements {
		w.requirements[r.ID] = r
	}

	w.appendManualRows()
	w.Transform(first)
	return w
}

// Mapper reports the strategy resolved for this writer.
func (w *Writer) Mapper() Mapper { return w.mapper }

func (w *Writer) appendManualRows() {
	provider := strings.ToLower(w.framework.Provider)
	for _, req := range w.framework.Requirements {
		if !req.IsManual() {
			continue
		}
		for _, attr := range req.Attributes {
			w.Append(w.row(provider, "", "", req, attr,
				manualStatus, manualStatusExtended, manualResourceID, manualResourceName, manualCheckID, false))
		}
	}
}

// Transform emits one row per (finding, tagged requirement, attribute).
func (w *Writer) Transform(findings []output.Finding) {
	key := w.framework.Key()
	for _, f := range findings {
		for _, reqID := range f.Compliance[key] {
			req, ok := w.requirements[reqID]
			if !ok {
				continue
			}
			for _, attr := range req.Attributes {
				w.Append(w.row(f.Provider, f.AccountUID, f.Region, req, attr,
					f.Status, f.StatusExtended, f.ResourceUID, f.ResourceName, f.CheckID, f.Muted))
			}
		}
	}
}

func (w *Writer) row(
	provider, account, region string,
	req domain.Requirement,
	attr domain.Attribute,
	status, statusExtended, resourceID, resourceName, checkID string,
	muted bool,
) []string {
	row := []string{provider, w.framework.Description, account, region, w.assessed, req.ID, req.Description}
	row = append(row, w.mapper.AttributeColumns(attr)...)
	return append(row, status, statusExtended, resourceID, resourceName, checkID, strconv.FormatBool(muted))
}
