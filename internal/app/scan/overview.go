package scan

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/compliance"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

type requirementKey struct {
	framework   string
	requirement string
	region      string
}

type requirementTally struct {
	passed int
	failed int
}

// OverviewMaterializer derives per-region requirement statuses for every
// compliance framework that applies to the scanned provider.
type OverviewMaterializer struct {
	scans     scanning.ScanRunRepository
	providers scanning.ProviderRepository
	findings  scanning.FindingRepository
	overviews scanning.ComplianceOverviewRepository
	catalog   compliance.Catalog
	pageSize  int

	logger *logger.Logger
	tracer trace.Tracer
}

// NewOverviewMaterializer creates an OverviewMaterializer.
func NewOverviewMaterializer(
	scans scanning.ScanRunRepository,
	providers scanning.ProviderRepository,
	findings scanning.FindingRepository,
	overviews scanning.ComplianceOverviewRepository,
	catalog compliance.Catalog,
	pageSize int,
	logger *logger.Logger,
	tracer trace.Tracer,
) *OverviewMaterializer {
	return &OverviewMaterializer{
		scans:     scans,
		providers: providers,
		findings:  findings,
		overviews: overviews,
		catalog:   catalog,
		pageSize:  pageSize,
		logger:    logger.With("component", "overview_materializer"),
		tracer:    tracer,
	}
}

// Materialize computes and replaces the scan's requirement overviews. A
// requirement is FAIL in a region if any unmuted finding tagged against it
// failed there, MANUAL if it has no checks and PASS otherwise.
func (m *OverviewMaterializer) Materialize(ctx context.Context, tenantID, scanID uuid.UUID) (int, error) {
	ctx, span := m.tracer.Start(ctx, "overview_materializer.materialize",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	run, err := m.scans.Get(ctx, tenantID, scanID)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("loading scan %s: %w", scanID, err)
	}
	provider, err := m.providers.Get(ctx, tenantID, run.ProviderID())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("loading provider %s: %w", run.ProviderID(), err)
	}
	frameworks, err := m.catalog.ForProvider(ctx, provider.Type)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("loading frameworks for %s: %w", provider.Type, err)
	}

	regions := make(map[string]struct{})
	tallies := make(map[requirementKey]*requirementTally)

	for f, err := range m.findings.StreamByScan(ctx, tenantID, scanID, m.pageSize) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read findings")
			return 0, fmt.Errorf("reading findings for scan %s: %w", scanID, err)
		}
		regions[f.Region] = struct{}{}

		for _, fw := range frameworks {
			for _, reqID := range f.RequirementsFor(fw.Key()) {
				k := requirementKey{framework: fw.ID, requirement: reqID, region: f.Region}
				t, ok := tallies[k]
				if !ok {
					t = new(requirementTally)
					tallies[k] = t
				}
				switch {
				case f.Status == scanning.FindingFail && !f.Muted:
					t.failed++
				case f.Status == scanning.FindingPass:
					t.passed++
				}
			}
		}
	}

	sortedRegions := make([]string, 0, len(regions))
	for r := range regions {
		sortedRegions = append(sortedRegions, r)
	}
	slices.Sort(sortedRegions)

	var rows []scanning.RequirementOverview
	for _, fw := range frameworks {
		for _, req := range fw.Requirements {
			for _, region := range sortedRegions {
				row := scanning.RequirementOverview{
					FrameworkID:   fw.ID,
					Version:       fw.Version,
					RequirementID: req.ID,
					Description:   req.Description,
					Region:        region,
					TotalChecks:   len(req.Checks),
					Status:        scanning.FindingPass,
				}
				if req.IsManual() {
					row.Status = scanning.FindingManual
				}
				if t, ok := tallies[requirementKey{framework: fw.ID, requirement: req.ID, region: region}]; ok {
					row.PassedChecks, row.FailedChecks = t.passed, t.failed
					if t.failed > 0 {
						row.Status = scanning.FindingFail
					}
				}
				rows = append(rows, row)
			}
		}
	}

	if err := m.overviews.ReplaceForScan(ctx, tenantID, scanID, rows); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store overviews")
		return 0, fmt.Errorf("storing compliance overviews for scan %s: %w", scanID, err)
	}

	span.SetStatus(codes.Ok, "overviews stored")
	m.logger.Info(ctx, "compliance overviews stored", "scan_id", scanID, "frameworks", len(frameworks), "rows", len(rows))
	return len(rows), nil
}
