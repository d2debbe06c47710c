package scan

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

type summaryKey struct {
	checkID  string
	service  string
	severity scanning.Severity
	region   string
}

// SummaryAggregator rolls a scan's findings up into summary rows.
type SummaryAggregator struct {
	findings  scanning.FindingRepository
	summaries scanning.SummaryRepository
	pageSize  int

	logger *logger.Logger
	tracer trace.Tracer
}

// NewSummaryAggregator creates a SummaryAggregator.
func NewSummaryAggregator(
	findings scanning.FindingRepository,
	summaries scanning.SummaryRepository,
	pageSize int,
	logger *logger.Logger,
	tracer trace.Tracer,
) *SummaryAggregator {
	return &SummaryAggregator{
		findings:  findings,
		summaries: summaries,
		pageSize:  pageSize,
		logger:    logger.With("component", "summary_aggregator"),
		tracer:    tracer,
	}
}

// Aggregate recomputes and replaces the scan's summary rows. Running it twice
// yields the same rows.
func (a *SummaryAggregator) Aggregate(ctx context.Context, tenantID, scanID uuid.UUID) (int, error) {
	ctx, span := a.tracer.Start(ctx, "summary_aggregator.aggregate",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	groups := make(map[summaryKey]*scanning.SummaryRow)
	for f, err := range a.findings.StreamByScan(ctx, tenantID, scanID, a.pageSize) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read findings")
			return 0, fmt.Errorf("reading findings for scan %s: %w", scanID, err)
		}

		k := summaryKey{checkID: f.CheckID, service: f.ServiceName, severity: f.Severity, region: f.Region}
		row, ok := groups[k]
		if !ok {
			row = &scanning.SummaryRow{CheckID: k.checkID, Service: k.service, Severity: k.severity, Region: k.region}
			groups[k] = row
		}
		row.Total++
		if f.Delta == scanning.DeltaNew {
			row.New++
		}
		switch {
		case f.Muted:
			row.Muted++
		case f.Status == scanning.FindingPass:
			row.Pass++
		case f.Status == scanning.FindingFail:
			row.Fail++
		}
	}

	rows := make([]scanning.SummaryRow, 0, len(groups))
	for _, r := range groups {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.CheckID != b.CheckID {
			return a.CheckID < b.CheckID
		}
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		return a.Severity < b.Severity
	})

	if err := a.summaries.ReplaceForScan(ctx, tenantID, scanID, rows); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store summary")
		return 0, fmt.Errorf("storing summary for scan %s: %w", scanID, err)
	}

	span.SetStatus(codes.Ok, "summary stored")
	a.logger.Info(ctx, "scan summary stored", "scan_id", scanID, "rows", len(rows))
	return len(rows), nil
}
