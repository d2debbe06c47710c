package report

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records report generation activity.
type Metrics interface {
	IncBatchesProcessed(ctx context.Context)
	AddRowsWritten(ctx context.Context, kind string, rows int)
	IncUploads(ctx context.Context, succeeded bool)
	IncReportsSkipped(ctx context.Context)
}

type reportMetrics struct {
	batchesProcessed metric.Int64Counter
	rowsWritten      metric.Int64Counter
	uploads          metric.Int64Counter
	reportsSkipped   metric.Int64Counter
}

const namespace = "report"

// NewMetrics creates the report metrics instruments.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(reportMetrics)
	var err error

	if m.batchesProcessed, err = meter.Int64Counter(
		"batches_processed_total",
		metric.WithDescription("Total number of finding batches written to report writers"),
	); err != nil {
		return nil, err
	}

	if m.rowsWritten, err = meter.Int64Counter(
		"rows_written_total",
		metric.WithDescription("Total number of rows flushed per writer kind"),
	); err != nil {
		return nil, err
	}

	if m.uploads, err = meter.Int64Counter(
		"uploads_total",
		metric.WithDescription("Total number of report archive uploads by outcome"),
	); err != nil {
		return nil, err
	}

	if m.reportsSkipped, err = meter.Int64Counter(
		"reports_skipped_total",
		metric.WithDescription("Total number of report requests for scans without a summary"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *reportMetrics) IncBatchesProcessed(ctx context.Context) { m.batchesProcessed.Add(ctx, 1) }

func (m *reportMetrics) AddRowsWritten(ctx context.Context, kind string, rows int) {
	m.rowsWritten.Add(ctx, int64(rows), metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *reportMetrics) IncUploads(ctx context.Context, succeeded bool) {
	m.uploads.Add(ctx, 1, metric.WithAttributes(attribute.Bool("succeeded", succeeded)))
}

func (m *reportMetrics) IncReportsSkipped(ctx context.Context) { m.reportsSkipped.Add(ctx, 1) }
