package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/app/report"
	"github.com/ahrav/cloudscan-armada/internal/app/worker"
	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// PostScanFanout enqueues the work that follows a scan: compliance
// requirement materialization alongside the summary, report and
// integration chain.
type PostScanFanout struct {
	publisher tasks.Publisher
	tracer    trace.Tracer
}

// NewPostScanFanout creates a PostScanFanout.
func NewPostScanFanout(publisher tasks.Publisher, tracer trace.Tracer) *PostScanFanout {
	return &PostScanFanout{publisher: publisher, tracer: tracer}
}

// PostScanSignatures builds the post-scan canvas for a scan.
func PostScanSignatures(tenantID, scanID, providerID uuid.UUID) []tasks.Signature {
	args := func() tasks.Args {
		return tasks.Args{"scan_id": scanID.String(), "provider_id": providerID.String()}
	}
	return tasks.Group(
		tasks.NewSignature(tasks.ScanComplianceOverviews, tenantID, args()),
		tasks.Chain(
			tasks.NewSignature(tasks.ScanSummary, tenantID, args()),
			tasks.NewSignature(tasks.ScanReport, tenantID, args()),
			tasks.NewSignature(tasks.IntegrationCheck, tenantID, args()),
		),
	)
}

// DispatchPostScan enqueues the post-scan canvas for scanID.
func (f *PostScanFanout) DispatchPostScan(ctx context.Context, tenantID, scanID, providerID uuid.UUID) error {
	ctx, span := f.tracer.Start(ctx, "pipeline.dispatch_post_scan",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	if err := worker.EnqueueAll(ctx, f.publisher, PostScanSignatures(tenantID, scanID, providerID)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatching post-scan tasks for scan %s: %w", scanID, err)
	}
	return nil
}

var _ report.SyncMirror = (*AwaitMirror)(nil)

// AwaitMirror runs the S3 integration task in the calling worker and blocks
// until it finishes. Report finalization depends on it because the local
// output directory is removed right after.
type AwaitMirror struct {
	registry *worker.Registry
}

// NewAwaitMirror creates an AwaitMirror executing through registry.
func NewAwaitMirror(registry *worker.Registry) *AwaitMirror {
	return &AwaitMirror{registry: registry}
}

// MirrorOutputs implements report.SyncMirror.
func (m *AwaitMirror) MirrorOutputs(ctx context.Context, tenantID, providerID uuid.UUID, outputDir string) error {
	sig := tasks.NewSignature(tasks.IntegrationS3, tenantID, tasks.Args{
		"provider_id":      providerID.String(),
		"output_directory": outputDir,
	})
	_, err := m.registry.Await(ctx, sig)
	return err
}
