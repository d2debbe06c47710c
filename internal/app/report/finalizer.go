package report

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/integration"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ArtifactStore uploads finished report archives and returns their URI.
type ArtifactStore interface {
	Upload(ctx context.Context, key, localPath, contentType string) (string, error)
}

// SyncMirror delivers an uncompressed output directory to the provider's
// bucket integrations and returns only once delivery has finished.
type SyncMirror interface {
	MirrorOutputs(ctx context.Context, tenantID, providerID uuid.UUID, outputDir string) error
}

// Result is returned by report generation.
type Result struct {
	Uploaded bool   `json:"upload"`
	Location string `json:"location,omitempty"`
}

// Finalizer turns a finished output directory into a persisted artifact.
type Finalizer struct {
	scans        scanning.ScanRunRepository
	integrations integration.Repository
	store        ArtifactStore
	mirror       SyncMirror
	removeAll    func(string) error

	metrics Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewFinalizer creates a Finalizer. mirror may be nil when no synchronous
// mirror delivery is wired.
func NewFinalizer(
	scans scanning.ScanRunRepository,
	integrations integration.Repository,
	store ArtifactStore,
	mirror SyncMirror,
	metrics Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Finalizer {
	return &Finalizer{
		scans:        scans,
		integrations: integrations,
		store:        store,
		mirror:       mirror,
		removeAll:    os.RemoveAll,
		metrics:      metrics,
		logger:       logger.With("component", "report_finalizer"),
		tracer:       tracer,
	}
}

// Finalize compresses outputDir, uploads the archive, runs the synchronous
// mirror against the uncompressed directory, removes the local directory if
// the upload succeeded and records the artifact location on run.
//
// The mirror always completes before the directory is removed.
func (f *Finalizer) Finalize(ctx context.Context, run *scanning.ScanRun, outputDir, archiveName string) (Result, error) {
	ctx, span := f.tracer.Start(ctx, "report_finalizer.finalize",
		trace.WithAttributes(
			attribute.String("scan_id", run.ID().String()),
			attribute.String("output_dir", outputDir),
		))
	defer span.End()

	log := f.logger.With("operation", "finalize", "scan_id", run.ID(), "tenant_id", run.TenantID())

	archive := filepath.Join(outputDir, archiveName)
	if err := compressDir(outputDir, archive); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to compress outputs")
		return Result{}, err
	}
	span.AddEvent("outputs_compressed")

	key := path.Join(run.TenantID().String(), run.ID().String(), archiveName)
	uri, err := f.store.Upload(ctx, key, archive, "application/zip")
	uploaded := err == nil
	f.metrics.IncUploads(ctx, uploaded)
	if err != nil {
		// The artifact stays available locally; the pipeline carries on.
		span.RecordError(err)
		log.Error(ctx, "failed to upload report archive", "error", &scanning.UpstreamUnavailableError{Service: "artifact_store", Err: err})
	} else {
		span.AddEvent("archive_uploaded", trace.WithAttributes(attribute.String("uri", uri)))
	}

	f.mirrorOutputs(ctx, log, run, outputDir)

	if uploaded {
		if err := f.removeAll(filepath.Dir(archive)); err != nil {
			log.Error(ctx, "failed to remove local report directory", "error", err, "dir", filepath.Dir(archive))
		}
	}

	location := archive
	if uploaded {
		location = uri
	}
	if err := run.SetOutputLocation(location); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid output location")
		return Result{}, err
	}
	if err := f.scans.Update(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist output location")
		return Result{}, fmt.Errorf("persisting output location for scan %s: %w", run.ID(), err)
	}

	span.SetStatus(codes.Ok, "report finalized")
	log.Info(ctx, "report finalized", "uploaded", uploaded, "location", location)
	return Result{Uploaded: uploaded, Location: location}, nil
}

// mirrorOutputs runs the blocking mirror delivery when the provider has an
// enabled bucket integration. Failures are logged; the report itself is
// already complete.
func (f *Finalizer) mirrorOutputs(ctx context.Context, log *logger.Logger, run *scanning.ScanRun, outputDir string) {
	if f.mirror == nil {
		return
	}

	enabled, err := f.integrations.ListEnabledForProvider(ctx, run.TenantID(), run.ProviderID())
	if err != nil {
		log.Error(ctx, "failed to list integrations for mirror delivery", "error", err)
		return
	}

	hasMirror := false
	for _, in := range enabled {
		if in.Kind == integration.KindAmazonS3 {
			hasMirror = true
			break
		}
	}
	if !hasMirror {
		return
	}

	if err := f.mirror.MirrorOutputs(ctx, run.TenantID(), run.ProviderID(), outputDir); err != nil {
		log.Warn(ctx, "mirror delivery failed", "error", err)
		return
	}
	log.Info(ctx, "mirror delivery completed")
}
