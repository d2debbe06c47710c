package integrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/cloudscan-armada/internal/domain/integration"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ObjectUploader writes a local file to a bucket.
type ObjectUploader interface {
	PutFile(ctx context.Context, bucket, key, localPath, contentType string) error
}

const complianceDir = "compliance"

// S3Delivery mirrors an uncompressed report directory into every enabled
// amazon_s3 integration of a provider.
type S3Delivery struct {
	integrations integration.Repository
	uploader     ObjectUploader
	concurrency  int

	logger *logger.Logger
	tracer trace.Tracer
}

// NewS3Delivery creates an S3Delivery uploading up to concurrency files at
// once per integration.
func NewS3Delivery(
	integrations integration.Repository,
	uploader ObjectUploader,
	concurrency int,
	logger *logger.Logger,
	tracer trace.Tracer,
) *S3Delivery {
	if concurrency < 1 {
		concurrency = 4
	}
	return &S3Delivery{
		integrations: integrations,
		uploader:     uploader,
		concurrency:  concurrency,
		logger:       logger.With("component", "s3_delivery"),
		tracer:       tracer,
	}
}

type localObject struct {
	path string
	key  string
}

// Deliver uploads every report file under outputDir to each enabled
// amazon_s3 integration and returns the number of objects written. Archives
// are skipped. A failing integration does not stop the others.
func (d *S3Delivery) Deliver(ctx context.Context, tenantID, providerID uuid.UUID, outputDir string) (int, error) {
	ctx, span := d.tracer.Start(ctx, "s3_delivery.deliver",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID.String()),
			attribute.String("provider_id", providerID.String()),
			attribute.String("output_dir", outputDir),
		))
	defer span.End()

	log := d.logger.With("operation", "deliver", "provider_id", providerID)

	enabled, err := d.integrations.ListEnabledForProvider(ctx, tenantID, providerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list integrations")
		return 0, fmt.Errorf("listing integrations for provider %s: %w", providerID, err)
	}

	objects, err := collectObjects(outputDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read output directory")
		return 0, err
	}

	var (
		uploaded int
		errs     []error
	)
	for _, in := range enabled {
		if in.Kind != integration.KindAmazonS3 {
			continue
		}
		n, err := d.deliverOne(ctx, in, objects)
		uploaded += n
		if err != nil {
			span.RecordError(err)
			log.Error(ctx, "S3 integration delivery failed", "integration_id", in.ID, "error", err)
			errs = append(errs, fmt.Errorf("integration %s: %w", in.ID, err))
		}
	}

	span.SetAttributes(attribute.Int("objects.uploaded", uploaded))
	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, "s3 delivery failed")
		return uploaded, err
	}
	span.SetStatus(codes.Ok, "s3 delivery completed")
	return uploaded, nil
}

func (d *S3Delivery) deliverOne(ctx context.Context, in integration.Integration, objects []localObject) (int, error) {
	cfg, err := in.S3()
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, obj := range objects {
		g.Go(func() error {
			key := path.Join(cfg.OutputDirectory, obj.key)
			if err := d.uploader.PutFile(gctx, cfg.Bucket, key, obj.path, contentType(obj.path)); err != nil {
				return fmt.Errorf("uploading %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(objects), nil
}

// collectObjects lists the files under dir with their bucket-relative keys.
func collectObjects(dir string) ([]localObject, error) {
	var objects []localObject
	err := filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || strings.HasSuffix(e.Name(), ".zip") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		objects = append(objects, localObject{
			path: p,
			key:  path.Join(subfolderFor(filepath.ToSlash(rel)), e.Name()),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking output directory %s: %w", dir, err)
	}
	return objects, nil
}

// subfolderFor groups report files by output kind.
func subfolderFor(rel string) string {
	name := path.Base(rel)
	switch {
	case strings.HasPrefix(rel, complianceDir+"/"):
		return complianceDir
	case strings.HasSuffix(name, ".ocsf.json"):
		return "json-ocsf"
	case strings.HasSuffix(name, ".asff.json"):
		return "json-asff"
	default:
		return strings.TrimPrefix(path.Ext(name), ".")
	}
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".csv":
		return "text/csv"
	case ".html":
		return "text/html"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
