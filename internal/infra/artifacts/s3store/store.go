// Package s3store stores report artifacts and mirrored outputs in
// S3-compatible object storage.
package s3store

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/app/integrations"
	"github.com/ahrav/cloudscan-armada/internal/app/report"
)

var (
	_ report.ArtifactStore        = (*Store)(nil)
	_ integrations.ObjectUploader = (*Store)(nil)
)

// Config locates the object store and the bucket report archives go to.
type Config struct {
	Endpoint  string `mapstructure:"endpoint" validate:"required"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket" validate:"required"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	// CreateBucket makes the artifact bucket on startup when it is missing.
	CreateBucket bool `mapstructure:"create_bucket"`
}

// Store uploads local files with FPutObject. Without static keys it falls
// back to the IAM credential chain.
type Store struct {
	client *minio.Client
	bucket string
	tracer trace.Tracer
}

// New connects to the object store and checks the artifact bucket.
func New(ctx context.Context, cfg Config, tracer trace.Tracer) (*Store, error) {
	creds := credentials.NewIAM("")
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if !cfg.CreateBucket {
			return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
		}
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Store{client: cli, bucket: cfg.Bucket, tracer: tracer}, nil
}

// Upload puts localPath under key in the artifact bucket and returns its
// s3:// URI.
func (s *Store) Upload(ctx context.Context, key, localPath, contentType string) (string, error) {
	if err := s.PutFile(ctx, s.bucket, key, localPath, contentType); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// PutFile puts localPath under key in bucket.
func (s *Store) PutFile(ctx context.Context, bucket, key, localPath, contentType string) error {
	ctx, span := s.tracer.Start(ctx, "object_store.put_file",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("key", key),
		))
	defer span.End()

	if bucket == "" || key == "" {
		err := errors.New("bucket and key are required")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid object reference")
		return err
	}

	info, err := s.client.FPutObject(ctx, bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return fmt.Errorf("uploading %s to %s/%s: %w", localPath, bucket, key, err)
	}
	span.SetAttributes(attribute.Int64("object.size", info.Size))
	span.SetStatus(codes.Ok, "uploaded")
	return nil
}
