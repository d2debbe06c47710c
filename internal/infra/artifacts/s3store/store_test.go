package s3store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/trace/noop"
)

func setupMinio(t *testing.T) Config {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping object store integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return Config{
		Endpoint:     fmt.Sprintf("%s:%s", host, port.Port()),
		Bucket:       "artifacts",
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		CreateBucket: true,
	}
}

func TestStore_UploadAndPutFile(t *testing.T) {
	cfg := setupMinio(t)
	ctx := context.Background()

	store, err := New(ctx, cfg, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "report.zip")
	require.NoError(t, os.WriteFile(local, []byte("PK\x03\x04"), 0o600))

	uri, err := store.Upload(ctx, "tenant/scan/report.zip", local, "application/zip")
	require.NoError(t, err)
	assert.Equal(t, "s3://artifacts/tenant/scan/report.zip", uri)

	obj, err := store.client.GetObject(ctx, "artifacts", "tenant/scan/report.zip", minio.GetObjectOptions{})
	require.NoError(t, err)
	body, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), body)

	assert.Error(t, store.PutFile(ctx, "", "k", local, "text/plain"))
	assert.Error(t, store.PutFile(ctx, "missing-bucket", "k", local, "text/plain"))
}

func TestNew_MissingBucket(t *testing.T) {
	cfg := setupMinio(t)
	cfg.Bucket, cfg.CreateBucket = "absent", false

	_, err := New(context.Background(), cfg, noop.NewTracerProvider().Tracer("test"))
	assert.ErrorContains(t, err, "does not exist")
}
