// Package integration models tenant-configured delivery targets for scan
// artifacts and notifications.
package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ErrNotFound is returned when an integration lookup misses.
var ErrNotFound = errors.New("integration not found")

// Kind is the delivery mechanism of an integration.
type Kind string

const (
	// KindAmazonS3 mirrors report files into a customer bucket. It is
	// delivered synchronously by the report finalizer.
	KindAmazonS3 Kind = "amazon_s3"
	// KindSlack posts a scan summary to a webhook.
	KindSlack Kind = "slack"
)

func (k Kind) String() string { return string(k) }

// Integration is one configured delivery target linked to providers.
type Integration struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Kind          Kind
	Enabled       bool
	Configuration map[string]string
}

// S3Config is the configuration of an amazon_s3 integration.
type S3Config struct {
	Bucket          string
	OutputDirectory string
}

// S3 decodes the integration's configuration as an S3 target.
func (i Integration) S3() (S3Config, error) {
	if i.Kind != KindAmazonS3 {
		return S3Config{}, fmt.Errorf("integration %s is %s, not %s", i.ID, i.Kind, KindAmazonS3)
	}
	cfg := S3Config{Bucket: i.Configuration["bucket_name"], OutputDirectory: i.Configuration["output_directory"]}
	if cfg.Bucket == "" {
		return S3Config{}, fmt.Errorf("integration %s has no bucket_name", i.ID)
	}
	if cfg.OutputDirectory == "" {
		cfg.OutputDirectory = "output"
	}
	return cfg, nil
}

// SlackConfig is the configuration of a slack integration.
type SlackConfig struct {
	WebhookURL string
	Channel    string
}

// Slack decodes the integration's configuration as a Slack target.
func (i Integration) Slack() (SlackConfig, error) {
	if i.Kind != KindSlack {
		return SlackConfig{}, fmt.Errorf("integration %s is %s, not %s", i.ID, i.Kind, KindSlack)
	}
	cfg := SlackConfig{WebhookURL: i.Configuration["webhook_url"], Channel: i.Configuration["channel"]}
	if cfg.WebhookURL == "" {
		return SlackConfig{}, fmt.Errorf("integration %s has no webhook_url", i.ID)
	}
	return cfg, nil
}

// Repository reads integrations.
type Repository interface {
	ListEnabledForProvider(ctx context.Context, tenantID, providerID uuid.UUID) ([]Integration, error)
	Get(ctx context.Context, tenantID, integrationID uuid.UUID) (*Integration, error)
}
