// Package config loads process configuration from an optional YAML file and
// CLOUDSCAN_* environment variables, environment taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ahrav/cloudscan-armada/internal/infra/artifacts/s3store"
	"github.com/ahrav/cloudscan-armada/internal/infra/checks/docker"
	"github.com/ahrav/cloudscan-armada/internal/infra/cluster/kubernetes"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
)

const envPrefix = "CLOUDSCAN"

// ClusterMode selects how the beat process elects a leader.
type ClusterMode string

const (
	ClusterStandalone ClusterMode = "standalone"
	ClusterKubernetes ClusterMode = "kubernetes"
)

// Config is the full process configuration. Sections only one binary uses are
// validated by that binary's Validate method.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`

	Worker      WorkerConfig     `mapstructure:"worker" validate:"-"`
	Report      ReportConfig     `mapstructure:"report" validate:"-"`
	Engine      docker.Config    `mapstructure:"engine" validate:"-"`
	ObjectStore s3store.Config   `mapstructure:"object_store" validate:"-"`
	Compliance  ComplianceConfig `mapstructure:"compliance" validate:"-"`

	Beat    BeatConfig    `mapstructure:"beat" validate:"-"`
	Cluster ClusterConfig `mapstructure:"cluster" validate:"-"`
}

type ServiceConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// PodName and Namespace are injected by the downward API.
	PodName   string `mapstructure:"pod_name"`
	Namespace string `mapstructure:"namespace"`
}

type TelemetryConfig struct {
	ExporterEndpoint string  `mapstructure:"exporter_endpoint" validate:"required"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure         bool    `mapstructure:"insecure"`
}

type PostgresConfig struct {
	DSN            string `mapstructure:"dsn" validate:"required"`
	MinConns       int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns       int32  `mapstructure:"max_conns" validate:"gtefield=MinConns"`
	MigrationsPath string `mapstructure:"migrations_path" validate:"required"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers" validate:"required,min=1,dive,hostname_port"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	GroupID        string        `mapstructure:"group_id" validate:"required"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
}

type WorkerConfig struct {
	// Queues limits consumption; empty consumes every queue.
	Queues            []string      `mapstructure:"queues"`
	RateLimit         float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst         int           `mapstructure:"rate_burst" validate:"gte=0"`
	DeletionBatchSize int           `mapstructure:"deletion_batch_size" validate:"gte=1"`
	MirrorConcurrency int           `mapstructure:"mirror_concurrency" validate:"gte=1"`
	WebhookTimeout    time.Duration `mapstructure:"webhook_timeout"`
}

type ReportConfig struct {
	BatchSize int    `mapstructure:"batch_size" validate:"gte=1"`
	PageSize  int    `mapstructure:"page_size" validate:"gte=1"`
	OutputDir string `mapstructure:"output_dir" validate:"required"`
}

type ComplianceConfig struct {
	// Dir overrides the built-in framework catalog when set.
	Dir string `mapstructure:"dir" validate:"omitempty,dir"`
}

type BeatConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gte=1s"`
}

type ClusterConfig struct {
	Mode       ClusterMode       `mapstructure:"mode" validate:"oneof=standalone kubernetes"`
	Kubernetes kubernetes.Config `mapstructure:"kubernetes" validate:"-"`
}

var defaults = map[string]any{
	"service.log_level":             "info",
	"telemetry.sampling_ratio":      0.1,
	"telemetry.insecure":            true,
	"postgres.min_conns":            5,
	"postgres.max_conns":            20,
	"postgres.migrations_path":      "file:///app/db/migrations",
	"kafka.topic_prefix":            "cloudscan.",
	"kafka.group_id":                "cloudscan-workers",
	"kafka.commit_interval":         time.Second,
	"worker.rate_limit":             0.0,
	"worker.rate_burst":             1,
	"worker.deletion_batch_size":    500,
	"worker.mirror_concurrency":     4,
	"worker.webhook_timeout":        10 * time.Second,
	"report.batch_size":             50,
	"report.page_size":              500,
	"report.output_dir":             "/tmp/cloudscan",
	"engine.timeout":                6 * time.Hour,
	"engine.network_mode":           "bridge",
	"object_store.region":           "us-east-1",
	"object_store.use_ssl":          true,
	"beat.interval":                 30 * time.Second,
	"cluster.mode":                  string(ClusterStandalone),
	"cluster.kubernetes.lease_name": "cloudscan-beat",
}

// Keys without defaults still need binding so environment overrides reach
// Unmarshal.
var envOnly = []string{
	"service.name", "service.pod_name", "service.namespace",
	"telemetry.exporter_endpoint",
	"postgres.dsn",
	"kafka.brokers",
	"worker.queues",
	"compliance.dir",
	"engine.image", "engine.args", "engine.env", "engine.memory_bytes", "engine.nano_cpus", "engine.pids_limit",
	"object_store.endpoint", "object_store.bucket", "object_store.access_key", "object_store.secret_key",
	"object_store.create_bucket",
	"cluster.kubernetes.namespace", "cluster.kubernetes.identity", "cluster.kubernetes.kubeconfig",
	"cluster.kubernetes.lease_duration", "cluster.kubernetes.renew_deadline", "cluster.kubernetes.retry_period",
}

// Load reads path when non-empty, then applies environment overrides such as
// CLOUDSCAN_POSTGRES_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envOnly {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("binding %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Cluster.Kubernetes.Namespace == "" {
		cfg.Cluster.Kubernetes.Namespace = cfg.Service.Namespace
	}
	if cfg.Cluster.Kubernetes.Identity == "" {
		cfg.Cluster.Kubernetes.Identity = cfg.Service.PodName
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateWorker checks the sections the worker process depends on.
func (c *Config) ValidateWorker() error {
	return validateAll(c, &c.Worker, &c.Report, &c.Engine, &c.ObjectStore, &c.Compliance)
}

// ValidateBeat checks the sections the beat process depends on.
func (c *Config) ValidateBeat() error {
	sections := []any{c, &c.Beat, &c.Cluster}
	if c.Cluster.Mode == ClusterKubernetes {
		sections = append(sections, &c.Cluster.Kubernetes)
	}
	return validateAll(sections...)
}

func validateAll(sections ...any) error {
	var errs []error
	for _, s := range sections {
		if err := validate.Struct(s); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LogLevel maps the configured level name onto the logger's levels.
func (c *Config) LogLevel() logger.Level { return logger.ParseLevel(c.Service.LogLevel) }
