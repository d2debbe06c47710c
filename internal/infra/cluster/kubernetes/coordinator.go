// Package kubernetes elects the active scheduler beat through a
// coordination.k8s.io Lease.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/cloudscan-armada/internal/app/cluster"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
)

var _ cluster.Coordinator = new(Coordinator)

// Coordinator runs Lease-based leader election. Only the leading replica
// fires periodic scan triggers.
type Coordinator struct {
	cfg    Config
	client kubernetes.Interface

	leaderElector *leaderelection.LeaderElector

	mu                 sync.Mutex
	leadershipChangeCB func(isLeader bool)

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator builds a Coordinator from the in-cluster or kubeconfig
// credentials.
func NewCoordinator(cfg Config, logger *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	client, err := newClient(cfg.KubeConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client for coordinator: %w", err)
	}
	return NewCoordinatorWithClient(client, cfg, logger, tracer)
}

// NewCoordinatorWithClient builds a Coordinator over an existing client.
func NewCoordinatorWithClient(
	client kubernetes.Interface,
	cfg Config,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new",
		trace.WithAttributes(
			attribute.String("identity", cfg.Identity),
			attribute.String("lease", cfg.LeaseName),
		),
	)
	defer span.End()

	if cfg.Namespace == "" || cfg.LeaseName == "" || cfg.Identity == "" {
		err := errors.New("namespace, lease name and identity are required")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid config")
		return nil, err
	}
	cfg.withDefaults()

	c := &Coordinator{
		cfg:    cfg,
		client: client,
		logger: logger.With(
			"component", "kubernetes_coordinator",
			"namespace", cfg.Namespace,
			"lease", cfg.LeaseName,
			"identity", cfg.Identity,
		),
		tracer: tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaseName,
			Namespace: cfg.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: cfg.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: c.onStartedLeading,
			OnStoppedLeading: c.onStoppedLeading,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	c.leaderElector = elector
	span.AddEvent("leader_elector_created")

	return c, nil
}

// Start runs the election and blocks until ctx is canceled. A replica that
// loses the lease rejoins the election.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info(ctx, "Starting leader elector")
	for ctx.Err() == nil {
		c.leaderElector.Run(ctx)
	}
	return nil
}

// Stop is a no-op; the lease is released when Start's context is canceled.
func (c *Coordinator) Stop() error {
	c.logger.Info(context.Background(), "Stopping leader elector")
	return nil
}

// OnLeadershipChange registers a callback invoked when this replica gains or
// loses the lease.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leadershipChangeCB = cb
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	cb := c.leadershipChangeCB
	c.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading")
	defer span.End()

	c.logger.Info(ctx, "became leader")
	span.AddEvent("became_leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading")
	defer span.End()

	c.logger.Info(ctx, "lost leadership")
	span.AddEvent("lost_leadership")
	c.notify(false)
}
