package beat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/cloudscan-armada/internal/app/cluster"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/internal/infra/storage/memory"
	taskmemory "github.com/ahrav/cloudscan-armada/internal/infra/taskqueue/memory"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

type failingPublisher struct{ failFor uuid.UUID }

func (p failingPublisher) Enqueue(_ context.Context, sig tasks.Signature) error {
	if sig.TenantID == p.failFor {
		return errors.New("broker unavailable")
	}
	return nil
}

var anchor = time.Date(2025, 5, 1, 6, 0, 0, 0, time.UTC)

func seedTask(t *testing.T, repo *memory.PeriodicTaskRepository, tenantID uuid.UUID, lastRun time.Time) *scanning.PeriodicTask {
	t.Helper()
	providerID := uuid.New()
	pt := &scanning.PeriodicTask{
		Name:       scanning.ScheduledTaskName(providerID),
		TaskName:   tasks.ScanPerformScheduled.String(),
		TenantID:   tenantID,
		ProviderID: providerID,
		Cadence:    scanning.DailyCadence(anchor),
		Enabled:    true,
		LastRunAt:  lastRun,
	}
	require.NoError(t, repo.Upsert(context.Background(), pt))
	return pt
}

func TestTickFiresDueTasks(t *testing.T) {
	ctx := context.Background()
	periodic := memory.NewPeriodicTaskRepository(memory.NewDB())
	queue := taskmemory.NewQueue(8)
	t.Cleanup(func() { _ = queue.Close() })
	clock := timeutil.NewMock(anchor.Add(26 * time.Hour))

	tenantID := uuid.New()
	due := seedTask(t, periodic, tenantID, anchor)
	notDue := seedTask(t, periodic, tenantID, anchor.Add(24*time.Hour))

	b := New(periodic, queue, clock, time.Minute, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	fired, err := b.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, queue.Len(tasks.QueueScans))

	stored, err := periodic.Get(ctx, due.Name)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), stored.LastRunAt)

	untouched, err := periodic.Get(ctx, notDue.Name)
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(24*time.Hour), untouched.LastRunAt)

	// Nothing is due again until the next cadence slot.
	fired, err = b.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestTickSignatureCarriesTenantAndProvider(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	periodic := memory.NewPeriodicTaskRepository(memory.NewDB())
	queue := taskmemory.NewQueue(8)
	t.Cleanup(func() { _ = queue.Close() })

	tenantID := uuid.New()
	pt := seedTask(t, periodic, tenantID, time.Time{})

	b := New(periodic, queue, timeutil.NewMock(anchor), time.Minute, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	_, err := b.Tick(ctx)
	require.NoError(t, err)

	got := make(chan tasks.Signature, 1)
	go func() {
		_ = queue.Consume(ctx, []tasks.QueueName{tasks.QueueScans}, func(_ context.Context, sig tasks.Signature) error {
			got <- sig
			return nil
		})
	}()

	select {
	case sig := <-got:
		assert.Equal(t, tasks.ScanPerformScheduled, sig.Name)
		assert.Equal(t, tenantID, sig.TenantID)
		assert.Equal(t, pt.ProviderID.String(), sig.Args.String("provider_id"))
		assert.NotEmpty(t, sig.ID)
	case <-ctx.Done():
		t.Fatal("timeout waiting for trigger")
	}
}

func TestTickContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	periodic := memory.NewPeriodicTaskRepository(memory.NewDB())

	broken, healthy := uuid.New(), uuid.New()
	failed := seedTask(t, periodic, broken, time.Time{})
	seedTask(t, periodic, healthy, time.Time{})

	b := New(periodic, failingPublisher{failFor: broken}, timeutil.NewMock(anchor), 0, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	fired, err := b.Tick(ctx)
	assert.ErrorContains(t, err, "broker unavailable")
	assert.Equal(t, 1, fired)

	// The failed trigger stays due for the next tick.
	stored, err := periodic.Get(ctx, failed.Name)
	require.NoError(t, err)
	assert.True(t, stored.LastRunAt.IsZero())
}

func TestLeadershipGatesTicks(t *testing.T) {
	periodic := memory.NewPeriodicTaskRepository(memory.NewDB())
	queue := taskmemory.NewQueue(8)
	t.Cleanup(func() { _ = queue.Close() })
	seedTask(t, periodic, uuid.New(), time.Time{})

	b := New(periodic, queue, timeutil.NewMock(anchor), 5*time.Millisecond, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, queue.Len(tasks.QueueScans), "followers never fire")

	coord := cluster.NewStandalone()
	coord.OnLeadershipChange(b.SetLeader)
	go func() { _ = coord.Start(ctx) }()

	require.Eventually(t, func() bool { return queue.Len(tasks.QueueScans) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, b.Leading())
}
