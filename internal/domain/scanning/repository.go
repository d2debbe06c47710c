package scanning

import (
	"context"
	"iter"
	"time"

	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ScanRunRepository persists ScanRuns. Every method is tenant scoped.
type ScanRunRepository interface {
	Create(ctx context.Context, run *ScanRun) error
	Get(ctx context.Context, tenantID, scanID uuid.UUID) (*ScanRun, error)
	Update(ctx context.Context, run *ScanRun) error

	// ExistsExecutingScheduled reports whether a scheduled run owned by
	// schedulerRef is executing with a scheduled date equal to day (UTC).
	ExistsExecutingScheduled(
		ctx context.Context,
		tenantID, providerID uuid.UUID,
		schedulerRef string,
		day time.Time,
	) (bool, error)

	// ListByTaskID returns runs bound to the execution id, earliest
	// completed first. Runs that have not completed sort last.
	ListByTaskID(ctx context.Context, tenantID uuid.UUID, taskID string) ([]*ScanRun, error)

	// GetOrCreatePending fetches the scheduled-trigger run owned by
	// schedulerRef whose state is scheduled or available, creating
	// placeholder when none exists.
	GetOrCreatePending(ctx context.Context, placeholder *ScanRun) (*ScanRun, bool, error)

	// EnsureScheduled creates placeholder unless a scheduled run with the
	// same owner and scheduled_at already exists.
	EnsureScheduled(ctx context.Context, placeholder *ScanRun) (*ScanRun, bool, error)
}

// FindingRepository persists findings.
type FindingRepository interface {
	Save(ctx context.Context, tenantID uuid.UUID, findings []*Finding) error

	// StreamByScan yields the scan's findings in ascending UID order,
	// fetching pageSize rows at a time.
	StreamByScan(ctx context.Context, tenantID, scanID uuid.UUID, pageSize int) iter.Seq2[*Finding, error]

	SetMuted(ctx context.Context, tenantID, findingID uuid.UUID, muted bool) error
}

// SummaryRepository persists per-scan aggregates.
type SummaryRepository interface {
	// ReplaceForScan atomically swaps the scan's summary rows.
	ReplaceForScan(ctx context.Context, tenantID, scanID uuid.UUID, rows []SummaryRow) error
	Exists(ctx context.Context, tenantID, scanID uuid.UUID) (bool, error)
	List(ctx context.Context, tenantID, scanID uuid.UUID) ([]SummaryRow, error)
}

// ProviderRepository reads providers.
type ProviderRepository interface {
	Get(ctx context.Context, tenantID, providerID uuid.UUID) (*Provider, error)
}

// PeriodicTaskRepository stores the scheduler's recurring triggers.
type PeriodicTaskRepository interface {
	Get(ctx context.Context, name string) (*PeriodicTask, error)
	Upsert(ctx context.Context, task *PeriodicTask) error
	ListDue(ctx context.Context, now time.Time) ([]*PeriodicTask, error)
	MarkRun(ctx context.Context, name string, at time.Time) error
	Delete(ctx context.Context, name string) error
}

// RequirementOverview is the per-region status of one compliance requirement
// for one scan.
type RequirementOverview struct {
	FrameworkID   string
	Version       string
	RequirementID string
	Description   string
	Region        string
	Status        FindingStatus
	PassedChecks  int
	FailedChecks  int
	TotalChecks   int
}

// ComplianceOverviewRepository persists requirement overviews.
type ComplianceOverviewRepository interface {
	ReplaceForScan(ctx context.Context, tenantID, scanID uuid.UUID, rows []RequirementOverview) error
}

// DeletionRepository removes tenant data. Deletes run in batches so a retry
// resumes where the previous attempt stopped.
type DeletionRepository interface {
	DeleteProvider(ctx context.Context, tenantID, providerID uuid.UUID, batchSize int) (int64, error)
	DeleteTenant(ctx context.Context, tenantID uuid.UUID, batchSize int) (int64, error)
}
