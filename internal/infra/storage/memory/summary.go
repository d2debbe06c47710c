package memory

import (
	"context"
	"slices"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// SummaryRepository is an in-memory scanning.SummaryRepository.
type SummaryRepository struct{ db *DB }

// NewSummaryRepository creates a SummaryRepository over db.
func NewSummaryRepository(db *DB) *SummaryRepository { return &SummaryRepository{db: db} }

var _ scanning.SummaryRepository = (*SummaryRepository)(nil)

func (r *SummaryRepository) ReplaceForScan(_ context.Context, tenantID, scanID uuid.UUID, rows []scanning.SummaryRow) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.summaries[scanID] = summaryEntry{tenantID: tenantID, rows: slices.Clone(rows)}
	return nil
}

func (r *SummaryRepository) Exists(_ context.Context, tenantID, scanID uuid.UUID) (bool, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	e, ok := r.db.summaries[scanID]
	return ok && e.tenantID == tenantID && len(e.rows) > 0, nil
}

func (r *SummaryRepository) List(_ context.Context, tenantID, scanID uuid.UUID) ([]scanning.SummaryRow, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	e, ok := r.db.summaries[scanID]
	if !ok || e.tenantID != tenantID || len(e.rows) == 0 {
		return nil, scanning.ErrSummaryNotFound
	}
	return slices.Clone(e.rows), nil
}

// ComplianceOverviewRepository is an in-memory
// scanning.ComplianceOverviewRepository.
type ComplianceOverviewRepository struct{ db *DB }

// NewComplianceOverviewRepository creates a ComplianceOverviewRepository over db.
func NewComplianceOverviewRepository(db *DB) *ComplianceOverviewRepository {
	return &ComplianceOverviewRepository{db: db}
}

var _ scanning.ComplianceOverviewRepository = (*ComplianceOverviewRepository)(nil)

func (r *ComplianceOverviewRepository) ReplaceForScan(
	_ context.Context,
	tenantID, scanID uuid.UUID,
	rows []scanning.RequirementOverview,
) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.overviews[scanID] = overviewEntry{tenantID: tenantID, rows: slices.Clone(rows)}
	return nil
}

// List returns the stored overviews for a scan.
func (r *ComplianceOverviewRepository) List(_ context.Context, tenantID, scanID uuid.UUID) []scanning.RequirementOverview {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	e, ok := r.db.overviews[scanID]
	if !ok || e.tenantID != tenantID {
		return nil
	}
	return slices.Clone(e.rows)
}
