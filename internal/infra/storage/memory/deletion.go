package memory

import (
	"context"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// DeletionRepository is an in-memory scanning.DeletionRepository.
type DeletionRepository struct{ db *DB }

// NewDeletionRepository creates a DeletionRepository over db.
func NewDeletionRepository(db *DB) *DeletionRepository { return &DeletionRepository{db: db} }

var _ scanning.DeletionRepository = (*DeletionRepository)(nil)

func (r *DeletionRepository) DeleteProvider(_ context.Context, tenantID, providerID uuid.UUID, _ int) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var deleted int64
	for id, run := range r.db.runs {
		if run.TenantID != tenantID || run.ProviderID != providerID {
			continue
		}
		deleted += r.deleteScanLocked(id)
	}
	if p, ok := r.db.providers[providerID]; ok && p.TenantID == tenantID {
		delete(r.db.providers, providerID)
		deleted++
	}
	return deleted, nil
}

func (r *DeletionRepository) DeleteTenant(_ context.Context, tenantID uuid.UUID, _ int) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var deleted int64
	for id, run := range r.db.runs {
		if run.TenantID == tenantID {
			deleted += r.deleteScanLocked(id)
		}
	}
	for id, p := range r.db.providers {
		if p.TenantID == tenantID {
			delete(r.db.providers, id)
			deleted++
		}
	}
	for name, t := range r.db.periodic {
		if t.TenantID == tenantID {
			delete(r.db.periodic, name)
			deleted++
		}
	}
	for id, e := range r.db.integrations {
		if e.integration.TenantID == tenantID {
			delete(r.db.integrations, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *DeletionRepository) deleteScanLocked(scanID uuid.UUID) int64 {
	var deleted int64
	for id, f := range r.db.findings {
		if f.ScanID == scanID {
			delete(r.db.findings, id)
			deleted++
		}
	}
	delete(r.db.summaries, scanID)
	delete(r.db.overviews, scanID)
	delete(r.db.runs, scanID)
	return deleted + 1
}
