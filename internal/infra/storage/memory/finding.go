package memory

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sort"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// FindingRepository is an in-memory scanning.FindingRepository.
type FindingRepository struct{ db *DB }

// NewFindingRepository creates a FindingRepository over db.
func NewFindingRepository(db *DB) *FindingRepository { return &FindingRepository{db: db} }

var _ scanning.FindingRepository = (*FindingRepository)(nil)

func (r *FindingRepository) Save(_ context.Context, tenantID uuid.UUID, findings []*scanning.Finding) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, f := range findings {
		cp := *f
		cp.TenantID = tenantID
		cp.Compliance = maps.Clone(f.Compliance)
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		r.db.findings[cp.ID] = cp
	}
	return nil
}

// StreamByScan pages through the scan's findings by UID, re-reading the
// store for every page.
func (r *FindingRepository) StreamByScan(
	ctx context.Context,
	tenantID, scanID uuid.UUID,
	pageSize int,
) iter.Seq2[*scanning.Finding, error] {
	pageSize = max(pageSize, 1)

	return func(yield func(*scanning.Finding, error) bool) {
		after := ""
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			page := r.page(tenantID, scanID, after, pageSize)
			for _, f := range page {
				if !yield(f, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].UID
		}
	}
}

func (r *FindingRepository) page(tenantID, scanID uuid.UUID, after string, limit int) []*scanning.Finding {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var matched []*scanning.Finding
	for _, f := range r.db.findings {
		if f.TenantID == tenantID && f.ScanID == scanID && f.UID > after {
			cp := f
			cp.Compliance = maps.Clone(f.Compliance)
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UID < matched[j].UID })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return slices.Clip(matched)
}

func (r *FindingRepository) SetMuted(_ context.Context, tenantID, findingID uuid.UUID, muted bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	f, ok := r.db.findings[findingID]
	if !ok || f.TenantID != tenantID {
		return scanning.ErrFindingNotFound
	}
	f.Muted = muted
	r.db.findings[findingID] = f
	return nil
}
