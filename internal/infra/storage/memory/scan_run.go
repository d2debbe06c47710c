package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ScanRunRepository is an in-memory scanning.ScanRunRepository.
type ScanRunRepository struct{ db *DB }

// NewScanRunRepository creates a ScanRunRepository over db.
func NewScanRunRepository(db *DB) *ScanRunRepository { return &ScanRunRepository{db: db} }

var _ scanning.ScanRunRepository = (*ScanRunRepository)(nil)

func (r *ScanRunRepository) Create(_ context.Context, run *scanning.ScanRun) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.runs[run.ID()] = run.Snapshot()
	return nil
}

func (r *ScanRunRepository) Get(_ context.Context, tenantID, scanID uuid.UUID) (*scanning.ScanRun, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	snap, ok := r.db.runs[scanID]
	if !ok || snap.TenantID != tenantID {
		return nil, scanning.ErrScanRunNotFound
	}
	return scanning.ReconstructScanRun(snap), nil
}

func (r *ScanRunRepository) Update(_ context.Context, run *scanning.ScanRun) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	snap, ok := r.db.runs[run.ID()]
	if !ok || snap.TenantID != run.TenantID() {
		return scanning.ErrScanRunNotFound
	}
	r.db.runs[run.ID()] = run.Snapshot()
	return nil
}

func (r *ScanRunRepository) ExistsExecutingScheduled(
	_ context.Context,
	tenantID, providerID uuid.UUID,
	schedulerRef string,
	day time.Time,
) (bool, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	y, m, d := day.UTC().Date()
	for _, s := range r.db.runs {
		if s.TenantID != tenantID || s.ProviderID != providerID || s.SchedulerRef != schedulerRef {
			continue
		}
		if s.State != scanning.StateExecuting || s.Trigger != scanning.TriggerScheduled {
			continue
		}
		sy, sm, sd := s.ScheduledAt.UTC().Date()
		if sy == y && sm == m && sd == d {
			return true, nil
		}
	}
	return false, nil
}

func (r *ScanRunRepository) ListByTaskID(_ context.Context, tenantID uuid.UUID, taskID string) ([]*scanning.ScanRun, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var snaps []scanning.ScanRunSnapshot
	for _, s := range r.db.runs {
		if s.TenantID == tenantID && s.TaskID == taskID {
			snaps = append(snaps, s)
		}
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		a, b := snaps[i].CompletedAt, snaps[j].CompletedAt
		if a.IsZero() != b.IsZero() {
			return !a.IsZero()
		}
		if !a.Equal(b) {
			return a.Before(b)
		}
		return snaps[i].ID.String() < snaps[j].ID.String()
	})

	runs := make([]*scanning.ScanRun, 0, len(snaps))
	for _, s := range snaps {
		runs = append(runs, scanning.ReconstructScanRun(s))
	}
	return runs, nil
}

func (r *ScanRunRepository) GetOrCreatePending(_ context.Context, placeholder *scanning.ScanRun) (*scanning.ScanRun, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	p := placeholder.Snapshot()
	for _, s := range r.sortedLocked() {
		if s.TenantID != p.TenantID || s.ProviderID != p.ProviderID || s.SchedulerRef != p.SchedulerRef {
			continue
		}
		if s.Trigger != scanning.TriggerScheduled {
			continue
		}
		if s.State == scanning.StateScheduled || s.State == scanning.StateAvailable {
			return scanning.ReconstructScanRun(s), false, nil
		}
	}
	r.db.runs[p.ID] = p
	return scanning.ReconstructScanRun(p), true, nil
}

func (r *ScanRunRepository) EnsureScheduled(_ context.Context, placeholder *scanning.ScanRun) (*scanning.ScanRun, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	p := placeholder.Snapshot()
	for _, s := range r.sortedLocked() {
		if s.TenantID == p.TenantID && s.ProviderID == p.ProviderID && s.SchedulerRef == p.SchedulerRef &&
			s.Trigger == scanning.TriggerScheduled && s.State == scanning.StateScheduled &&
			s.ScheduledAt.Equal(p.ScheduledAt) {
			return scanning.ReconstructScanRun(s), false, nil
		}
	}
	r.db.runs[p.ID] = p
	return scanning.ReconstructScanRun(p), true, nil
}

// sortedLocked returns runs ordered by scheduled time so lookups that match
// several rows are deterministic. Caller holds the lock.
func (r *ScanRunRepository) sortedLocked() []scanning.ScanRunSnapshot {
	out := make([]scanning.ScanRunSnapshot, 0, len(r.db.runs))
	for _, s := range r.db.runs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// ListForProvider returns every run of the provider ordered by scheduled time.
func (r *ScanRunRepository) ListForProvider(_ context.Context, tenantID, providerID uuid.UUID) []*scanning.ScanRun {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var runs []*scanning.ScanRun
	for _, s := range r.sortedLocked() {
		if s.TenantID == tenantID && s.ProviderID == providerID {
			runs = append(runs, scanning.ReconstructScanRun(s))
		}
	}
	return runs
}
