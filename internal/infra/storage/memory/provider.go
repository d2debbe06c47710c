package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ProviderRepository is an in-memory scanning.ProviderRepository.
type ProviderRepository struct{ db *DB }

// NewProviderRepository creates a ProviderRepository over db.
func NewProviderRepository(db *DB) *ProviderRepository { return &ProviderRepository{db: db} }

var _ scanning.ProviderRepository = (*ProviderRepository)(nil)

// Put stores or replaces a provider.
func (r *ProviderRepository) Put(_ context.Context, p scanning.Provider) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.providers[p.ID] = p
}

func (r *ProviderRepository) Get(_ context.Context, tenantID, providerID uuid.UUID) (*scanning.Provider, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	p, ok := r.db.providers[providerID]
	if !ok || p.TenantID != tenantID {
		return nil, scanning.ErrProviderNotFound
	}
	return &p, nil
}

// PeriodicTaskRepository is an in-memory scanning.PeriodicTaskRepository.
type PeriodicTaskRepository struct{ db *DB }

// NewPeriodicTaskRepository creates a PeriodicTaskRepository over db.
func NewPeriodicTaskRepository(db *DB) *PeriodicTaskRepository { return &PeriodicTaskRepository{db: db} }

var _ scanning.PeriodicTaskRepository = (*PeriodicTaskRepository)(nil)

func (r *PeriodicTaskRepository) Get(_ context.Context, name string) (*scanning.PeriodicTask, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	t, ok := r.db.periodic[name]
	if !ok {
		return nil, scanning.ErrPeriodicTaskNotFound
	}
	return &t, nil
}

func (r *PeriodicTaskRepository) Upsert(_ context.Context, task *scanning.PeriodicTask) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.periodic[task.Name] = *task
	return nil
}

func (r *PeriodicTaskRepository) ListDue(_ context.Context, now time.Time) ([]*scanning.PeriodicTask, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var due []*scanning.PeriodicTask
	for _, t := range r.db.periodic {
		if t.Due(now) {
			cp := t
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	return due, nil
}

func (r *PeriodicTaskRepository) MarkRun(_ context.Context, name string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.periodic[name]
	if !ok {
		return scanning.ErrPeriodicTaskNotFound
	}
	t.LastRunAt = at
	r.db.periodic[name] = t
	return nil
}

func (r *PeriodicTaskRepository) Delete(_ context.Context, name string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.periodic[name]; !ok {
		return scanning.ErrPeriodicTaskNotFound
	}
	delete(r.db.periodic, name)
	return nil
}
