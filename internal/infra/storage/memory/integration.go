package memory

import (
	"context"
	"maps"
	"sort"

	"github.com/ahrav/cloudscan-armada/internal/domain/integration"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)


// IntegrationRepository is an in-memory integration.Repository.
type IntegrationRepository struct{ db *DB }

// NewIntegrationRepository creates an IntegrationRepository over db.
func NewIntegrationRepository(db *DB) *IntegrationRepository { return &IntegrationRepository{db: db} }

var _ integration.Repository = (*IntegrationRepository)(nil)

// Put stores an integration linked to the given providers.
func (r *IntegrationRepository) Put(_ context.Context, in integration.Integration, providerIDs ...uuid.UUID) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	linked := make(map[uuid.UUID]struct{}, len(providerIDs))
	for _, id := range providerIDs {
		linked[id] = struct{}{}
	}
	in.Configuration = maps.Clone(in.Configuration)
	r.db.integrations[in.ID] = integrationEntry{integration: in, providers: linked}
}

func (r *IntegrationRepository) ListEnabledForProvider(
	_ context.Context,
	tenantID, providerID uuid.UUID,
) ([]integration.Integration, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []integration.Integration
	for _, e := range r.db.integrations {
		if e.integration.TenantID != tenantID || !e.integration.Enabled {
			continue
		}
		if _, ok := e.providers[providerID]; ok {
			out = append(out, e.integration)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *IntegrationRepository) Get(_ context.Context, tenantID, integrationID uuid.UUID) (*integration.Integration, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	e, ok := r.db.integrations[integrationID]
	if !ok || e.integration.TenantID != tenantID {
		return nil, integration.ErrNotFound
	}
	in := e.integration
	return &in, nil
}
