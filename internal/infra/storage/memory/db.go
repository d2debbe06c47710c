// Package memory provides in-memory repositories for tests and local
// development. Every read and write is filtered by tenant.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/ahrav/cloudscan-armada/internal/domain/integration"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/internal/domain/tenant"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

type summaryEntry struct {
	tenantID uuid.UUID
	rows     []scanning.SummaryRow
}

type overviewEntry struct {
	tenantID uuid.UUID
	rows     []scanning.RequirementOverview
}

type integrationEntry struct {
	integration integration.Integration
	providers   map[uuid.UUID]struct{}
}

// DB is the shared backing store of every repository in this package.
type DB struct {
	mu sync.RWMutex

	runs         map[uuid.UUID]scanning.ScanRunSnapshot
	findings     map[uuid.UUID]scanning.Finding
	summaries    map[uuid.UUID]summaryEntry
	overviews    map[uuid.UUID]overviewEntry
	providers    map[uuid.UUID]scanning.Provider
	periodic     map[string]scanning.PeriodicTask
	integrations map[uuid.UUID]integrationEntry
}

// NewDB creates an empty store.
func NewDB() *DB {
	return &DB{
		runs:         make(map[uuid.UUID]scanning.ScanRunSnapshot),
		findings:     make(map[uuid.UUID]scanning.Finding),
		summaries:    make(map[uuid.UUID]summaryEntry),
		overviews:    make(map[uuid.UUID]overviewEntry),
		providers:    make(map[uuid.UUID]scanning.Provider),
		periodic:     make(map[string]scanning.PeriodicTask),
		integrations: make(map[uuid.UUID]integrationEntry),
	}
}

type state struct {
	runs         map[uuid.UUID]scanning.ScanRunSnapshot
	findings     map[uuid.UUID]scanning.Finding
	summaries    map[uuid.UUID]summaryEntry
	overviews    map[uuid.UUID]overviewEntry
	providers    map[uuid.UUID]scanning.Provider
	periodic     map[string]scanning.PeriodicTask
	integrations map[uuid.UUID]integrationEntry
}

func (db *DB) snapshot() state {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return state{
		runs:         maps.Clone(db.runs),
		findings:     maps.Clone(db.findings),
		summaries:    maps.Clone(db.summaries),
		overviews:    maps.Clone(db.overviews),
		providers:    maps.Clone(db.providers),
		periodic:     maps.Clone(db.periodic),
		integrations: maps.Clone(db.integrations),
	}
}

func (db *DB) restore(st state) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.runs, db.findings, db.summaries, db.overviews = st.runs, st.findings, st.summaries, st.overviews
	db.providers, db.periodic, db.integrations = st.providers, st.periodic, st.integrations
}

// TenantScope emulates a tenant-bound transaction over a DB. Scopes run one
// at a time, and a scope whose fn fails restores the DB to its state at entry.
type TenantScope struct {
	db *DB
	mu sync.Mutex
}

// NewTenantScope creates a TenantScope over db.
func NewTenantScope(db *DB) *TenantScope { return &TenantScope{db: db} }

// Run invokes fn with tenantID bound to ctx.
func (s *TenantScope) Run(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	if tenantID == uuid.Nil {
		return tenant.ErrMissingTenant
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.db.snapshot()
	if err := fn(tenant.WithID(ctx, tenantID)); err != nil {
		s.db.restore(saved)
		return err
	}
	return nil
}

var _ tenant.Scope = (*TenantScope)(nil)
