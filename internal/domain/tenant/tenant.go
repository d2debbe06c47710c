// Package tenant carries the tenant identity that bounds every storage
// operation performed on behalf of a task.
package tenant

import (
	"context"
	"errors"

	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ErrMissingTenant is returned when an operation that must be tenant scoped is
// invoked without a tenant in its context.
var ErrMissingTenant = errors.New("tenant id missing from context")

// ErrTenantMismatch is returned when an operation targets a tenant other than
// the one bound to its context.
var ErrTenantMismatch = errors.New("tenant does not match the bound tenant")

type ctxKey struct{}

// WithID returns a copy of ctx bound to the given tenant.
func WithID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the tenant bound by WithID.
func FromContext(ctx context.Context) (uuid.UUID, error) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, ErrMissingTenant
	}
	return id, nil
}

// Check returns ErrTenantMismatch when ctx is bound to a tenant other than id.
// A context with no bound tenant passes.
func Check(ctx context.Context, id uuid.UUID) error {
	bound, err := FromContext(ctx)
	if err != nil || bound == id {
		return nil
	}
	return ErrTenantMismatch
}

// Scope runs fn with every storage access bound to tenantID. Implementations
// must guarantee that nothing fn reads or writes crosses into another tenant.
type Scope interface {
	Run(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error
}
