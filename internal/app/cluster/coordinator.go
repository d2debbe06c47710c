package cluster

import (
	"context"
	"sync"
)

// Coordinator manages leader election to ensure only one instance runs the
// scheduler beat.
type Coordinator interface {
	// Start initiates coordination and blocks until context cancellation or error.
	Start(ctx context.Context) error
	// Stop gracefully terminates coordination.
	Stop() error
	// OnLeadershipChange registers a callback for leadership status changes.
	OnLeadershipChange(cb func(isLeader bool))
}

var _ Coordinator = (*Standalone)(nil)

// Standalone is a Coordinator for single-replica deployments. It assumes
// leadership on Start and gives it up when ctx is cancelled.
type Standalone struct {
	mu sync.Mutex
	cb func(isLeader bool)
}

// NewStandalone creates a Standalone coordinator.
func NewStandalone() *Standalone { return new(Standalone) }

// Start reports leadership and blocks until ctx is cancelled.
func (s *Standalone) Start(ctx context.Context) error {
	s.notify(true)
	<-ctx.Done()
	s.notify(false)
	return nil
}

// Stop is a no-op; leadership ends with Start's context.
func (s *Standalone) Stop() error { return nil }

// OnLeadershipChange registers cb.
func (s *Standalone) OnLeadershipChange(cb func(isLeader bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

func (s *Standalone) notify(isLeader bool) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}
