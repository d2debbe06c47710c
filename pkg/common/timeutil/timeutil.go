// Package timeutil provides an injectable clock.
package timeutil

import (
	"sync"
	"time"
)

// Provider abstracts the current time so tests can pin it.
type Provider interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Default returns the wall clock.
func Default() Provider { return realClock{} }

// Mock is a settable clock used by tests.
type Mock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

// NewMock returns a Mock pinned at t.
func NewMock(t time.Time) *Mock { return &Mock{CurrentTime: t} }

// Now returns the pinned time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentTime
}

// Advance moves the pinned time forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

// Set pins the clock at t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = t
}
