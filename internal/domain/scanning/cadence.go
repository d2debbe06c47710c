package scanning

import (
	"time"

	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ScheduledTaskName returns the periodic task name that owns the daily
// scheduled scan for a provider.
func ScheduledTaskName(providerID uuid.UUID) string {
	return "scan-perform-scheduled-" + providerID.String()
}

// Cadence is the interval between recurring scan triggers, anchored at the
// moment the schedule was created.
type Cadence struct {
	Anchor time.Time
	Every  time.Duration
}

// DailyCadence returns a 24h cadence anchored at anchor.
func DailyCadence(anchor time.Time) Cadence {
	return Cadence{Anchor: anchor, Every: 24 * time.Hour}
}

// Next returns the first tick of the cadence strictly after now.
func (c Cadence) Next(now time.Time) time.Time {
	if c.Every <= 0 {
		return now
	}
	if now.Before(c.Anchor) {
		return c.Anchor
	}
	elapsed := now.Sub(c.Anchor)
	ticks := elapsed/c.Every + 1
	return c.Anchor.Add(ticks * c.Every)
}

// Previous returns the tick one cadence unit before next.
func (c Cadence) Previous(next time.Time) time.Time { return next.Add(-c.Every) }

// PeriodicTask is a recurring trigger registered with the scheduler beat.
type PeriodicTask struct {
	Name       string
	TaskName   string
	TenantID   uuid.UUID
	ProviderID uuid.UUID
	Cadence    Cadence
	Enabled    bool
	LastRunAt  time.Time
}

// Due reports whether the task should fire at now.
func (p PeriodicTask) Due(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if p.LastRunAt.IsZero() {
		return !now.Before(p.Cadence.Anchor)
	}
	return !now.Before(p.Cadence.Next(p.LastRunAt))
}
