package scanning

import (
	"fmt"
	"time"

	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ScanRun is one execution of the check suite against one provider.
type ScanRun struct {
	id         uuid.UUID
	tenantID   uuid.UUID
	providerID uuid.UUID
	name       string
	trigger    Trigger
	state      State

	// schedulerRef names the periodic task that owns a scheduled run.
	schedulerRef string
	// taskID is the execution id of the task currently bound to the run.
	taskID string

	scheduledAt time.Time
	startedAt   time.Time
	completedAt time.Time

	uniqueResources int
	progress        int
	outputLocation  string
}

// NewScanRun creates a run in its initial state. Manual runs start available,
// scheduled runs start as placeholders.
func NewScanRun(tenantID, providerID uuid.UUID, name string, trigger Trigger) *ScanRun {
	state := StateAvailable
	if trigger == TriggerScheduled {
		state = StateScheduled
	}
	return &ScanRun{
		id:         uuid.New(),
		tenantID:   tenantID,
		providerID: providerID,
		name:       name,
		trigger:    trigger,
		state:      state,
	}
}

// NewScheduledPlaceholder creates a scheduled-trigger run owned by schedulerRef.
func NewScheduledPlaceholder(
	tenantID, providerID uuid.UUID,
	schedulerRef, name string,
	state State,
	scheduledAt time.Time,
) *ScanRun {
	run := NewScanRun(tenantID, providerID, name, TriggerScheduled)
	run.state = state
	run.schedulerRef = schedulerRef
	run.scheduledAt = scheduledAt
	return run
}

// ScanRunSnapshot holds every persisted field of a ScanRun.
type ScanRunSnapshot struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	ProviderID      uuid.UUID
	Name            string
	Trigger         Trigger
	State           State
	SchedulerRef    string
	TaskID          string
	ScheduledAt     time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	UniqueResources int
	Progress        int
	OutputLocation  string
}

// ReconstructScanRun rebuilds a run from storage, bypassing creation invariants.
// This should only be used by repositories.
func ReconstructScanRun(s ScanRunSnapshot) *ScanRun {
	return &ScanRun{
		id:              s.ID,
		tenantID:        s.TenantID,
		providerID:      s.ProviderID,
		name:            s.Name,
		trigger:         s.Trigger,
		state:           s.State,
		schedulerRef:    s.SchedulerRef,
		taskID:          s.TaskID,
		scheduledAt:     s.ScheduledAt,
		startedAt:       s.StartedAt,
		completedAt:     s.CompletedAt,
		uniqueResources: s.UniqueResources,
		progress:        s.Progress,
		outputLocation:  s.OutputLocation,
	}
}

// Snapshot exports the run for persistence.
func (r *ScanRun) Snapshot() ScanRunSnapshot {
	return ScanRunSnapshot{
		ID:              r.id,
		TenantID:        r.tenantID,
		ProviderID:      r.providerID,
		Name:            r.name,
		Trigger:         r.trigger,
		State:           r.state,
		SchedulerRef:    r.schedulerRef,
		TaskID:          r.taskID,
		ScheduledAt:     r.scheduledAt,
		StartedAt:       r.startedAt,
		CompletedAt:     r.completedAt,
		UniqueResources: r.uniqueResources,
		Progress:        r.progress,
		OutputLocation:  r.outputLocation,
	}
}

func (r *ScanRun) ID() uuid.UUID          { return r.id }
func (r *ScanRun) TenantID() uuid.UUID    { return r.tenantID }
func (r *ScanRun) ProviderID() uuid.UUID  { return r.providerID }
func (r *ScanRun) Name() string           { return r.name }
func (r *ScanRun) Trigger() Trigger       { return r.trigger }
func (r *ScanRun) State() State           { return r.state }
func (r *ScanRun) SchedulerRef() string   { return r.schedulerRef }
func (r *ScanRun) TaskID() string         { return r.taskID }
func (r *ScanRun) ScheduledAt() time.Time { return r.scheduledAt }
func (r *ScanRun) StartedAt() time.Time   { return r.startedAt }
func (r *ScanRun) CompletedAt() time.Time { return r.completedAt }
func (r *ScanRun) Progress() int          { return r.progress }
func (r *ScanRun) OutputLocation() string { return r.outputLocation }
func (r *ScanRun) UniqueResources() int   { return r.uniqueResources }

// Duration is the wall time between start and completion, zero while running.
func (r *ScanRun) Duration() time.Duration {
	if r.startedAt.IsZero() || r.completedAt.IsZero() {
		return 0
	}
	return r.completedAt.Sub(r.startedAt)
}

// BindTask attaches the execution id of the task acting on this run.
func (r *ScanRun) BindTask(taskID string) { r.taskID = taskID }

// Start moves the run into executing.
func (r *ScanRun) Start(taskID string, now time.Time) error {
	if err := r.state.validateTransition(StateExecuting); err != nil {
		return err
	}
	r.state = StateExecuting
	r.taskID = taskID
	r.startedAt = now
	r.progress = 0
	return nil
}

// Complete marks the run as finished successfully.
func (r *ScanRun) Complete(now time.Time, uniqueResources int) error {
	if err := r.state.validateTransition(StateCompleted); err != nil {
		return err
	}
	r.state = StateCompleted
	r.completedAt = now
	r.uniqueResources = uniqueResources
	r.progress = 100
	return nil
}

// Fail marks the run as aborted. Findings committed before the failure are
// left untouched.
func (r *ScanRun) Fail(now time.Time, uniqueResources int) error {
	if err := r.state.validateTransition(StateFailed); err != nil {
		return err
	}
	r.state = StateFailed
	r.completedAt = now
	r.uniqueResources = uniqueResources
	return nil
}

// UpdateProgress records a progress percentage in [0, 100].
func (r *ScanRun) UpdateProgress(pct int) {
	r.progress = min(max(pct, 0), 100)
}

// SetOutputLocation records where the run's report artifact lives.
func (r *ScanRun) SetOutputLocation(loc string) error {
	if loc == "" {
		return fmt.Errorf("output location for scan %s must not be empty", r.id)
	}
	r.outputLocation = loc
	return nil
}

// RunData is the identity of a ScanRun returned to callers of the scan
// entry points. It carries no lifecycle state, so two invocations observing
// the same run produce equal values whether or not it has finished.
type RunData struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	ProviderID  uuid.UUID `json:"provider_id"`
	Name        string    `json:"name"`
	Trigger     Trigger   `json:"trigger"`
	TaskID      string    `json:"task_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Data returns the run's RunData.
func (r *ScanRun) Data() RunData {
	return RunData{
		ID:          r.id,
		TenantID:    r.tenantID,
		ProviderID:  r.providerID,
		Name:        r.name,
		Trigger:     r.trigger,
		TaskID:      r.taskID,
		ScheduledAt: r.scheduledAt,
	}
}
