package scanning

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateExecution is a re-delivered scheduled trigger for a window
	// that is already executing.
	ErrDuplicateExecution = errors.New("scheduled scan already executing for this window")

	// ErrScanRunNotFound is returned when a scan run lookup misses.
	ErrScanRunNotFound = errors.New("scan run not found")

	// ErrFindingNotFound is returned when a finding lookup misses.
	ErrFindingNotFound = errors.New("finding not found")

	// ErrSummaryNotFound is returned when a scan has no summary rows yet.
	ErrSummaryNotFound = errors.New("scan summary not found")

	// ErrProviderNotFound is returned when a provider lookup misses.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrPeriodicTaskNotFound is returned when a periodic task lookup misses.
	ErrPeriodicTaskNotFound = errors.New("periodic task not found")
)

// LogicError is an invariant violation. It is always propagated to the
// caller and never swallowed.
type LogicError struct {
	Op  string
	Msg string
	Err error
}

func (e *LogicError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("logic error in %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("logic error in %s: %s", e.Op, e.Msg)
}

func (e *LogicError) Unwrap() error { return e.Err }

// UpstreamUnavailableError wraps a provider or storage failure.
type UpstreamUnavailableError struct {
	Service string
	Err     error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// PartialScanFailure is an isolated per-check error. The rest of the suite and
// every finding produced so far remain valid.
type PartialScanFailure struct {
	CheckID string
	Err     error
}

func (e *PartialScanFailure) Error() string {
	return fmt.Sprintf("check %s failed: %v", e.CheckID, e.Err)
}

func (e *PartialScanFailure) Unwrap() error { return e.Err }
