package scanning

import (
	"context"
	"iter"

	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// CheckRequest describes one invocation of the external check engine.
type CheckRequest struct {
	Provider *Provider
	ScanID   uuid.UUID
	// Checks restricts the suite; empty runs every check for the provider.
	Checks []string
}

// CheckResult is the output of one check. Err set means the check itself
// failed, which does not abort the suite.
type CheckResult struct {
	CheckID  string
	Findings []*Finding
	Err      error
	// Progress is the suite's completion percentage after this check.
	Progress int
}

// CheckRunner executes the check suite. A non-nil error from the sequence is
// fatal to the run; per-check failures arrive in CheckResult.Err.
type CheckRunner interface {
	Run(ctx context.Context, req CheckRequest) iter.Seq2[CheckResult, error]
}
