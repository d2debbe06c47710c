package scanning

import (
	"time"

	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// FindingStatus is the outcome of one check against one resource.
type FindingStatus string

const (
	FindingPass   FindingStatus = "PASS"
	FindingFail   FindingStatus = "FAIL"
	FindingManual FindingStatus = "MANUAL"
)

// Severity ranks how serious a failing finding is.
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityHigh          Severity = "high"
	SeverityMedium        Severity = "medium"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
)

// Severities lists every severity from most to least serious.
var Severities = []Severity{
	SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInformational,
}

// Delta describes how a finding compares with the provider's previous scan.
type Delta string

const (
	DeltaNone    Delta = ""
	DeltaNew     Delta = "new"
	DeltaChanged Delta = "changed"
)

// Finding is one check result for one resource. Findings are immutable once
// written except for the mute flag.
type Finding struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	ScanID   uuid.UUID

	// UID is stable across scans and gives findings a deterministic order.
	UID string

	CheckID        string
	CheckTitle     string
	ServiceName    string
	Severity       Severity
	Status         FindingStatus
	StatusExtended string
	Delta          Delta
	Muted          bool

	Region       string
	ResourceUID  string
	ResourceName string
	ResourceType string

	// Compliance maps a framework key ("CIS-2.0") to the requirement ids
	// this finding is tagged against.
	Compliance map[string][]string

	InsertedAt time.Time
}

// RequirementsFor returns the requirement ids this finding satisfies or
// violates for the given framework key.
func (f *Finding) RequirementsFor(frameworkKey string) []string {
	if f.Compliance == nil {
		return nil
	}
	return f.Compliance[frameworkKey]
}
