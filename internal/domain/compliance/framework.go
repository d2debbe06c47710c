// Package compliance models the static compliance-framework catalog that
// report generation maps findings onto.
package compliance

import (
	"context"
	"strings"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
)

// Attribute carries the per-requirement metadata a framework defines. Each
// framework family populates its own subset of fields.
type Attribute struct {
	// Shared by most families.
	Section               string `yaml:"Section"`
	SubSection            string `yaml:"SubSection"`
	Description           string `yaml:"Description"`
	AdditionalInformation string `yaml:"AdditionalInformation"`

	// CIS benchmarks.
	Profile              string `yaml:"Profile"`
	AssessmentStatus     string `yaml:"AssessmentStatus"`
	RationaleStatement   string `yaml:"RationaleStatement"`
	ImpactStatement      string `yaml:"ImpactStatement"`
	RemediationProcedure string `yaml:"RemediationProcedure"`
	AuditProcedure       string `yaml:"AuditProcedure"`
	DefaultValue         string `yaml:"DefaultValue"`
	References           string `yaml:"References"`

	// Threat scoring.
	Title                string `yaml:"Title"`
	AttributeDescription string `yaml:"AttributeDescription"`
	LevelOfRisk          int    `yaml:"LevelOfRisk"`
	Weight               int    `yaml:"Weight"`

	// ISO 27001.
	Category      string `yaml:"Category"`
	ObjectiveID   string `yaml:"Objective_ID"`
	ObjectiveName string `yaml:"Objective_Name"`
	CheckSummary  string `yaml:"Check_Summary"`

	// Generic frameworks.
	SubGroup string `yaml:"SubGroup"`
	Service  string `yaml:"Service"`
	Type     string `yaml:"Type"`
}

// Requirement is one control of a framework. A requirement without checks
// can only be assessed manually.
type Requirement struct {
	ID          string      `yaml:"Id"`
	Name        string      `yaml:"Name"`
	Description string      `yaml:"Description"`
	Attributes  []Attribute `yaml:"Attributes"`
	Checks      []string    `yaml:"Checks"`
}

// IsManual reports whether no automated check covers the requirement.
func (r Requirement) IsManual() bool { return len(r.Checks) == 0 }

// Framework is a read-only catalog entry.
type Framework struct {
	// ID is the catalog identifier, e.g. "cis_2.0_aws".
	ID           string        `yaml:"-"`
	Name         string        `yaml:"Framework"`
	Version      string        `yaml:"Version"`
	Provider     string        `yaml:"Provider"`
	Description  string        `yaml:"Description"`
	Requirements []Requirement `yaml:"Requirements"`
}

// Key is the name findings use to tag requirements of this framework.
func (f Framework) Key() string {
	if f.Version == "" {
		return f.Name
	}
	return f.Name + "-" + f.Version
}

// ManualAttributeCount is the number of manual rows a report emits for this
// framework: one per attribute of every requirement lacking checks.
func (f Framework) ManualAttributeCount() int {
	n := 0
	for _, r := range f.Requirements {
		if r.IsManual() {
			n += len(r.Attributes)
		}
	}
	return n
}

// Family returns the lowercase framework family ("cis", "iso27001", ...).
func (f Framework) Family() string {
	if i := strings.Index(f.ID, "_"); i > 0 {
		return f.ID[:i]
	}
	return f.ID
}

// Catalog resolves which frameworks apply to a provider type.
type Catalog interface {
	ForProvider(ctx context.Context, providerType scanning.ProviderType) ([]Framework, error)
}
