// Package compliance maps findings onto compliance-framework requirements and
// writes one CSV per framework.
package compliance

import (
	"strconv"
	"strings"

	domain "github.com/ahrav/cloudscan-armada/internal/domain/compliance"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
)

// Mapper renders the framework-specific attribute columns of a compliance
// row. Every other column is shared by all frameworks.
type Mapper interface {
	Name() string
	AttributeHeader() []string
	AttributeColumns(a domain.Attribute) []string
}

type genericMapper struct{}

func (genericMapper) Name() string { return "generic" }
func (genericMapper) AttributeHeader() []string {
	return []string{"Section", "SubSection", "SubGroup", "Service", "Type"}
}
func (genericMapper) AttributeColumns(a domain.Attribute) []string {
	return []string{a.Section, a.SubSection, a.SubGroup, a.Service, a.Type}
}

type cisMapper struct{}

func (cisMapper) Name() string { return "cis" }
func (cisMapper) AttributeHeader() []string {
	return []string{
		"Section", "SubSection", "Profile", "AssessmentStatus", "Description", "RationaleStatement",
		"ImpactStatement", "RemediationProcedure", "AuditProcedure", "AdditionalInformation",
		"DefaultValue", "References",
	}
}
func (cisMapper) AttributeColumns(a domain.Attribute) []string {
	return []string{
		a.Section, a.SubSection, a.Profile, a.AssessmentStatus, a.Description, a.RationaleStatement,
		a.ImpactStatement, a.RemediationProcedure, a.AuditProcedure, a.AdditionalInformation,
		a.DefaultValue, a.References,
	}
}

type threatScoreMapper struct{}

func (threatScoreMapper) Name() string { return "threatscore" }
func (threatScoreMapper) AttributeHeader() []string {
	return []string{"Title", "Section", "SubSection", "AttributeDescription", "AdditionalInformation", "LevelOfRisk", "Weight"}
}
func (threatScoreMapper) AttributeColumns(a domain.Attribute) []string {
	return []string{
		a.Title, a.Section, a.SubSection, a.AttributeDescription, a.AdditionalInformation,
		strconv.Itoa(a.LevelOfRisk), strconv.Itoa(a.Weight),
	}
}

type isoMapper struct{}

func (isoMapper) Name() string { return "iso27001" }
func (isoMapper) AttributeHeader() []string {
	return []string{"Category", "Objective_ID", "Objective_Name", "Check_Summary"}
}
func (isoMapper) AttributeColumns(a domain.Attribute) []string {
	return []string{a.Category, a.ObjectiveID, a.ObjectiveName, a.CheckSummary}
}

var (
	// Generic writes section, service and type columns. It is the fallback
	// for frameworks without a dedicated layout.
	Generic Mapper = genericMapper{}
	// CIS writes the benchmark profile, audit and remediation columns.
	CIS Mapper = cisMapper{}
	// ThreatScore writes the section, risk level and weight columns.
	ThreatScore Mapper = threatScoreMapper{}
	// ISO27001 writes the control category and objective columns.
	ISO27001 Mapper = isoMapper{}
)

type rule struct {
	match  func(frameworkID string) bool
	mapper Mapper
}

func prefix(p string) func(string) bool {
	return func(id string) bool { return strings.HasPrefix(id, p) }
}

var (
	cisRule         = rule{match: prefix("cis_"), mapper: CIS}
	isoRule         = rule{match: prefix("iso27001_"), mapper: ISO27001}
	threatScoreRule = rule{match: prefix("prowler_threatscore_"), mapper: ThreatScore}
)

// rules is checked in order; the first matching predicate wins.
var rules = map[scanning.ProviderType][]rule{
	scanning.ProviderAWS:        {cisRule, isoRule, threatScoreRule},
	scanning.ProviderAzure:      {cisRule, isoRule, threatScoreRule},
	scanning.ProviderGCP:        {cisRule, isoRule, threatScoreRule},
	scanning.ProviderKubernetes: {cisRule, isoRule},
	scanning.ProviderM365:       {cisRule, threatScoreRule},
	scanning.ProviderGitHub:     {cisRule},
}

// Resolve picks the mapper for a framework of the given provider type,
// falling back to Generic.
func Resolve(providerType scanning.ProviderType, frameworkID string) Mapper {
	for _, r := range rules[providerType] {
		if r.match(frameworkID) {
			return r.mapper
		}
	}
	return Generic
}

// AccountColumn is the header of the column holding the provider account
// identity.
func AccountColumn(providerType scanning.ProviderType) string {
	switch providerType {
	case scanning.ProviderAWS:
		return "AccountId"
	case scanning.ProviderAzure:
		return "SubscriptionId"
	case scanning.ProviderGCP:
		return "ProjectId"
	case scanning.ProviderKubernetes:
		return "Context"
	case scanning.ProviderM365:
		return "TenantId"
	default:
		return "Account"
	}
}
