package scanning

import (
	"fmt"

	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// ProviderType identifies the cloud or SaaS platform a provider points at.
type ProviderType string

const (
	ProviderAWS        ProviderType = "aws"
	ProviderAzure      ProviderType = "azure"
	ProviderGCP        ProviderType = "gcp"
	ProviderKubernetes ProviderType = "kubernetes"
	ProviderM365       ProviderType = "m365"
	ProviderGitHub     ProviderType = "github"
)

func (p ProviderType) String() string { return string(p) }

// ParseProviderType validates a provider type string.
func ParseProviderType(s string) (ProviderType, error) {
	switch p := ProviderType(s); p {
	case ProviderAWS, ProviderAzure, ProviderGCP, ProviderKubernetes, ProviderM365, ProviderGitHub:
		return p, nil
	default:
		return "", fmt.Errorf("unknown provider type %q", s)
	}
}

// Provider is a tenant's connection to one account of a platform.
type Provider struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Type     ProviderType
	// UID is the platform's own identifier (account id, subscription id, ...).
	UID       string
	Alias     string
	Connected bool
}
