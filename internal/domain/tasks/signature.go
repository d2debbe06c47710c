// Package tasks defines the task envelope exchanged between pipeline workers
// and the canvas primitives used to compose them.
package tasks

import (
	"context"
	"fmt"
	"slices"

	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// Name identifies a registered task handler.
type Name string

const (
	ScanPerform             Name = "scan-perform"
	ScanPerformScheduled    Name = "scan-perform-scheduled"
	ScanSummary             Name = "scan-summary"
	ScanReport              Name = "scan-report"
	ScanComplianceOverviews Name = "scan-compliance-overviews"
	IntegrationCheck        Name = "integration-check"
	IntegrationS3           Name = "integration-s3"
	IntegrationSlack        Name = "integration-slack"
	ProviderDeletion        Name = "provider-deletion"
	TenantDeletion          Name = "tenant-deletion"
)

func (n Name) String() string { return string(n) }

// QueueName is the transport queue a task is routed to.
type QueueName string

const (
	QueueScans        QueueName = "scans"
	QueueOverview     QueueName = "overview"
	QueueReports      QueueName = "scan-reports"
	QueueIntegrations QueueName = "integrations"
	QueueDeletion     QueueName = "deletion"
)

func (q QueueName) String() string { return string(q) }

// AllQueues lists every queue a worker may consume.
var AllQueues = []QueueName{QueueScans, QueueOverview, QueueReports, QueueIntegrations, QueueDeletion}

// ParseQueues converts queue names, rejecting unknown ones.
func ParseQueues(names []string) ([]QueueName, error) {
	out := make([]QueueName, 0, len(names))
	for _, n := range names {
		q := QueueName(n)
		if !slices.Contains(AllQueues, q) {
			return nil, fmt.Errorf("unknown queue %q", n)
		}
		out = append(out, q)
	}
	return out, nil
}

var routes = map[Name]QueueName{
	ScanPerform:             QueueScans,
	ScanPerformScheduled:    QueueScans,
	ScanSummary:             QueueOverview,
	ScanComplianceOverviews: QueueOverview,
	ScanReport:              QueueReports,
	IntegrationCheck:        QueueIntegrations,
	IntegrationS3:           QueueIntegrations,
	IntegrationSlack:        QueueIntegrations,
	ProviderDeletion:        QueueDeletion,
	TenantDeletion:          QueueDeletion,
}

// Queue returns the queue the task is routed to.
func (n Name) Queue() QueueName {
	if q, ok := routes[n]; ok {
		return q
	}
	return QueueScans
}

// Args are a task's JSON-compatible keyword arguments.
type Args map[string]any

// String returns the string argument key, or "" when absent.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// UUID parses the string argument key as a UUID.
func (a Args) UUID(key string) (uuid.UUID, error) {
	s := a.String(key)
	if s == "" {
		return uuid.Nil, fmt.Errorf("missing argument %q", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("argument %q: %w", key, err)
	}
	return id, nil
}

// Strings returns a string-list argument. Lists decoded from the wire arrive
// as []any.
func (a Args) Strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Signature is a serializable task invocation.
type Signature struct {
	ID       string
	Name     Name
	Queue    QueueName
	TenantID uuid.UUID
	Args     Args
	// Chain holds the signatures to run, in order, once this one succeeds.
	Chain []Signature
	// Attempt counts deliveries that ended in a retry.
	Attempt int
}

// NewSignature builds a signature routed to its task's queue.
func NewSignature(name Name, tenantID uuid.UUID, args Args) Signature {
	if args == nil {
		args = Args{}
	}
	return Signature{
		ID:       uuid.New().String(),
		Name:     name,
		Queue:    name.Queue(),
		TenantID: tenantID,
		Args:     args,
	}
}

// Next pops the head of the signature's chain, carrying the remaining links
// along with it.
func (s Signature) Next() (Signature, bool) {
	if len(s.Chain) == 0 {
		return Signature{}, false
	}
	next := s.Chain[0]
	next.Chain = append(append([]Signature(nil), next.Chain...), s.Chain[1:]...)
	return next, true
}

// Chain links signatures so each runs only after its predecessor succeeds.
func Chain(sigs ...Signature) Signature {
	if len(sigs) == 0 {
		return Signature{}
	}
	head := sigs[0]
	head.Chain = append(append([]Signature(nil), head.Chain...), sigs[1:]...)
	return head
}

// Group returns signatures that are enqueued together with no ordering
// between them.
func Group(sigs ...Signature) []Signature { return sigs }

// Result is the JSON-compatible value a task returns.
type Result map[string]any

// Publisher enqueues signatures.
type Publisher interface {
	Enqueue(ctx context.Context, sig Signature) error
}

// Queue is the task transport.
type Queue interface {
	Publisher
	// Consume delivers signatures from the given queues to handler until ctx
	// ends. Delivery is at least once.
	Consume(ctx context.Context, queues []QueueName, handler func(ctx context.Context, sig Signature) error) error
	Close() error
}
