// Package output implements the per-format report writers. Every writer
// buffers one batch of rows at a time, appends them to its destination on
// Flush and closes the destination on the flush flagged as final.
package output

import (
	"context"
	"time"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
)

// Finding is the report-facing view of a scanning.Finding joined with its
// provider.
type Finding struct {
	Provider    string
	AccountUID  string
	AccountName string

	UID            string
	CheckID        string
	CheckTitle     string
	ServiceName    string
	Severity       string
	Status         string
	StatusExtended string
	Muted          bool

	Region       string
	ResourceUID  string
	ResourceName string
	ResourceType string

	Compliance map[string][]string
	Timestamp  time.Time
}

// Writer accumulates transformed rows for one destination.
type Writer interface {
	// Transform converts findings into rows and buffers them.
	Transform(findings []Finding)
	// SetFinalize marks the next Flush as the last one.
	SetFinalize(finalize bool)
	// Flush appends buffered rows to the destination, closing it when the
	// finalize flag is set.
	Flush(ctx context.Context) error
	// Clear drops buffered rows.
	Clear()
	// Rows is the number of buffered rows.
	Rows() int
	// Path is the destination file.
	Path() string
}

// Options are the creation-time parameters of a writer.
type Options struct {
	Provider *scanning.Provider
	// Stats is only consumed by the HTML writer.
	Stats *scanning.Stats
	// Clock stamps generated reports; nil means the wall clock.
	Clock timeutil.Provider
}

// Format describes one requested output kind.
type Format struct {
	Key    string
	Suffix string
	New    func(path string, first []Finding, opts Options) (Writer, error)
}

// Formats returns the output kinds every report produces, in write order.
func Formats() []Format {
	return []Format{
		{Key: "csv", Suffix: ".csv", New: NewCSV},
		{Key: "json-ocsf", Suffix: ".ocsf.json", New: NewOCSF},
		{Key: "html", Suffix: ".html", New: NewHTML},
	}
}
