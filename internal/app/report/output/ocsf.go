package output

import (
	"bufio"
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

// OCSF detection-finding class and activity identifiers.
const (
	ocsfClassUID       = 2004
	ocsfActivityCreate = 1
)

type ocsfAccount struct {
	UID  string `json:"uid"`
	Name string `json:"name,omitempty"`
}

type ocsfCloud struct {
	Provider string      `json:"provider"`
	Account  ocsfAccount `json:"account"`
	Region   string      `json:"region,omitempty"`
}

type ocsfResource struct {
	UID    string `json:"uid"`
	Name   string `json:"name,omitempty"`
	Type   string `json:"type,omitempty"`
	Region string `json:"region,omitempty"`
}

type ocsfFindingInfo struct {
	UID   string `json:"uid"`
	Title string `json:"title"`
}

type ocsfMetadata struct {
	EventCode string `json:"event_code"`
	Product   string `json:"product"`
}

type ocsfFinding struct {
	ClassUID     int                 `json:"class_uid"`
	ActivityID   int                 `json:"activity_id"`
	Message      string              `json:"message"`
	StatusCode   string              `json:"status_code"`
	StatusDetail string              `json:"status_detail"`
	Severity     string              `json:"severity"`
	SeverityID   int                 `json:"severity_id"`
	Muted        bool                `json:"muted"`
	Time         int64               `json:"time"`
	FindingInfo  ocsfFindingInfo     `json:"finding_info"`
	Cloud        ocsfCloud           `json:"cloud"`
	Resources    []ocsfResource      `json:"resources"`
	Metadata     ocsfMetadata        `json:"metadata"`
	Unmapped     map[string][]string `json:"unmapped,omitempty"`
}

func ocsfSeverityID(s string) int {
	switch strings.ToLower(s) {
	case "informational":
		return 1
	case "low":
		return 2
	case "medium":
		return 3
	case "high":
		return 4
	case "critical":
		return 5
	default:
		return 0
	}
}

// ocsfWriter streams a single JSON array across flushes.
type ocsfWriter struct {
	appendFile
	rows    []ocsfFinding
	written int
}

// NewOCSF returns the OCSF JSON writer seeded with the first batch.
func NewOCSF(path string, first []Finding, _ Options) (Writer, error) {
	w := &ocsfWriter{appendFile: newAppendFile(path)}
	w.Transform(first)
	return w, nil
}

func (w *ocsfWriter) Transform(findings []Finding) {
	for _, f := range findings {
		w.rows = append(w.rows, ocsfFinding{
			ClassUID:     ocsfClassUID,
			ActivityID:   ocsfActivityCreate,
			Message:      f.StatusExtended,
			StatusCode:   f.Status,
			StatusDetail: f.StatusExtended,
			Severity:     f.Severity,
			SeverityID:   ocsfSeverityID(f.Severity),
			Muted:        f.Muted,
			Time:         f.Timestamp.Unix(),
			FindingInfo:  ocsfFindingInfo{UID: f.UID, Title: f.CheckTitle},
			Cloud: ocsfCloud{
				Provider: f.Provider,
				Account:  ocsfAccount{UID: f.AccountUID, Name: f.AccountName},
				Region:   f.Region,
			},
			Resources: []ocsfResource{{UID: f.ResourceUID, Name: f.ResourceName, Type: f.ResourceType, Region: f.Region}},
			Metadata:  ocsfMetadata{EventCode: f.CheckID, Product: "cloudscan"},
			Unmapped:  maps.Clone(f.Compliance),
		})
	}
}

func (w *ocsfWriter) Rows() int { return len(w.rows) }
func (w *ocsfWriter) Clear()    { w.rows = w.rows[:0] }

func (w *ocsfWriter) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return w.write(
		func(bw *bufio.Writer) error { return bw.WriteByte('[') },
		func(bw *bufio.Writer) error {
			for _, row := range w.rows {
				b, err := json.Marshal(row)
				if err != nil {
					return err
				}
				if w.written > 0 {
					if err := bw.WriteByte(','); err != nil {
						return err
					}
				}
				if _, err := bw.Write(b); err != nil {
					return err
				}
				w.written++
			}
			return nil
		},
		func(bw *bufio.Writer) error { return bw.WriteByte(']') },
	)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
