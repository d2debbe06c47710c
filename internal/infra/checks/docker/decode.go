package docker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
)

// maxLineBytes bounds a single engine output line. Checks over large
// accounts can emit thousands of findings in one record.
const maxLineBytes = 64 << 20

// checkRecord is one line of engine output.
type checkRecord struct {
	CheckID  string          `json:"check_id"`
	Progress int             `json:"progress"`
	Error    string          `json:"error,omitempty"`
	Findings []findingRecord `json:"findings"`
}

type findingRecord struct {
	UID            string              `json:"uid"`
	CheckTitle     string              `json:"check_title"`
	ServiceName    string              `json:"service_name"`
	Severity       string              `json:"severity"`
	Status         string              `json:"status"`
	StatusExtended string              `json:"status_extended"`
	Muted          bool                `json:"muted"`
	Region         string              `json:"region"`
	ResourceUID    string              `json:"resource_uid"`
	ResourceName   string              `json:"resource_name"`
	ResourceType   string              `json:"resource_type"`
	Compliance     map[string][]string `json:"compliance"`
}

// decodeResults turns engine output into check results. Blank lines are
// skipped; a malformed line ends the sequence with an error.
func decodeResults(r io.Reader, req scanning.CheckRequest) iter.Seq2[scanning.CheckResult, error] {
	return func(yield func(scanning.CheckResult, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

		line := 0
		for sc.Scan() {
			line++
			raw := strings.TrimSpace(sc.Text())
			if raw == "" {
				continue
			}
			var rec checkRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				yield(scanning.CheckResult{}, fmt.Errorf("decoding engine output line %d: %w", line, err))
				return
			}
			if rec.CheckID == "" {
				yield(scanning.CheckResult{}, fmt.Errorf("engine output line %d has no check_id", line))
				return
			}
			if !yield(toResult(rec, req), nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(scanning.CheckResult{}, fmt.Errorf("reading engine output: %w", err))
		}
	}
}

func toResult(rec checkRecord, req scanning.CheckRequest) scanning.CheckResult {
	res := scanning.CheckResult{CheckID: rec.CheckID, Progress: min(max(rec.Progress, 0), 100)}
	if rec.Error != "" {
		res.Err = errors.New(rec.Error)
	}
	res.Findings = make([]*scanning.Finding, 0, len(rec.Findings))
	for _, fr := range rec.Findings {
		f := &scanning.Finding{
			ScanID:         req.ScanID,
			TenantID:       req.Provider.TenantID,
			UID:            fr.UID,
			CheckID:        rec.CheckID,
			CheckTitle:     fr.CheckTitle,
			ServiceName:    fr.ServiceName,
			Severity:       scanning.Severity(strings.ToLower(fr.Severity)),
			Status:         scanning.FindingStatus(strings.ToUpper(fr.Status)),
			StatusExtended: fr.StatusExtended,
			Muted:          fr.Muted,
			Region:         fr.Region,
			ResourceUID:    fr.ResourceUID,
			ResourceName:   fr.ResourceName,
			ResourceType:   fr.ResourceType,
			Compliance:     fr.Compliance,
		}
		if f.UID == "" {
			f.UID = strings.Join([]string{
				req.Provider.Type.String(), rec.CheckID, req.Provider.UID, fr.Region, fr.ResourceUID,
			}, "-")
		}
		res.Findings = append(res.Findings, f)
	}
	return res
}
