package output

import (
	"bufio"
	"context"
	"encoding/csv"
	"strconv"
	"strings"
	"time"
)

// CSVFile is a semicolon-delimited CSV destination with a fixed header. The
// header is written once, when the file is first flushed.
type CSVFile struct {
	appendFile
	header []string
	rows   [][]string
}

// NewCSVFile returns a CSVFile that will be created at path.
func NewCSVFile(path string, header []string) *CSVFile {
	return &CSVFile{appendFile: newAppendFile(path), header: header}
}

// Append buffers rows.
func (c *CSVFile) Append(rows ...[]string) { c.rows = append(c.rows, rows...) }

// Rows is the number of buffered rows.
func (c *CSVFile) Rows() int { return len(c.rows) }

// Clear drops buffered rows.
func (c *CSVFile) Clear() { c.rows = c.rows[:0] }

// Flush appends buffered rows to the file.
func (c *CSVFile) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encode := func(w *bufio.Writer, rows [][]string) error {
		cw := csv.NewWriter(w)
		cw.Comma = ';'
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		return cw.Error()
	}

	return c.write(
		func(w *bufio.Writer) error { return encode(w, [][]string{c.header}) },
		func(w *bufio.Writer) error { return encode(w, c.rows) },
		nil,
	)
}

var findingCSVHeader = []string{
	"PROVIDER", "ACCOUNT_UID", "ACCOUNT_NAME", "FINDING_UID", "CHECK_ID", "CHECK_TITLE",
	"SERVICE_NAME", "SEVERITY", "STATUS", "STATUS_EXTENDED", "MUTED", "REGION",
	"RESOURCE_UID", "RESOURCE_NAME", "RESOURCE_TYPE", "COMPLIANCE", "TIMESTAMP",
}

type csvWriter struct {
	*CSVFile
}

// NewCSV returns the flat CSV writer seeded with the first batch.
func NewCSV(path string, first []Finding, _ Options) (Writer, error) {
	w := &csvWriter{CSVFile: NewCSVFile(path, findingCSVHeader)}
	w.Transform(first)
	return w, nil
}

func (w *csvWriter) Transform(findings []Finding) {
	for _, f := range findings {
		w.Append([]string{
			f.Provider, f.AccountUID, f.AccountName, f.UID, f.CheckID, f.CheckTitle,
			f.ServiceName, f.Severity, f.Status, f.StatusExtended, strconv.FormatBool(f.Muted), f.Region,
			f.ResourceUID, f.ResourceName, f.ResourceType, complianceColumn(f.Compliance),
			f.Timestamp.UTC().Format(time.RFC3339),
		})
	}
}

// complianceColumn renders "CIS-2.0: 1.1, 1.2 | ISO27001-2013: A.9.2" with
// frameworks in a deterministic order.
func complianceColumn(c map[string][]string) string {
	if len(c) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c))
	for _, k := range sortedKeys(c) {
		parts = append(parts, k+": "+strings.Join(c[k], ", "))
	}
	return strings.Join(parts, " | ")
}
