package output

import (
	"bufio"
	"context"
	"html/template"
	"time"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
)

var htmlPreamble = template.Must(template.New("preamble").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>Scan Report {{.AccountUID}}</title>
<style>
body { font-family: Arial; margin: 40px; }
table { border-collapse: collapse; width: 100%; margin-top: 20px; }
th, td { border: 1px solid #ddd; padding: 8px; }
th { background-color: #f2f2f2; }
.FAIL { color: #b00020; } .PASS { color: #1b5e20; } .MANUAL { color: #555; }
</style>
</head>
<body>
<h1>Scan Report</h1>
<ul>
<li>Provider: {{.Provider}}</li>
<li>Account: {{.AccountUID}}{{if .Alias}} ({{.Alias}}){{end}}</li>
<li>Generated: {{.Generated}}</li>
</ul>
{{with .Stats}}
<h2>Summary</h2>
<table>
<tr><th>Total</th><th>Pass</th><th>Fail</th><th>Muted</th><th>Resources</th></tr>
<tr><td>{{.Total}}</td><td>{{.TotalPass}}</td><td>{{.TotalFail}}</td><td>{{.TotalMuted}}</td><td>{{.Resources}}</td></tr>
</table>
<table>
<tr>{{range $.Severities}}<th>{{.}}</th>{{end}}</tr>
<tr>{{range $.Severities}}<td>{{index $.Stats.BySeverity .}}</td>{{end}}</tr>
</table>
{{end}}
<h2>Findings</h2>
<table>
<tr><th>Status</th><th>Severity</th><th>Service</th><th>Region</th><th>Check</th><th>Resource</th><th>Detail</th><th>Muted</th></tr>
`))

var htmlRows = template.Must(template.New("rows").Parse(`{{range .}}<tr>
<td class="{{.Status}}">{{.Status}}</td><td>{{.Severity}}</td><td>{{.ServiceName}}</td><td>{{.Region}}</td>
<td>{{.CheckID}}</td><td>{{.ResourceUID}}</td><td>{{.StatusExtended}}</td><td>{{.Muted}}</td>
</tr>
{{end}}`))

const htmlTrailer = "</table>\n</body>\n</html>\n"

type htmlPreambleData struct {
	Provider   string
	AccountUID string
	Alias      string
	Generated  string
	Stats      *scanning.Stats
	Severities []scanning.Severity
}

// htmlWriter renders a standalone HTML report. Aggregate statistics are
// captured at creation and rendered in the preamble.
type htmlWriter struct {
	appendFile
	preamble htmlPreambleData
	rows     []Finding
}

// NewHTML returns the HTML writer seeded with the first batch.
func NewHTML(path string, first []Finding, opts Options) (Writer, error) {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.Default()
	}
	data := htmlPreambleData{
		Generated:  clock.Now().UTC().Format(time.RFC3339),
		Stats:      opts.Stats,
		Severities: scanning.Severities,
	}
	if p := opts.Provider; p != nil {
		data.Provider, data.AccountUID, data.Alias = p.Type.String(), p.UID, p.Alias
	}

	w := &htmlWriter{appendFile: newAppendFile(path), preamble: data}
	w.Transform(first)
	return w, nil
}

func (w *htmlWriter) Transform(findings []Finding) { w.rows = append(w.rows, findings...) }
func (w *htmlWriter) Rows() int                    { return len(w.rows) }
func (w *htmlWriter) Clear()                       { w.rows = w.rows[:0] }

func (w *htmlWriter) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return w.write(
		func(bw *bufio.Writer) error { return htmlPreamble.Execute(bw, w.preamble) },
		func(bw *bufio.Writer) error { return htmlRows.Execute(bw, w.rows) },
		func(bw *bufio.Writer) error {
			_, err := bw.WriteString(htmlTrailer)
			return err
		},
	)
}
