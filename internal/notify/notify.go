// Package notify tells operators that a backup completed.
package notify

import (
	"bytes"
	"context"
	"html/template"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// Notifier delivers the summary of a finished run.
type Notifier interface {
	Notify(ctx context.Context, artifactPath string, s Summary) error
}

// Nop is the Notifier used when nothing is configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, Summary) error { return nil }

// Source is the per-source line of a summary.
type Source struct {
	Name    string
	Entries int
	Bytes   int64
}

// Summary describes a completed run.
type Summary struct {
	RunID       string
	Trigger     string
	StartedAt   time.Time
	CompletedAt time.Time
	SizeBytes   int64
	Sources     []Source
}

// Subject returns the mail subject for the run.
func (s Summary) Subject() string {
	return "Daily DB Backup - " + s.StartedAt.UTC().Format(time.DateOnly)
}

var summaryTmpl = template.Must(template.New("summary").Funcs(template.FuncMap{
	"bytes": func(n int64) string { return humanize.Bytes(uint64(max(n, 0))) },
	"base":  filepath.Base,
}).Parse(`<h2>Daily Database Backup Completed</h2>
<p><strong>Date:</strong> {{.StartedAt.UTC.Format "2006-01-02"}}</p>
<p><strong>Time:</strong> {{.StartedAt.UTC.Format "15:04:05"}} UTC</p>
<p><strong>File:</strong> {{base .Path}}</p>
<p><strong>Size:</strong> {{bytes .SizeBytes}}</p>
<p>The backup includes:</p>
<ul>
{{- range .Sources}}
  <li>{{.Name}}: {{.Entries}} {{if eq .Entries 1}}entry{{else}}entries{{end}}, {{bytes .Bytes}}</li>
{{- end}}
</ul>
{{- if .Attached}}
<p>Please find the backup file attached to this email.</p>
{{- else}}
<p>The backup file is too large to attach and remains at {{.Path}}.</p>
{{- end}}
<p>Best regards,<br>Automated Backup System</p>
`))

type summaryView struct {
	Summary
	Path     string
	Attached bool
}

// HTML renders the summary body.
func (s Summary) HTML(artifactPath string, attached bool) (string, error) {
	var buf bytes.Buffer
	if err := summaryTmpl.Execute(&buf, summaryView{Summary: s, Path: artifactPath, Attached: attached}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
