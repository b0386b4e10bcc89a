// Package report renders the end-of-run markdown summary.
package report

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"text/template"
	"time"

	"github.com/spf13/afero"

	"github.com/chr1sbest/marathon/internal/state"
)

// FileName is the summary's name inside the state directory.
const FileName = "summary.md"

// Count is a label with a tally.
type Count struct {
	Label string
	N     int
}

// Summary is the data behind summary.md.
type Summary struct {
	RunID          string
	StartedAt      time.Time
	CompletedAt    time.Time
	Reason         string
	Cycles         int
	Ceiling        int
	Deadline       *time.Time
	Confirmed      int
	FalsePositives int
	Errors         int
	FixAttempts    int
	ByKind         []Count
	Subsystems     []Count
	TopRepeated    []state.RepeatedFix
	Rejected       []state.LedgerEntry
}

// maxRejected bounds how many false positives are listed.
const maxRejected = 10

// Build summarizes rs.
func Build(rs *state.RunState, reason string, now time.Time) Summary {
	s := Summary{
		RunID:          rs.RunID,
		StartedAt:      rs.StartedAt,
		CompletedAt:    now,
		Reason:         reason,
		Cycles:         rs.CurrentCycle,
		Ceiling:        rs.CycleCeiling,
		Deadline:       rs.Deadline,
		Confirmed:      len(rs.ConfirmedImprovements),
		FalsePositives: len(rs.VerificationLedger.FalsePositives),
		Errors:         len(rs.ErrorLog),
		FixAttempts:    rs.FixTracking.TotalAttempts,
		TopRepeated:    rs.FixTracking.TopRepeated,
	}

	kinds := map[string]int{}
	subsystems := map[string]int{}
	for _, imp := range rs.ConfirmedImprovements {
		kinds[string(imp.Kind)]++
		if imp.Subsystem != "" {
			subsystems[imp.Subsystem]++
		}
	}
	s.ByKind = sortedCounts(kinds)
	s.Subsystems = sortedCounts(subsystems)

	fps := rs.VerificationLedger.FalsePositives
	if len(fps) > maxRejected {
		fps = fps[len(fps)-maxRejected:]
	}
	s.Rejected = fps
	return s
}

func sortedCounts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for k, n := range m {
		out = append(out, Count{Label: k, N: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].N != out[j].N {
			return out[i].N > out[j].N
		}
		return out[i].Label < out[j].Label
	})
	return out
}

var summaryTmpl = template.Must(template.New("summary").Funcs(template.FuncMap{
	"ts": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"elapsed": func(a, b time.Time) string {
		return b.Sub(a).Round(time.Second).String()
	},
}).Parse(`# marathon run summary

**Run**: {{.RunID}}
**Started**: {{ts .StartedAt}}
**Completed**: {{ts .CompletedAt}} ({{elapsed .StartedAt .CompletedAt}})
**Stopped because**: {{.Reason}}
**Cycles**: {{.Cycles}} of {{.Ceiling}}
{{- if .Deadline}}
**Deadline**: {{ts .Deadline}}
{{- end}}
**Confirmed improvements**: {{.Confirmed}}
**False positives**: {{.FalsePositives}}
**Errors encountered**: {{.Errors}} (all recovered)
**Fix attempts**: {{.FixAttempts}}

## Improvements by kind
{{range .ByKind}}
- **{{.Label}}**: {{.N}}
{{- else}}
None recorded
{{- end}}

## Subsystems improved
{{range .Subsystems}}
- {{.Label}} ({{.N}})
{{- else}}
None recorded
{{- end}}
{{- if .TopRepeated}}

## Most repeated fixes
{{range .TopRepeated}}
- {{.Description}} ×{{.Count}} (last cycle {{.LastCycle}})
{{- end}}
{{- end}}
{{- if .Rejected}}

## Recent false positives
{{range .Rejected}}
- cycle {{.Cycle}}: {{.Description}} ({{.Reason}})
{{- end}}
{{- end}}
`))

// Render produces the markdown for s.
func Render(s Summary) ([]byte, error) {
	var buf bytes.Buffer
	if err := summaryTmpl.Execute(&buf, s); err != nil {
		return nil, fmt.Errorf("render summary: %w", err)
	}
	return buf.Bytes(), nil
}

// Writer writes summaries into a directory.
type Writer struct {
	Fs  afero.Fs
	Dir string
}

func NewWriter(fs afero.Fs, dir string) *Writer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Writer{Fs: fs, Dir: dir}
}

// Path returns where the summary is written.
func (w *Writer) Path() string {
	return filepath.Join(w.Dir, FileName)
}

// Write renders and stores the summary for rs.
func (w *Writer) Write(rs *state.RunState, reason string, now time.Time) error {
	data, err := Render(Build(rs, reason, now))
	if err != nil {
		return err
	}
	if err := w.Fs.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", w.Dir, err)
	}
	return afero.WriteFile(w.Fs, w.Path(), data, 0o644)
}
