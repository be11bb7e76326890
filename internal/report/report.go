// Package report renders verification runs as case-file documents.
//
// A Report collects per-container outcomes from a batch together with
// the references each was checked against, and a Generator writes it
// as plain text, JSON, Markdown, or HTML. The text form is what an
// examiner files with the case; JSON feeds other tooling.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"fixity/internal/batch"
	"fixity/internal/digest"
	"fixity/internal/metadata"
	"fixity/internal/reconcile"
)

// Format selects the output rendering.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ParseFormat maps a flag value onto a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// FileSection is one container's entry in the report.
type FileSection struct {
	FileID      string    `json:"file_id"`
	Path        string    `json:"path"`
	Algorithm   string    `json:"algorithm,omitempty"`
	Computed    string    `json:"computed,omitempty"`
	Outcome     string    `json:"outcome"`
	Reference   string    `json:"reference,omitempty"`
	VerifiedAt  time.Time `json:"verified_at,omitempty"`
	RawFallback bool      `json:"raw_fallback,omitempty"`
	Error       string    `json:"error,omitempty"`

	// Populated only for verbose reports.
	Candidates []metadata.Candidate `json:"candidates,omitempty"`
	History    []digest.HashRecord  `json:"history,omitempty"`
}

// Report is one verification run over a set of containers.
type Report struct {
	Title       string        `json:"title"`
	Tool        string        `json:"tool"`
	GeneratedAt time.Time     `json:"generated_at"`
	Examiner    string        `json:"examiner,omitempty"`
	CaseID      string        `json:"case_id,omitempty"`
	Algorithm   string        `json:"algorithm"`
	Files       []FileSection `json:"files"`
	Matches     int           `json:"matches"`
	Mismatches  int           `json:"mismatches"`
	Unknowns    int           `json:"unknowns"`
	Failures    int           `json:"failures"`
	Clean       bool          `json:"clean"`
	Duration    time.Duration `json:"duration_ns"`
}

// New starts an empty report stamped with the current time. A report
// with no mismatches and no failures stays clean.
func New(title, tool string) *Report {
	return &Report{
		Title:       title,
		Tool:        tool,
		GeneratedAt: time.Now(),
		Clean:       true,
	}
}

// AddResult folds one batch outcome into the report. candidates and
// history are optional; they only surface in verbose renderings.
func (r *Report) AddResult(res batch.FileResult, path string, candidates []metadata.Candidate, history []digest.HashRecord) {
	sec := FileSection{
		FileID:      res.FileID,
		Path:        path,
		VerifiedAt:  res.VerifiedAt,
		RawFallback: res.FellBack,
		Candidates:  candidates,
		History:     history,
	}
	if res.Digest != nil {
		sec.Algorithm = string(res.Digest.Algorithm)
		sec.Computed = res.Digest.Value
	}
	if res.Reference != nil {
		sec.Reference = res.Reference.Value
	}

	switch {
	case res.Err != nil:
		sec.Outcome = "failed"
		sec.Error = res.Err.Error()
		r.Failures++
		r.Clean = false
	case res.Outcome == reconcile.Mismatch:
		sec.Outcome = string(res.Outcome)
		r.Mismatches++
		r.Clean = false
	case res.Outcome == reconcile.Match:
		sec.Outcome = string(res.Outcome)
		r.Matches++
	default:
		sec.Outcome = string(reconcile.Unknown)
		r.Unknowns++
	}
	r.Files = append(r.Files, sec)
}

// Summary is the one-line verdict printed after the report is written.
func (r *Report) Summary() string {
	var sb strings.Builder
	if r.Clean {
		sb.WriteString("[CLEAN]")
	} else {
		sb.WriteString("[FAILED]")
	}
	sb.WriteString(fmt.Sprintf(" %d container", len(r.Files)))
	if len(r.Files) != 1 {
		sb.WriteByte('s')
	}
	sb.WriteString(fmt.Sprintf(": %d matched", r.Matches))
	if r.Mismatches > 0 {
		sb.WriteString(fmt.Sprintf(", %d mismatched", r.Mismatches))
	}
	if r.Unknowns > 0 {
		sb.WriteString(fmt.Sprintf(", %d unverified", r.Unknowns))
	}
	if r.Failures > 0 {
		sb.WriteString(fmt.Sprintf(", %d failed", r.Failures))
	}
	return sb.String()
}

// FullyVerified reports whether every container matched a reference.
// A clean run with unverified containers is intact as far as anyone
// can tell, which is weaker than this.
func (r *Report) FullyVerified() bool {
	return r.Clean && r.Unknowns == 0 && len(r.Files) > 0
}

// MismatchedFiles lists the paths whose computed digest contradicted a
// reference.
func (r *Report) MismatchedFiles() []string {
	var paths []string
	for _, f := range r.Files {
		if f.Outcome == string(reconcile.Mismatch) {
			paths = append(paths, f.Path)
		}
	}
	return paths
}

// Generator renders a Report in one format.
type Generator struct {
	format  Format
	verbose bool
}

// NewGenerator creates a generator for the given format.
func NewGenerator(format Format) *Generator {
	return &Generator{format: format}
}

// WithVerbose switches on full digests, reference candidates, and the
// recorded history per container.
func (g *Generator) WithVerbose(verbose bool) *Generator {
	g.verbose = verbose
	return g
}

// Generate writes the report in the configured format.
func (g *Generator) Generate(r *Report, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		return g.generateJSON(r, w)
	case FormatText:
		return g.generateText(r, w)
	case FormatMarkdown:
		return g.generateMarkdown(r, w)
	case FormatHTML:
		return g.generateHTML(r, w)
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

func (g *Generator) generateJSON(r *Report, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

func (g *Generator) generateText(r *Report, w io.Writer) error {
	rule := strings.Repeat("=", 72)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%30s%s\n", "", r.Title)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Result:     %s\n", g.resultString(r.Clean))
	fmt.Fprintf(w, "Generated:  %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Tool:       %s\n", r.Tool)
	if r.Examiner != "" {
		fmt.Fprintf(w, "Examiner:   %s\n", r.Examiner)
	}
	if r.CaseID != "" {
		fmt.Fprintf(w, "Case:       %s\n", r.CaseID)
	}
	fmt.Fprintf(w, "Algorithm:  %s\n", r.Algorithm)
	fmt.Fprintf(w, "Duration:   %v\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "--- Containers ---")
	for _, f := range r.Files {
		fmt.Fprintf(w, "[%s] %s\n", g.outcomeSymbol(f.Outcome), f.Path)
		if f.Computed != "" {
			fmt.Fprintf(w, "     %-10s %s\n", f.Algorithm, g.truncateHash(f.Computed))
		}
		if f.Outcome == string(reconcile.Mismatch) && f.Reference != "" {
			fmt.Fprintf(w, "     expected   %s\n", g.truncateHash(f.Reference))
		}
		if f.Error != "" {
			fmt.Fprintf(w, "     error: %s\n", f.Error)
		}
		if f.RawFallback {
			fmt.Fprintln(w, "     hashed as raw byte stream")
		}
		if g.verbose {
			g.writeCandidates(w, f.Candidates)
			g.writeHistory(w, f.History)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "--- Counts ---")
	fmt.Fprintf(w, "Matched:     %d\n", r.Matches)
	fmt.Fprintf(w, "Mismatched:  %d\n", r.Mismatches)
	fmt.Fprintf(w, "Unverified:  %d\n", r.Unknowns)
	fmt.Fprintf(w, "Failed:      %d\n", r.Failures)
	fmt.Fprintln(w)

	if r.Unknowns > 0 {
		fmt.Fprintln(w, "Note: unverified containers had no reference digest to check")
		fmt.Fprintln(w, "against. Their computed digests are on record for next time.")
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, rule)
	return nil
}

func (g *Generator) writeCandidates(w io.Writer, candidates []metadata.Candidate) {
	if len(candidates) == 0 {
		return
	}
	fmt.Fprintln(w, "     references considered:")
	for _, c := range candidates {
		line := fmt.Sprintf("       %-16s %-8s %s", c.Origin, c.Algorithm, g.truncateHash(c.Value))
		if c.Timestamp != "" {
			line += "  (" + c.Timestamp + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func (g *Generator) writeHistory(w io.Writer, history []digest.HashRecord) {
	if len(history) == 0 {
		return
	}
	fmt.Fprintln(w, "     recorded history:")
	for _, rec := range history {
		line := fmt.Sprintf("       %s  %-8s %-9s %s",
			rec.ComputedAt.Format(time.RFC3339), rec.Algorithm, rec.Origin, g.truncateHash(rec.Value))
		if rec.Verification != nil {
			line += "  " + string(rec.Verification.Result)
		}
		fmt.Fprintln(w, line)
	}
}

func (g *Generator) generateMarkdown(r *Report, w io.Writer) error {
	tmpl := `# {{.Title}}

## Summary

| Property | Value |
|----------|-------|
| **Result** | {{.ResultString}} |
| **Generated** | {{stamp .GeneratedAt}} |
| **Tool** | {{.Tool}} |
{{if .Examiner}}| **Examiner** | {{.Examiner}} |
{{end}}{{if .CaseID}}| **Case** | {{.CaseID}} |
{{end}}| **Algorithm** | {{.Algorithm}} |
| **Duration** | {{.Duration}} |

## Containers

| Container | Outcome | Computed | Reference |
|-----------|---------|----------|-----------|
{{range .Files}}| {{.Path}} | {{.Outcome}} | ` + "`{{short .Computed}}`" + ` | ` + "`{{short .Reference}}`" + ` |
{{end}}

## Counts

- **Matched:** {{.Matches}}
- **Mismatched:** {{.Mismatches}}
- **Unverified:** {{.Unknowns}}
- **Failed:** {{.Failures}}

{{if .MismatchedFiles}}
## Mismatched Containers

{{range .MismatchedFiles}}- {{.}}
{{end}}
{{end}}

---
*Generated by {{.Tool}} at {{stamp .GeneratedAt}}*
`

	t, err := template.New("report").Funcs(g.funcMap()).Parse(tmpl)
	if err != nil {
		return err
	}
	return t.Execute(w, g.view(r))
}

func (g *Generator) generateHTML(r *Report, w io.Writer) error {
	tmpl := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; max-width: 900px; margin: 0 auto; padding: 20px; }
        h1 { color: #333; }
        .result-clean { color: #28a745; }
        .result-failed { color: #dc3545; }
        .summary { background: #f8f9fa; padding: 15px; border-radius: 5px; margin: 20px 0; }
        table { width: 100%; border-collapse: collapse; margin: 15px 0; }
        th, td { padding: 10px; text-align: left; border-bottom: 1px solid #ddd; }
        th { background: #f8f9fa; }
        .outcome-match { color: #28a745; }
        .outcome-mismatch { color: #dc3545; font-weight: bold; }
        .outcome-unknown { color: #6c757d; }
        .outcome-failed { color: #dc3545; }
        code { background: #e9ecef; padding: 2px 6px; border-radius: 3px; font-family: 'Courier New', monospace; }
    </style>
</head>
<body>
    <h1>{{.Title}}</h1>

    <div class="summary">
        <h2>Result: <span class="{{if .Clean}}result-clean{{else}}result-failed{{end}}">{{.ResultString}}</span></h2>
        <p><strong>Generated:</strong> {{stamp .GeneratedAt}}</p>
        <p><strong>Tool:</strong> {{.Tool}}</p>
        {{if .Examiner}}<p><strong>Examiner:</strong> {{.Examiner}}</p>{{end}}
        {{if .CaseID}}<p><strong>Case:</strong> {{.CaseID}}</p>{{end}}
        <p><strong>Algorithm:</strong> {{.Algorithm}}</p>
        <p><strong>Duration:</strong> {{.Duration}}</p>
    </div>

    <h2>Containers</h2>
    <table>
        <thead>
            <tr><th>Container</th><th>Outcome</th><th>Computed</th><th>Reference</th></tr>
        </thead>
        <tbody>
            {{range .Files}}
            <tr>
                <td>{{.Path}}{{if .Error}}<br><small style="color:#dc3545">{{.Error}}</small>{{end}}</td>
                <td class="outcome-{{.Outcome}}">{{.Outcome}}</td>
                <td><code>{{short .Computed}}</code></td>
                <td><code>{{short .Reference}}</code></td>
            </tr>
            {{end}}
        </tbody>
    </table>

    <h2>Counts</h2>
    <table>
        <tr><td>Matched</td><td>{{.Matches}}</td></tr>
        <tr><td>Mismatched</td><td>{{.Mismatches}}</td></tr>
        <tr><td>Unverified</td><td>{{.Unknowns}}</td></tr>
        <tr><td>Failed</td><td>{{.Failures}}</td></tr>
    </table>

    <footer style="margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; color: #6c757d;">
        Generated by {{.Tool}} at {{stamp .GeneratedAt}}
    </footer>
</body>
</html>`

	t, err := template.New("report").Funcs(g.funcMap()).Parse(tmpl)
	if err != nil {
		return err
	}
	return t.Execute(w, g.view(r))
}

// view wraps the report with fields templates cannot compute.
func (g *Generator) view(r *Report) any {
	return struct {
		*Report
		ResultString string
	}{
		Report:       r,
		ResultString: g.resultString(r.Clean),
	}
}

func (g *Generator) funcMap() template.FuncMap {
	return template.FuncMap{
		"short": g.truncateHash,
		"stamp": func(t time.Time) string { return t.Format(time.RFC3339) },
	}
}

func (g *Generator) resultString(clean bool) string {
	if clean {
		return "CLEAN"
	}
	return "FAILED"
}

func (g *Generator) outcomeSymbol(outcome string) string {
	switch outcome {
	case string(reconcile.Match):
		return "OK"
	case string(reconcile.Mismatch):
		return "!!"
	case string(reconcile.Unknown):
		return "??"
	case "failed":
		return "XX"
	default:
		return "  "
	}
}

func (g *Generator) truncateHash(hash string) string {
	if g.verbose || len(hash) <= 16 {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-8:]
}
