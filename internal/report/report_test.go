package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"fixity/internal/batch"
	"fixity/internal/digest"
	"fixity/internal/metadata"
	"fixity/internal/reconcile"
)

func resultFor(id string, outcome reconcile.Outcome) batch.FileResult {
	d := digest.New(digest.SHA256, strings.Repeat("ab", 32))
	res := batch.FileResult{
		FileID:     id,
		State:      batch.StateVerified,
		Digest:     &d,
		Outcome:    outcome,
		VerifiedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	if outcome != reconcile.Unknown {
		ref := d
		if outcome == reconcile.Mismatch {
			ref = digest.New(digest.SHA256, strings.Repeat("cd", 32))
		}
		res.Reference = &ref
	}
	return res
}

func TestAddResultCounts(t *testing.T) {
	r := New("Hash Verification Report", "fixity test")
	r.AddResult(resultFor("f1", reconcile.Match), "/ev/a.dd", nil, nil)
	r.AddResult(resultFor("f2", reconcile.Mismatch), "/ev/b.E01", nil, nil)
	r.AddResult(resultFor("f3", reconcile.Unknown), "/ev/c.raw", nil, nil)

	failed := batch.FileResult{FileID: "f4", State: batch.StateFailed, Err: errors.New("read: i/o error")}
	r.AddResult(failed, "/ev/d.dd", nil, nil)

	if r.Matches != 1 || r.Mismatches != 1 || r.Unknowns != 1 || r.Failures != 1 {
		t.Fatalf("counts = %d/%d/%d/%d", r.Matches, r.Mismatches, r.Unknowns, r.Failures)
	}
	if r.Clean {
		t.Error("report with a mismatch and a failure is not clean")
	}
	if got := r.Files[3].Outcome; got != "failed" {
		t.Errorf("failed outcome = %q", got)
	}
	if r.Files[3].Error == "" {
		t.Error("failure lost its error text")
	}
}

func TestCleanReport(t *testing.T) {
	r := New("Hash Verification Report", "fixity test")
	r.AddResult(resultFor("f1", reconcile.Match), "/ev/a.dd", nil, nil)
	r.AddResult(resultFor("f2", reconcile.Unknown), "/ev/b.dd", nil, nil)

	if !r.Clean {
		t.Error("matches and unknowns alone keep the report clean")
	}
	if r.FullyVerified() {
		t.Error("an unverified container is not fully verified")
	}

	r2 := New("t", "fixity test")
	r2.AddResult(resultFor("f1", reconcile.Match), "/ev/a.dd", nil, nil)
	if !r2.FullyVerified() {
		t.Error("all-match report should be fully verified")
	}
}

func TestSummary(t *testing.T) {
	r := New("t", "fixity test")
	r.AddResult(resultFor("f1", reconcile.Match), "/ev/a.dd", nil, nil)
	r.AddResult(resultFor("f2", reconcile.Mismatch), "/ev/b.dd", nil, nil)

	got := r.Summary()
	for _, want := range []string{"[FAILED]", "2 containers", "1 matched", "1 mismatched"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary %q missing %q", got, want)
		}
	}

	clean := New("t", "fixity test")
	clean.AddResult(resultFor("f1", reconcile.Match), "/ev/a.dd", nil, nil)
	if !strings.HasPrefix(clean.Summary(), "[CLEAN] 1 container:") {
		t.Errorf("summary = %q", clean.Summary())
	}
}

func TestMismatchedFiles(t *testing.T) {
	r := New("t", "fixity test")
	r.AddResult(resultFor("f1", reconcile.Match), "/ev/a.dd", nil, nil)
	r.AddResult(resultFor("f2", reconcile.Mismatch), "/ev/b.dd", nil, nil)

	got := r.MismatchedFiles()
	if len(got) != 1 || got[0] != "/ev/b.dd" {
		t.Errorf("mismatched = %v", got)
	}
}

func TestGenerateText(t *testing.T) {
	r := New("FIXITY HASH VERIFICATION REPORT", "fixity 1.0")
	r.Algorithm = "sha256"
	r.Examiner = "J. Moreno"
	r.CaseID = "2026-0142"
	r.AddResult(resultFor("f1", reconcile.Match), "/ev/disk01.E01", nil, nil)
	r.AddResult(resultFor("f2", reconcile.Mismatch), "/ev/disk02.dd", nil, nil)

	var buf bytes.Buffer
	if err := NewGenerator(FormatText).Generate(r, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		"FIXITY HASH VERIFICATION REPORT",
		"Result:     FAILED",
		"Examiner:   J. Moreno",
		"Case:       2026-0142",
		"[OK] /ev/disk01.E01",
		"[!!] /ev/disk02.dd",
		"expected",
		"Mismatched:  1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text report missing %q:\n%s", want, out)
		}
	}
}

func TestGenerateTextVerbose(t *testing.T) {
	r := New("t", "fixity test")
	cands := []metadata.Candidate{{
		Algorithm: digest.SHA256,
		Value:     strings.Repeat("ab", 32),
		Origin:    metadata.OriginContainer,
	}}
	hist := []digest.HashRecord{{
		Algorithm:  digest.SHA256,
		Value:      strings.Repeat("ab", 32),
		ComputedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Origin:     digest.OriginComputed,
	}}
	r.AddResult(resultFor("f1", reconcile.Match), "/ev/a.dd", cands, hist)

	var buf bytes.Buffer
	if err := NewGenerator(FormatText).WithVerbose(true).Generate(r, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	if !strings.Contains(out, "references considered:") {
		t.Error("verbose report missing candidates")
	}
	if !strings.Contains(out, "recorded history:") {
		t.Error("verbose report missing history")
	}
	// Verbose output never truncates digests.
	if !strings.Contains(out, strings.Repeat("ab", 32)) {
		t.Error("verbose report truncated the digest")
	}
}

func TestGenerateJSON(t *testing.T) {
	r := New("t", "fixity 1.0")
	r.Algorithm = "sha256"
	r.AddResult(resultFor("f1", reconcile.Match), "/ev/a.dd", nil, nil)

	var buf bytes.Buffer
	if err := NewGenerator(FormatJSON).Generate(r, &buf); err != nil {
		t.Fatal(err)
	}

	var decoded Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if decoded.Matches != 1 || !decoded.Clean {
		t.Errorf("decoded = %+v", decoded)
	}
	if len(decoded.Files) != 1 || decoded.Files[0].Path != "/ev/a.dd" {
		t.Errorf("files = %+v", decoded.Files)
	}
}

func TestGenerateMarkdown(t *testing.T) {
	r := New("Hash Verification Report", "fixity 1.0")
	r.Algorithm = "sha256"
	r.AddResult(resultFor("f1", reconcile.Mismatch), "/ev/a.dd", nil, nil)

	var buf bytes.Buffer
	if err := NewGenerator(FormatMarkdown).Generate(r, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		"# Hash Verification Report",
		"| **Result** | FAILED |",
		"| Container | Outcome | Computed | Reference |",
		"## Mismatched Containers",
		"- /ev/a.dd",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q:\n%s", want, out)
		}
	}
}

func TestGenerateHTML(t *testing.T) {
	r := New("Hash Verification Report", "fixity 1.0")
	r.AddResult(resultFor("f1", reconcile.Mismatch), "/ev/a.dd", nil, nil)

	var buf bytes.Buffer
	if err := NewGenerator(FormatHTML).Generate(r, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	if !strings.Contains(out, "<!DOCTYPE html>") {
		t.Error("missing doctype")
	}
	if !strings.Contains(out, `class="outcome-mismatch"`) {
		t.Error("mismatch row not styled")
	}
	if !strings.Contains(out, "result-failed") {
		t.Error("failed result not styled")
	}
}

func TestTruncateHash(t *testing.T) {
	long := strings.Repeat("ab", 32)
	g := NewGenerator(FormatText)
	short := g.truncateHash(long)
	if !strings.Contains(short, "...") || len(short) >= len(long) {
		t.Errorf("truncated = %q", short)
	}
	if g.truncateHash("abcd1234") != "abcd1234" {
		t.Error("short hashes pass through")
	}

	verbose := NewGenerator(FormatText).WithVerbose(true)
	if verbose.truncateHash(long) != long {
		t.Error("verbose must not truncate")
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"text": FormatText, "TXT": FormatText,
		"json": FormatJSON,
		"md":   FormatMarkdown, "markdown": FormatMarkdown,
		"html": FormatHTML,
	} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("pdf"); err == nil {
		t.Error("unknown format should error")
	}
}

func TestUnknownGeneratorFormat(t *testing.T) {
	var buf bytes.Buffer
	err := NewGenerator(Format("yaml")).Generate(New("t", "fixity"), &buf)
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
}
