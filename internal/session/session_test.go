package session

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fixity/internal/digest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "session.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleHistory() []digest.HashRecord {
	idx := 1
	ref := digest.New(digest.SHA256, "deadbeef")
	return []digest.HashRecord{
		{
			Algorithm:  digest.SHA256,
			Value:      "deadbeef",
			ComputedAt: time.Date(2024, 8, 26, 21, 48, 1, 0, time.UTC),
			Origin:     digest.OriginStored,
		},
		{
			Algorithm:    digest.SHA256,
			Value:        "deadbeef",
			ComputedAt:   time.Date(2024, 8, 26, 22, 0, 0, 0, time.UTC),
			Origin:       digest.OriginComputed,
			SegmentIndex: &idx,
			SegmentLabel: "evidence.001",
			Verification: &digest.VerificationMark{
				Result:     digest.ResultMatch,
				VerifiedAt: time.Date(2024, 8, 26, 22, 0, 1, 0, time.UTC),
				Reference:  &ref,
			},
		},
	}
}

func TestSaveAndLoadHistory(t *testing.T) {
	s := openTestStore(t)
	want := sampleHistory()

	if err := s.SaveHistory("evidence.e01", "/cases/1/evidence.e01", want); err != nil {
		t.Fatalf("SaveHistory failed: %v", err)
	}

	got, err := s.LoadHistory("evidence.e01")
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}

	if got[0].Origin != digest.OriginStored {
		t.Errorf("record 0 origin = %v", got[0].Origin)
	}
	if !got[0].ComputedAt.Equal(want[0].ComputedAt) {
		t.Errorf("record 0 computed_at = %v, want %v", got[0].ComputedAt, want[0].ComputedAt)
	}
	if got[0].Verification != nil {
		t.Error("record 0 should have no verification mark")
	}

	rec := got[1]
	if rec.SegmentIndex == nil || *rec.SegmentIndex != 1 {
		t.Errorf("segment index not preserved: %v", rec.SegmentIndex)
	}
	if rec.SegmentLabel != "evidence.001" {
		t.Errorf("segment label = %q", rec.SegmentLabel)
	}
	if rec.Verification == nil {
		t.Fatal("verification mark lost")
	}
	if rec.Verification.Result != digest.ResultMatch {
		t.Errorf("result = %v", rec.Verification.Result)
	}
	if !rec.Verification.VerifiedAt.Equal(want[1].Verification.VerifiedAt) {
		t.Errorf("verified_at = %v", rec.Verification.VerifiedAt)
	}
	if rec.Verification.Reference == nil || rec.Verification.Reference.Value != "deadbeef" {
		t.Errorf("reference not preserved: %v", rec.Verification.Reference)
	}
}

func TestSaveHistoryReplacesSnapshot(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveHistory("f", "/f", sampleHistory()); err != nil {
		t.Fatalf("SaveHistory failed: %v", err)
	}
	// Second save simulates the session growing by one record.
	grown := append(sampleHistory(), digest.HashRecord{
		Algorithm:  digest.SHA256,
		Value:      "cafe",
		ComputedAt: time.Now().UTC(),
		Origin:     digest.OriginComputed,
	})
	if err := s.SaveHistory("f", "/f", grown); err != nil {
		t.Fatalf("second SaveHistory failed: %v", err)
	}

	got, err := s.LoadHistory("f")
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("snapshot save must not duplicate rows, got %d records", len(got))
	}
}

func TestLoadHistoryUnknownFile(t *testing.T) {
	s := openTestStore(t)
	got, err := s.LoadHistory("missing")
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty history, got %v", got)
	}
}

func TestLoadAllAndFiles(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveHistory("b.e01", "/cases/b.e01", sampleHistory()); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveHistory("a.dd", "/cases/a.dd", sampleHistory()[:1]); err != nil {
		t.Fatal(err)
	}

	files, err := s.Files()
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if len(files) != 2 || files[0].ID != "a.dd" || files[1].ID != "b.e01" {
		t.Errorf("Files = %v", files)
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(all["a.dd"]) != 1 || len(all["b.e01"]) != 2 {
		t.Errorf("LoadAll shape wrong: %v", all)
	}

	path, err := s.FilePath("a.dd")
	if err != nil || path != "/cases/a.dd" {
		t.Errorf("FilePath = %q, %v", path, err)
	}
	path, err = s.FilePath("missing")
	if err != nil || path != "" {
		t.Errorf("FilePath for unknown = %q, %v", path, err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	histories := map[string][]digest.HashRecord{
		"evidence.e01": sampleHistory(),
	}

	var buf bytes.Buffer
	if err := Export(&buf, histories); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	got, err := Import(&buf)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	recs := got["evidence.e01"]
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	for i, rec := range recs {
		if rec.Origin != digest.OriginImported {
			t.Errorf("record %d origin = %v, want imported", i, rec.Origin)
		}
	}
	if !recs[0].ComputedAt.Equal(time.Date(2024, 8, 26, 21, 48, 1, 0, time.UTC)) {
		t.Errorf("computed_at lost precision: %v", recs[0].ComputedAt)
	}
	if recs[1].Verification == nil || recs[1].Verification.Result != digest.ResultMatch {
		t.Errorf("verification block lost: %+v", recs[1].Verification)
	}
	if recs[1].SegmentIndex == nil || *recs[1].SegmentIndex != 1 {
		t.Errorf("segment index lost: %v", recs[1].SegmentIndex)
	}
}

func TestImportRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `{broken`},
		{"missing version", `{"files": {}}`},
		{"digest not hex", `{"version":1,"files":{"f":[{"algorithm":"sha256","digest":"zzzz","computed_at":"2024-08-26T21:48:01Z"}]}}`},
		{"bad result enum", `{"version":1,"files":{"f":[{"algorithm":"sha256","digest":"abc1","computed_at":"2024-08-26T21:48:01Z","verification":{"result":"maybe","verified_at":"2024-08-26T21:48:01Z"}}]}}`},
		{"missing computed_at", `{"version":1,"files":{"f":[{"algorithm":"sha256","digest":"abc1"}]}}`},
		{"unreadable computed_at", `{"version":1,"files":{"f":[{"algorithm":"sha256","digest":"abc1","computed_at":"whenever"}]}}`},
	}

	for _, tc := range cases {
		if _, err := Import(strings.NewReader(tc.doc)); err == nil {
			t.Errorf("%s: import should have been rejected", tc.name)
		}
	}
}

func TestImportAcceptsDeviceTimestamps(t *testing.T) {
	// Documents written by other tooling may carry the device export
	// timestamp format; the importer normalizes rather than rejects.
	doc := `{"version":1,"files":{"f":[{"algorithm":"sha256","digest":"abc1","computed_at":"26/08/2024 17:48:01 (-4)"}]}}`

	got, err := Import(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	want := time.Date(2024, 8, 26, 21, 48, 1, 0, time.UTC)
	if !got["f"][0].ComputedAt.Equal(want) {
		t.Errorf("computed_at = %v, want %v", got["f"][0].ComputedAt, want)
	}
}
