package provenance

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"fixity/internal/digest"
)

func record(alg digest.Algorithm, value string) digest.HashRecord {
	return digest.HashRecord{
		Algorithm:  alg,
		Value:      value,
		ComputedAt: time.Now().UTC(),
		Origin:     digest.OriginComputed,
	}
}

func TestAppendAndHistory(t *testing.T) {
	s := NewStore()

	if err := s.Append("file-1", record(digest.SHA256, "aaa")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append("file-1", record(digest.SHA256, "bbb")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	hist := s.History("file-1")
	if len(hist) != 2 {
		t.Fatalf("expected 2 records, got %d", len(hist))
	}
	if hist[0].Value != "aaa" || hist[1].Value != "bbb" {
		t.Errorf("history out of append order: %v", hist)
	}
}

func TestAppendEmptyFileID(t *testing.T) {
	s := NewStore()
	if err := s.Append("", record(digest.SHA256, "aaa")); err != ErrEmptyFileID {
		t.Errorf("expected ErrEmptyFileID, got %v", err)
	}
	if err := s.Append("   ", record(digest.SHA256, "aaa")); err != ErrEmptyFileID {
		t.Errorf("expected ErrEmptyFileID for whitespace id, got %v", err)
	}
}

func TestAppendNormalizes(t *testing.T) {
	s := NewStore()
	if err := s.Append("f", record("SHA256", "ABC123")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	hist := s.History("f")
	if hist[0].Algorithm != digest.SHA256 {
		t.Errorf("algorithm not normalized: %q", hist[0].Algorithm)
	}
	if hist[0].Value != "abc123" {
		t.Errorf("value not normalized: %q", hist[0].Value)
	}
}

func TestNeverDeduplicates(t *testing.T) {
	s := NewStore()
	rec := record(digest.SHA256, "samevalue")

	for i := 0; i < 3; i++ {
		if err := s.Append("f", rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	if got := s.Len("f"); got != 3 {
		t.Errorf("identical appends must all be kept, got %d records", got)
	}
}

func TestHistoryIsSnapshot(t *testing.T) {
	s := NewStore()
	idx := 1
	rec := record(digest.SHA256, "aaa")
	rec.SegmentIndex = &idx
	rec.Verification = &digest.VerificationMark{Result: digest.ResultMatch}
	if err := s.Append("f", rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	hist := s.History("f")
	hist[0].Value = "tampered"
	*hist[0].SegmentIndex = 99
	hist[0].Verification.Result = digest.ResultMismatch

	again := s.History("f")
	if again[0].Value != "aaa" {
		t.Error("stored value mutated through snapshot")
	}
	if *again[0].SegmentIndex != 1 {
		t.Error("stored segment index mutated through snapshot")
	}
	if again[0].Verification.Result != digest.ResultMatch {
		t.Error("stored verification mark mutated through snapshot")
	}
}

func TestAppendDoesNotRetainCaller(t *testing.T) {
	s := NewStore()
	mark := &digest.VerificationMark{Result: digest.ResultMatch}
	rec := record(digest.SHA256, "aaa")
	rec.Verification = mark
	if err := s.Append("f", rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	mark.Result = digest.ResultMismatch

	hist := s.History("f")
	if hist[0].Verification.Result != digest.ResultMatch {
		t.Error("store shares the caller's verification mark")
	}
}

func TestFindMatching(t *testing.T) {
	s := NewStore()
	if err := s.Append("f", record(digest.SHA256, "abc123")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append("f", record(digest.SHA1, "abc123")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, ok := s.FindMatching("f", "SHA256", "ABC123")
	if !ok {
		t.Fatal("expected a case-insensitive match")
	}
	if got.Algorithm != digest.SHA256 {
		t.Errorf("matched wrong record: %v", got)
	}

	if _, ok := s.FindMatching("f", digest.MD5, "abc123"); ok {
		t.Error("matching must not cross algorithms")
	}
	if _, ok := s.FindMatching("f", digest.SHA256, "other"); ok {
		t.Error("different value must not match")
	}
	if _, ok := s.FindMatching("missing", digest.SHA256, "abc123"); ok {
		t.Error("unknown file must not match")
	}
}

func TestFindMatchingReturnsOldest(t *testing.T) {
	s := NewStore()
	first := record(digest.SHA256, "abc")
	first.ComputedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := record(digest.SHA256, "abc")
	second.ComputedAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := s.Append("f", first); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("f", second); err != nil {
		t.Fatal(err)
	}

	got, ok := s.FindMatching("f", digest.SHA256, "abc")
	if !ok {
		t.Fatal("expected match")
	}
	if !got.ComputedAt.Equal(first.ComputedAt) {
		t.Errorf("expected oldest matching record, got %v", got.ComputedAt)
	}
}

func TestLatest(t *testing.T) {
	s := NewStore()
	if _, ok := s.Latest("f"); ok {
		t.Error("Latest on unknown file should report not ok")
	}

	if err := s.Append("f", record(digest.SHA256, "aaa")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("f", record(digest.SHA256, "bbb")); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Latest("f")
	if !ok || got.Value != "bbb" {
		t.Errorf("Latest = %v, %v; want bbb", got, ok)
	}
}

func TestFiles(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := s.Append(id, record(digest.SHA256, "aaa")); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Files()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("Files() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Files()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestConcurrentAppendAndRead(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("file-%d", w%4)
				if err := s.Append(id, record(digest.SHA256, fmt.Sprintf("v%d-%d", w, i))); err != nil {
					t.Errorf("Append failed: %v", err)
					return
				}
				_ = s.History(id)
				_ = s.Len(id)
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, id := range s.Files() {
		total += s.Len(id)
	}
	if total != 8*50 {
		t.Errorf("expected 400 records total, got %d", total)
	}
}
