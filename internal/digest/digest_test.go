package digest

import (
	"testing"
	"time"
)

func TestAlgorithmEqual(t *testing.T) {
	if !Algorithm("SHA256").Equal(SHA256) {
		t.Error("SHA256 should equal sha256")
	}
	if !Algorithm(" md5 ").Equal(MD5) {
		t.Error("algorithm comparison should trim whitespace")
	}
	if SHA1.Equal(SHA256) {
		t.Error("sha1 should not equal sha256")
	}
}

func TestAlgorithmKnown(t *testing.T) {
	for _, a := range []Algorithm{MD5, SHA1, SHA256, SHA512, SHA3256, BLAKE2b, BLAKE3, "SHA256"} {
		if !a.Known() {
			t.Errorf("%q should be known", a)
		}
	}
	for _, a := range []Algorithm{"", "crc32", "whirlpool"} {
		if a.Known() {
			t.Errorf("%q should not be known", a)
		}
	}
}

func TestDigestEqualIgnoresCase(t *testing.T) {
	a := New("SHA256", "ABC123")
	b := New("sha256", "abc123")
	if !a.Equal(b) {
		t.Errorf("%v should equal %v", a, b)
	}
	if a.Value != "abc123" {
		t.Errorf("New should lowercase the value, got %q", a.Value)
	}
	if a.Algorithm != SHA256 {
		t.Errorf("New should lowercase the algorithm, got %q", a.Algorithm)
	}
}

func TestDigestEqualDiffers(t *testing.T) {
	base := New(SHA256, "abc123")
	if base.Equal(New(SHA1, "abc123")) {
		t.Error("different algorithms must not compare equal")
	}
	if base.Equal(New(SHA256, "abc124")) {
		t.Error("different values must not compare equal")
	}
}

func TestDigestString(t *testing.T) {
	d := New(SHA256, "DEADBEEF")
	if got := d.String(); got != "sha256:deadbeef" {
		t.Errorf("String() = %q", got)
	}
}

func TestHashRecordClone(t *testing.T) {
	idx := 3
	rec := HashRecord{
		Algorithm:    SHA256,
		Value:        "abc123",
		ComputedAt:   time.Date(2024, 8, 26, 21, 48, 1, 0, time.UTC),
		Origin:       OriginComputed,
		SegmentIndex: &idx,
		SegmentLabel: "evidence.002",
		Verification: &VerificationMark{
			Result:     ResultMatch,
			VerifiedAt: time.Date(2024, 8, 26, 21, 48, 2, 0, time.UTC),
			Reference:  &Digest{Algorithm: SHA256, Value: "abc123"},
		},
	}

	clone := rec.Clone()

	*clone.SegmentIndex = 99
	clone.Verification.Result = ResultMismatch
	clone.Verification.Reference.Value = "tampered"

	if *rec.SegmentIndex != 3 {
		t.Error("clone shares SegmentIndex with original")
	}
	if rec.Verification.Result != ResultMatch {
		t.Error("clone shares Verification with original")
	}
	if rec.Verification.Reference.Value != "abc123" {
		t.Error("clone shares Reference with original")
	}
}

func TestHashRecordDigest(t *testing.T) {
	rec := HashRecord{Algorithm: "SHA256", Value: "ABC"}
	d := rec.Digest()
	if d.Algorithm != SHA256 || d.Value != "abc" {
		t.Errorf("Digest() = %v, want normalized form", d)
	}
}
