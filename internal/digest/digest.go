// Package digest defines the value types shared by every verification
// component: algorithm identifiers, normalized digests, and the immutable
// hash records that make up a file's provenance history.
package digest

import (
	"fmt"
	"strings"
	"time"
)

// Algorithm identifies a digest algorithm. Comparison is case-insensitive
// everywhere; the canonical form is lowercase.
type Algorithm string

// Algorithms this tool can compute. Stored metadata may name others; those
// still flow through selection and reconciliation as opaque identifiers.
const (
	MD5     Algorithm = "md5"
	SHA1    Algorithm = "sha1"
	SHA256  Algorithm = "sha256"
	SHA512  Algorithm = "sha512"
	SHA3256 Algorithm = "sha3-256"
	BLAKE2b Algorithm = "blake2b"
	BLAKE3  Algorithm = "blake3"
)

// Normalize returns the canonical lowercase form.
func (a Algorithm) Normalize() Algorithm {
	return Algorithm(strings.ToLower(strings.TrimSpace(string(a))))
}

// Normalize converts an algorithm name as typed by an operator or read from
// config into canonical form.
func Normalize(name string) Algorithm {
	return Algorithm(name).Normalize()
}

// Equal reports whether two algorithm identifiers name the same algorithm,
// ignoring case.
func (a Algorithm) Equal(other Algorithm) bool {
	return strings.EqualFold(strings.TrimSpace(string(a)), strings.TrimSpace(string(other)))
}

// Known reports whether this tool can compute the algorithm itself.
func (a Algorithm) Known() bool {
	switch a.Normalize() {
	case MD5, SHA1, SHA256, SHA512, SHA3256, BLAKE2b, BLAKE3:
		return true
	}
	return false
}

// Digest is an algorithm identifier plus a hex digest value. Values are
// normalized to lowercase on construction; equality ignores case on both
// fields so digests copied out of vendor logs compare correctly.
type Digest struct {
	Algorithm Algorithm `json:"algorithm"`
	Value     string    `json:"value"`
}

// New builds a normalized Digest from an algorithm name and hex value as
// they appear in metadata.
func New(alg Algorithm, value string) Digest {
	return Digest{
		Algorithm: alg.Normalize(),
		Value:     strings.ToLower(strings.TrimSpace(value)),
	}
}

// Equal reports whether two digests have the same algorithm and the same
// hex value, ignoring case on both.
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm.Equal(other.Algorithm) &&
		strings.EqualFold(strings.TrimSpace(d.Value), strings.TrimSpace(other.Value))
}

// IsZero reports whether the digest is empty.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && d.Value == ""
}

// String renders "algorithm:value" for logs and reports.
func (d Digest) String() string {
	return fmt.Sprintf("%s:%s", d.Algorithm, d.Value)
}

// Origin says how a hash record entered the history.
type Origin string

const (
	// OriginComputed marks a digest this tool computed from file bytes.
	OriginComputed Origin = "computed"
	// OriginStored marks a digest copied out of container or sidecar metadata.
	OriginStored Origin = "stored"
	// OriginImported marks a digest restored from an exported session.
	OriginImported Origin = "imported"
)

// VerificationResult is the recorded verdict on a single record. Records
// with no reference to compare against carry no mark at all rather than a
// third value here; absence is what "unknown" looks like in history.
type VerificationResult string

const (
	ResultMatch    VerificationResult = "match"
	ResultMismatch VerificationResult = "mismatch"
)

// VerificationMark is the reconciliation outcome stamped on a record at
// creation time.
type VerificationMark struct {
	Result     VerificationResult `json:"result"`
	VerifiedAt time.Time          `json:"verified_at"`
	Reference  *Digest            `json:"reference,omitempty"`
}

// HashRecord is one entry in a file's provenance history. Records are
// immutable once appended; consumers always receive copies.
type HashRecord struct {
	Algorithm  Algorithm `json:"algorithm"`
	Value      string    `json:"value"`
	ComputedAt time.Time `json:"computed_at"`
	Origin     Origin    `json:"origin"`

	// Segment identity, set only for per-segment records.
	SegmentIndex *int   `json:"segment_index,omitempty"`
	SegmentLabel string `json:"segment_label,omitempty"`

	// Verification is nil when the digest had nothing to be checked against.
	Verification *VerificationMark `json:"verification,omitempty"`
}

// Digest returns the record's digest as a comparable value.
func (r HashRecord) Digest() Digest {
	return New(r.Algorithm, r.Value)
}

// Clone returns a deep copy. The pointer fields must not be shared between
// the stored record and snapshots handed to callers.
func (r HashRecord) Clone() HashRecord {
	out := r
	if r.SegmentIndex != nil {
		idx := *r.SegmentIndex
		out.SegmentIndex = &idx
	}
	if r.Verification != nil {
		mark := *r.Verification
		if r.Verification.Reference != nil {
			ref := *r.Verification.Reference
			mark.Reference = &ref
		}
		out.Verification = &mark
	}
	return out
}
