// Package reconcile decides what a freshly computed digest means.
//
// Every computation ends here exactly once. The reconciler compares the
// computed digest against the best external reference it can find, falls
// back to the file's own prior history, and records the outcome in the
// provenance store. The three tiers are deliberate: an external stored
// hash is authoritative forensic evidence, a matching prior computation is
// weaker but still meaningful evidence of non-corruption, and the absence
// of any reference must surface as Unknown rather than pass as verified.
package reconcile

import (
	"errors"
	"time"

	"fixity/internal/digest"
	"fixity/internal/metadata"
	"fixity/internal/provenance"
)

// Outcome is the tri-state verdict of one reconciliation.
type Outcome string

const (
	Match    Outcome = "match"
	Mismatch Outcome = "mismatch"
	Unknown  Outcome = "unknown"
)

// ErrNoStore is returned when a reconciler is constructed without a
// provenance store.
var ErrNoStore = errors.New("reconcile: nil provenance store")

// Result is the verdict plus the reference the computed digest was compared
// against. Reference is nil for Unknown.
type Result struct {
	Outcome    Outcome        `json:"outcome"`
	Reference  *digest.Digest `json:"reference,omitempty"`
	VerifiedAt time.Time      `json:"verified_at"`
}

// Request carries one computed digest into reconciliation.
type Request struct {
	// FileID keys the provenance history.
	FileID string
	// Filename narrows candidate selection for multi-file containers.
	// Usually the container's base name, or a segment file name.
	Filename string
	// Digest is the freshly computed digest.
	Digest digest.Digest
	// Candidates are the stored hash assertions collected for this file.
	// Borrowed for this call only.
	Candidates []metadata.Candidate
	// ComputedAt stamps the history record. Zero means now.
	ComputedAt time.Time

	// Segment identity for per-segment computations.
	SegmentIndex *int
	SegmentLabel string
}

// Reconciler applies the three-tier comparison and owns the side effect of
// appending to history.
type Reconciler struct {
	store *provenance.Store
	now   func() time.Time
}

// New creates a Reconciler writing to store.
func New(store *provenance.Store) (*Reconciler, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	return &Reconciler{store: store, now: time.Now}, nil
}

// Reconcile compares the computed digest against references and appends the
// resulting record:
//
//  1. The best external candidate, if any, decides Match or Mismatch.
//  2. With no external candidate, a prior history entry carrying the
//     identical digest means the file reproduced an earlier result: Match.
//  3. Otherwise Unknown.
//
// The history lookup runs before the append so a record can never verify
// against itself. Reconcile never compares across algorithms; a stored MD5
// says nothing about a computed SHA-256.
func (r *Reconciler) Reconcile(req Request) (Result, error) {
	computedAt := req.ComputedAt
	if computedAt.IsZero() {
		computedAt = r.now()
	}
	verifiedAt := r.now()

	res := Result{Outcome: Unknown, VerifiedAt: verifiedAt}

	if cand, ok := metadata.Select(req.Candidates, req.Digest.Algorithm, req.Filename); ok {
		ref := cand.Digest()
		res.Reference = &ref
		if req.Digest.Equal(ref) {
			res.Outcome = Match
		} else {
			res.Outcome = Mismatch
		}
	} else if prior, ok := r.store.FindMatching(req.FileID, req.Digest.Algorithm, req.Digest.Value); ok {
		ref := prior.Digest()
		res.Reference = &ref
		res.Outcome = Match
	}

	rec := digest.HashRecord{
		Algorithm:    req.Digest.Algorithm,
		Value:        req.Digest.Value,
		ComputedAt:   computedAt,
		Origin:       digest.OriginComputed,
		SegmentIndex: req.SegmentIndex,
		SegmentLabel: req.SegmentLabel,
	}
	if res.Outcome != Unknown {
		rec.Verification = &digest.VerificationMark{
			Result:     markFor(res.Outcome),
			VerifiedAt: verifiedAt,
			Reference:  res.Reference,
		}
	}

	if err := r.store.Append(req.FileID, rec); err != nil {
		return Result{}, err
	}
	return res, nil
}

// RecordAssertion appends a stored hash assertion to the file's history
// without reconciling it. Called when container metadata is attached to a
// file so the audit trail shows what the metadata claimed, not only what
// was computed.
func (r *Reconciler) RecordAssertion(fileID string, cand metadata.Candidate) error {
	rec := digest.HashRecord{
		Algorithm: cand.Algorithm,
		Value:     cand.Value,
		Origin:    digest.OriginStored,
	}
	if ts, ok := cand.When(); ok {
		rec.ComputedAt = ts
	} else {
		rec.ComputedAt = r.now()
	}
	return r.store.Append(fileID, rec)
}

func markFor(o Outcome) digest.VerificationResult {
	if o == Match {
		return digest.ResultMatch
	}
	return digest.ResultMismatch
}
