// Package segment verifies multi-segment containers one segment at a
// time, reconciling each segment's digest against the stored assertions
// for that segment and folding the verdicts into a summary.
package segment

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"fixity/internal/compute"
	"fixity/internal/digest"
	"fixity/internal/metadata"
	"fixity/internal/reconcile"
)

// Progress is one segment-verification progress tick. Percent is progress
// within the current segment; the aggregate shown to callers is
// Completed/Total, which moves in bounded monotone steps no matter how
// unevenly segment sizes are distributed.
type Progress struct {
	SegmentLabel string
	SegmentIndex int
	Percent      float64
	Completed    int
	Total        int
}

// Aggregate returns the caller-visible overall percent.
func (p Progress) Aggregate() float64 {
	if p.Total <= 0 {
		return 100
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Result is the verdict for one segment.
type Result struct {
	Index     int               `json:"index"`
	Label     string            `json:"label"`
	Algorithm digest.Algorithm  `json:"algorithm"`
	Computed  digest.Digest     `json:"computed"`
	Expected  *digest.Digest    `json:"expected,omitempty"`
	Outcome   reconcile.Outcome `json:"outcome"`
}

// Summary folds the per-segment verdicts together. Failed is set by any
// mismatch anywhere; segments with no reference count as Unknowns and do
// not fail the container, because "nothing to compare against" and
// "compared and disagreed" are different forensic findings.
type Summary struct {
	FileID     string           `json:"file_id"`
	Algorithm  digest.Algorithm `json:"algorithm"`
	Total      int              `json:"total"`
	Matches    int              `json:"matches"`
	Mismatches int              `json:"mismatches"`
	Unknowns   int              `json:"unknowns"`
	Failed     bool             `json:"failed"`
}

// Verifier runs segment verification on top of a compute service and the
// reconciler.
type Verifier struct {
	svc compute.Service
	rec *reconcile.Reconciler
}

// NewVerifier wires a Verifier.
func NewVerifier(svc compute.Service, rec *reconcile.Reconciler) *Verifier {
	return &Verifier{svc: svc, rec: rec}
}

// Verify digests every segment in container order and reconciles each one
// against the candidates filtered to that segment's file name. progress
// may be nil. The returned error means verification could not run to the
// end (missing or unreadable segment, compute failure); results collected
// before the failure are still returned. A completed run with mismatches
// returns no error and a Summary with Failed set.
func (v *Verifier) Verify(ctx context.Context, fileID string, alg digest.Algorithm, segments []string, candidates []metadata.Candidate, progress func(Progress)) ([]Result, Summary, error) {
	summary := Summary{FileID: fileID, Algorithm: alg.Normalize(), Total: len(segments)}
	results := make([]Result, 0, len(segments))

	for i, segPath := range segments {
		label := filepath.Base(segPath)

		d, err := v.digestSegment(ctx, fileID, segPath, alg, func(pct float64) {
			if progress != nil {
				progress(Progress{
					SegmentLabel: label,
					SegmentIndex: i + 1,
					Percent:      pct,
					Completed:    i,
					Total:        len(segments),
				})
			}
		})
		if err != nil {
			summary.Failed = true
			return results, summary, fmt.Errorf("segment %s: %w", label, err)
		}

		idx := i + 1
		res, err := v.rec.Reconcile(reconcile.Request{
			FileID:       fileID,
			Filename:     label,
			Digest:       d,
			Candidates:   candidates,
			ComputedAt:   time.Now().UTC(),
			SegmentIndex: &idx,
			SegmentLabel: label,
		})
		if err != nil {
			summary.Failed = true
			return results, summary, fmt.Errorf("segment %s: %w", label, err)
		}

		results = append(results, Result{
			Index:     idx,
			Label:     label,
			Algorithm: d.Algorithm,
			Computed:  d,
			Expected:  res.Reference,
			Outcome:   res.Outcome,
		})

		switch res.Outcome {
		case reconcile.Match:
			summary.Matches++
		case reconcile.Mismatch:
			summary.Mismatches++
		default:
			summary.Unknowns++
		}

		if progress != nil {
			progress(Progress{
				SegmentLabel: label,
				SegmentIndex: idx,
				Percent:      100,
				Completed:    i + 1,
				Total:        len(segments),
			})
		}
	}

	summary.Failed = summary.Mismatches > 0
	return results, summary, nil
}

// digestSegment runs one raw-mode computation synchronously, forwarding
// progress ticks.
func (v *Verifier) digestSegment(ctx context.Context, fileID, path string, alg digest.Algorithm, tick func(float64)) (digest.Digest, error) {
	events := make(chan compute.Event, 16)
	req := compute.Request{
		FileID:    fileID,
		Path:      path,
		Algorithm: alg,
		Mode:      compute.ModeRaw,
	}
	if err := v.svc.Submit(ctx, req, events); err != nil {
		return digest.Digest{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return digest.Digest{}, ctx.Err()
		case ev := <-events:
			switch ev.Kind {
			case compute.EventProgress:
				tick(ev.Percent)
			case compute.EventCompleted:
				return ev.Digest, nil
			case compute.EventError:
				return digest.Digest{}, ev.Err
			}
		}
	}
}
