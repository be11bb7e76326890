package segment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixity/internal/compute"
	"fixity/internal/digest"
	"fixity/internal/metadata"
	"fixity/internal/provenance"
	"fixity/internal/reconcile"
)

const abcSHA256 = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func writeSegment(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newVerifier(t *testing.T) (*Verifier, *provenance.Store) {
	t.Helper()
	store := provenance.NewStore()
	rec, err := reconcile.New(store)
	require.NoError(t, err)
	return NewVerifier(compute.NewLocal(2), rec), store
}

func TestVerifyMixedOutcomes(t *testing.T) {
	dir := t.TempDir()
	segments := []string{
		writeSegment(t, dir, "evidence.001", "abc"),
		writeSegment(t, dir, "evidence.002", "def"),
		writeSegment(t, dir, "evidence.003", "ghi"),
	}

	candidates := []metadata.Candidate{
		// Correct digest for segment 1.
		{Algorithm: digest.SHA256, Value: abcSHA256, Origin: metadata.OriginCompanionLog, Filename: "evidence.001"},
		// Wrong digest for segment 2.
		{Algorithm: digest.SHA256, Value: "0000000000000000000000000000000000000000000000000000000000000000", Origin: metadata.OriginCompanionLog, Filename: "evidence.002"},
		// Nothing for segment 3.
	}

	v, _ := newVerifier(t)
	results, summary, err := v.Verify(context.Background(), "evidence.001", digest.SHA256, segments, candidates, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, reconcile.Match, results[0].Outcome)
	require.NotNil(t, results[0].Expected)
	assert.Equal(t, abcSHA256, results[0].Expected.Value)

	assert.Equal(t, reconcile.Mismatch, results[1].Outcome)
	assert.Equal(t, reconcile.Unknown, results[2].Outcome)
	assert.Nil(t, results[2].Expected)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Matches)
	assert.Equal(t, 1, summary.Mismatches)
	assert.Equal(t, 1, summary.Unknowns)
	assert.True(t, summary.Failed, "any mismatch is a hard failure")
}

func TestVerifyAllMatchNotFailed(t *testing.T) {
	dir := t.TempDir()
	segments := []string{
		writeSegment(t, dir, "evidence.001", "first"),
		writeSegment(t, dir, "evidence.002", "second"),
	}

	// First pass with no candidates learns the true digests.
	v, _ := newVerifier(t)
	results, _, err := v.Verify(context.Background(), "learn", digest.SHA256, segments, nil, nil)
	require.NoError(t, err)

	var candidates []metadata.Candidate
	for _, r := range results {
		candidates = append(candidates, metadata.Candidate{
			Algorithm: r.Algorithm,
			Value:     r.Computed.Value,
			Origin:    metadata.OriginContainer,
			Filename:  r.Label,
		})
	}

	// Second pass against those digests matches everywhere.
	v2, _ := newVerifier(t)
	_, summary, err := v2.Verify(context.Background(), "evidence.001", digest.SHA256, segments, candidates, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Matches)
	assert.Zero(t, summary.Mismatches)
	assert.False(t, summary.Failed)
}

func TestVerifyUnknownsAloneDoNotFail(t *testing.T) {
	dir := t.TempDir()
	segments := []string{writeSegment(t, dir, "evidence.001", "x")}

	v, _ := newVerifier(t)
	_, summary, err := v.Verify(context.Background(), "f", digest.SHA256, segments, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Unknowns)
	assert.False(t, summary.Failed, "no reference available is not a failure")
}

func TestVerifyMissingSegmentFails(t *testing.T) {
	dir := t.TempDir()
	segments := []string{
		writeSegment(t, dir, "evidence.001", "abc"),
		filepath.Join(dir, "evidence.002"), // never written
		writeSegment(t, dir, "evidence.003", "ghi"),
	}

	v, _ := newVerifier(t)
	results, summary, err := v.Verify(context.Background(), "f", digest.SHA256, segments, nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "evidence.002")
	assert.True(t, summary.Failed)
	assert.Len(t, results, 1, "segments before the failure keep their results")
}

func TestVerifyProgressAggregate(t *testing.T) {
	dir := t.TempDir()
	segments := []string{
		writeSegment(t, dir, "evidence.001", "aaaa"),
		writeSegment(t, dir, "evidence.002", "bbbb"),
		writeSegment(t, dir, "evidence.003", "cccc"),
	}

	var ticks []Progress
	v, _ := newVerifier(t)
	_, _, err := v.Verify(context.Background(), "f", digest.SHA256, segments, nil, func(p Progress) {
		ticks = append(ticks, p)
	})
	require.NoError(t, err)
	require.NotEmpty(t, ticks)

	last := -1.0
	for _, p := range ticks {
		agg := p.Aggregate()
		assert.GreaterOrEqual(t, agg, last, "aggregate percent is monotone")
		assert.LessOrEqual(t, agg, 100.0)
		assert.NotEmpty(t, p.SegmentLabel)
		last = agg
	}

	final := ticks[len(ticks)-1]
	assert.Equal(t, final.Total, final.Completed, "final tick reports all segments complete")
	assert.Equal(t, 100.0, final.Aggregate())
}

func TestVerifyRecordsSegmentHistory(t *testing.T) {
	dir := t.TempDir()
	segments := []string{
		writeSegment(t, dir, "evidence.001", "abc"),
		writeSegment(t, dir, "evidence.002", "def"),
	}

	v, store := newVerifier(t)
	_, _, err := v.Verify(context.Background(), "evidence.001", digest.SHA256, segments, nil, nil)
	require.NoError(t, err)

	hist := store.History("evidence.001")
	require.Len(t, hist, 2)
	for i, rec := range hist {
		require.NotNil(t, rec.SegmentIndex)
		assert.Equal(t, i+1, *rec.SegmentIndex)
		assert.Equal(t, digest.OriginComputed, rec.Origin)
		assert.NotEmpty(t, rec.SegmentLabel)
	}
}
