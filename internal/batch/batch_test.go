package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixity/internal/compute"
	"fixity/internal/digest"
	"fixity/internal/metadata"
	"fixity/internal/metrics"
	"fixity/internal/provenance"
	"fixity/internal/reconcile"
)

// ============================================================
// Test fixtures
// ============================================================

// stubService is a scripted compute.Service. Each submission is
// recorded and handed to the run function, which emits events
// synchronously into the buffered stream.
type stubService struct {
	mu      sync.Mutex
	submits []compute.Request
	run     func(req compute.Request, out chan<- compute.Event) error
}

func (s *stubService) Submit(ctx context.Context, req compute.Request, out chan<- compute.Event) error {
	s.mu.Lock()
	s.submits = append(s.submits, req)
	s.mu.Unlock()
	return s.run(req, out)
}

func (s *stubService) recorded() []compute.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]compute.Request, len(s.submits))
	copy(out, s.submits)
	return out
}

func emitSuccess(req compute.Request, out chan<- compute.Event, value string) error {
	out <- compute.Event{FileID: req.FileID, Kind: compute.EventStarted}
	out <- compute.Event{FileID: req.FileID, Kind: compute.EventProgress, Percent: 50}
	out <- compute.Event{
		FileID:  req.FileID,
		Kind:    compute.EventCompleted,
		Percent: 100,
		Digest:  digest.New(req.Algorithm, value),
	}
	return nil
}

func emitFailure(req compute.Request, out chan<- compute.Event, cause error) error {
	out <- compute.Event{FileID: req.FileID, Kind: compute.EventStarted}
	out <- compute.Event{FileID: req.FileID, Kind: compute.EventError, Err: cause}
	return nil
}

func newHarness(t *testing.T, svc compute.Service) (*Orchestrator, *provenance.Store) {
	t.Helper()
	store := provenance.NewStore()
	rec, err := reconcile.New(store)
	require.NoError(t, err)
	orch, err := New(svc, rec, WithMetrics(metrics.NewEngineMetrics(metrics.NewRegistry("test"))))
	require.NoError(t, err)
	return orch, store
}

func drain(t *testing.T, b *Batch) map[string]FileResult {
	t.Helper()
	results := make(map[string]FileResult)
	timeout := time.After(10 * time.Second)
	for {
		select {
		case res, ok := <-b.Results():
			if !ok {
				return results
			}
			if _, dup := results[res.FileID]; dup {
				t.Fatalf("duplicate result for %s", res.FileID)
			}
			results[res.FileID] = res
		case <-timeout:
			t.Fatalf("batch did not drain; got %d results", len(results))
		}
	}
}

func candidateFor(filename, alg, value string) metadata.Candidate {
	return metadata.Candidate{
		Algorithm: digest.Algorithm(alg),
		Value:     value,
		Filename:  filename,
		Origin:    metadata.OriginContainer,
	}
}

// ============================================================
// Submission and verification
// ============================================================

func TestSubmitVerifiesEveryFile(t *testing.T) {
	digests := map[string]string{
		"evidence.e01": "aa11",
		"disk.dd":      "bb22",
	}
	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error {
		return emitSuccess(req, out, digests[req.FileID])
	}}
	orch, store := newHarness(t, svc)

	b, err := orch.Submit(context.Background(), digest.SHA256, []Item{
		{
			FileID:     "evidence.e01",
			Path:       "/evidence/evidence.e01",
			Candidates: []metadata.Candidate{candidateFor("evidence.e01", "sha256", "aa11")},
		},
		{FileID: "disk.dd", Path: "/evidence/disk.dd"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, b.ID())
	assert.Equal(t, digest.SHA256, b.Algorithm())

	results := drain(t, b)
	require.Len(t, results, 2)

	ev := results["evidence.e01"]
	assert.Equal(t, StateVerified, ev.State)
	assert.Equal(t, reconcile.Match, ev.Outcome)
	require.NotNil(t, ev.Digest)
	assert.Equal(t, "aa11", ev.Digest.Value)
	require.NotNil(t, ev.Reference)
	assert.False(t, ev.VerifiedAt.IsZero())

	dd := results["disk.dd"]
	assert.Equal(t, StateVerified, dd.State)
	assert.Equal(t, reconcile.Unknown, dd.Outcome)
	assert.Nil(t, dd.Reference)

	// Every completion reconciled immediately and landed in history.
	require.Equal(t, 1, store.Len("evidence.e01"))
	require.Equal(t, 1, store.Len("disk.dd"))
	rec, ok := store.Latest("evidence.e01")
	require.True(t, ok)
	assert.Equal(t, digest.OriginComputed, rec.Origin)
	require.NotNil(t, rec.Verification)
	assert.Equal(t, digest.ResultMatch, rec.Verification.Result)

	require.NoError(t, b.Wait(context.Background()))

	statuses := b.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "evidence.e01", statuses[0].FileID, "status order follows submission order")
	assert.Equal(t, "disk.dd", statuses[1].FileID)
	for _, st := range statuses {
		assert.Equal(t, StateVerified, st.State)
		assert.Equal(t, float64(100), st.Percent)
	}

	counts := b.Counts()
	assert.Equal(t, 2, counts.Verified)
	assert.Zero(t, counts.Failed)
}

func TestSubmitValidation(t *testing.T) {
	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error {
		return emitSuccess(req, out, "aa")
	}}
	orch, _ := newHarness(t, svc)
	ctx := context.Background()

	_, err := orch.Submit(ctx, digest.SHA256, nil)
	assert.ErrorIs(t, err, ErrNoItems)

	_, err = orch.Submit(ctx, "whirlpool", []Item{{FileID: "a", Path: "/a"}})
	assert.ErrorIs(t, err, compute.ErrUnknownAlgorithm)

	_, err = orch.Submit(ctx, digest.SHA256, []Item{{FileID: "", Path: "/a"}})
	assert.ErrorIs(t, err, compute.ErrBadRequest)

	_, err = orch.Submit(ctx, digest.SHA256, []Item{
		{FileID: "a", Path: "/a"},
		{FileID: "a", Path: "/b"},
	})
	assert.ErrorIs(t, err, compute.ErrBadRequest)
}

func TestNewRequiresServiceAndReconciler(t *testing.T) {
	store := provenance.NewStore()
	rec, err := reconcile.New(store)
	require.NoError(t, err)

	_, err = New(nil, rec)
	assert.ErrorIs(t, err, ErrNoService)

	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error { return nil }}
	_, err = New(svc, nil)
	assert.ErrorIs(t, err, ErrNoService)
}

// ============================================================
// Failure isolation
// ============================================================

func TestPerFileFailureDoesNotFailBatch(t *testing.T) {
	cause := errors.New("read /evidence/bad.dd: input/output error")
	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error {
		if req.FileID == "bad.dd" {
			return emitFailure(req, out, cause)
		}
		return emitSuccess(req, out, "cc33")
	}}
	orch, store := newHarness(t, svc)

	b, err := orch.Submit(context.Background(), digest.MD5, []Item{
		{FileID: "bad.dd", Path: "/evidence/bad.dd"},
		{FileID: "good.dd", Path: "/evidence/good.dd"},
	})
	require.NoError(t, err)

	results := drain(t, b)
	require.Len(t, results, 2)

	bad := results["bad.dd"]
	assert.Equal(t, StateFailed, bad.State)
	require.Error(t, bad.Err)
	assert.Nil(t, bad.Digest)

	good := results["good.dd"]
	assert.Equal(t, StateVerified, good.State)
	require.NotNil(t, good.Digest)

	// The failed file never reached history.
	assert.Zero(t, store.Len("bad.dd"))
	assert.Equal(t, 1, store.Len("good.dd"))

	counts := b.Counts()
	assert.Equal(t, 1, counts.Verified)
	assert.Equal(t, 1, counts.Failed)
}

func TestSyncRejectionFailsOnlyThatFile(t *testing.T) {
	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error {
		if req.FileID == "rejected" {
			return fmt.Errorf("%w: path is a directory", compute.ErrBadRequest)
		}
		return emitSuccess(req, out, "dd44")
	}}
	orch, _ := newHarness(t, svc)

	b, err := orch.Submit(context.Background(), digest.SHA1, []Item{
		{FileID: "rejected", Path: "/evidence"},
		{FileID: "fine.dd", Path: "/evidence/fine.dd"},
	})
	require.NoError(t, err)

	results := drain(t, b)
	require.Len(t, results, 2)
	assert.Equal(t, StateFailed, results["rejected"].State)
	assert.ErrorIs(t, results["rejected"].Err, compute.ErrBadRequest)
	assert.Equal(t, StateVerified, results["fine.dd"].State)
}

// ============================================================
// Raw fallback
// ============================================================

func TestUnsupportedContainerFallsBackToRaw(t *testing.T) {
	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error {
		if req.Mode == compute.ModeRaw {
			return emitSuccess(req, out, "ee55")
		}
		return emitFailure(req, out, fmt.Errorf("detect %s: %w", req.Path, compute.ErrUnsupportedFormat))
	}}
	orch, store := newHarness(t, svc)

	b, err := orch.Submit(context.Background(), digest.SHA256, []Item{
		{FileID: "image.aff4", Path: "/evidence/image.aff4"},
	})
	require.NoError(t, err)

	results := drain(t, b)
	res := results["image.aff4"]
	assert.Equal(t, StateVerified, res.State)
	assert.True(t, res.FellBack, "result should record the raw fallback")
	require.NotNil(t, res.Digest)
	assert.Equal(t, "ee55", res.Digest.Value)

	submits := svc.recorded()
	require.Len(t, submits, 2)
	assert.NotEqual(t, compute.ModeRaw, submits[0].Mode)
	assert.Equal(t, compute.ModeRaw, submits[1].Mode)

	// The fallback digest still went through reconciliation.
	assert.Equal(t, 1, store.Len("image.aff4"))
}

func TestFallbackHappensExactlyOnce(t *testing.T) {
	cause := fmt.Errorf("open: %w", compute.ErrUnsupportedFormat)
	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error {
		return emitFailure(req, out, cause)
	}}
	orch, _ := newHarness(t, svc)

	b, err := orch.Submit(context.Background(), digest.SHA256, []Item{
		{FileID: "image.aff4", Path: "/evidence/image.aff4"},
	})
	require.NoError(t, err)

	results := drain(t, b)
	res := results["image.aff4"]
	assert.Equal(t, StateFailed, res.State)
	assert.True(t, res.FellBack)
	assert.ErrorIs(t, res.Err, compute.ErrUnsupportedFormat)

	// One container attempt plus one raw retry, never a third.
	assert.Len(t, svc.recorded(), 2)
}

func TestRawSubmissionNeverFallsBack(t *testing.T) {
	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error {
		return emitFailure(req, out, compute.ErrUnsupportedFormat)
	}}
	orch, _ := newHarness(t, svc)

	b, err := orch.Submit(context.Background(), digest.SHA256, []Item{
		{FileID: "blob", Path: "/evidence/blob", Mode: compute.ModeRaw},
	})
	require.NoError(t, err)

	results := drain(t, b)
	assert.Equal(t, StateFailed, results["blob"].State)
	assert.False(t, results["blob"].FellBack)
	assert.Len(t, svc.recorded(), 1)
}

// ============================================================
// Supersession
// ============================================================

func TestNewBatchSupersedesPrevious(t *testing.T) {
	release := make(chan struct{})
	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error {
		out <- compute.Event{FileID: req.FileID, Kind: compute.EventStarted}
		go func() {
			if req.FileID == "slow.dd" {
				<-release
			}
			out <- compute.Event{
				FileID:  req.FileID,
				Kind:    compute.EventCompleted,
				Percent: 100,
				Digest:  digest.New(req.Algorithm, "ff66"),
			}
		}()
		return nil
	}}
	orch, store := newHarness(t, svc)
	ctx := context.Background()

	first, err := orch.Submit(ctx, digest.SHA256, []Item{{FileID: "slow.dd", Path: "/e/slow.dd"}})
	require.NoError(t, err)
	assert.False(t, first.Superseded())

	second, err := orch.Submit(ctx, digest.SHA256, []Item{{FileID: "fast.dd", Path: "/e/fast.dd"}})
	require.NoError(t, err)

	assert.True(t, first.Superseded(), "prior batch must be flagged once replaced")
	assert.False(t, second.Superseded())
	assert.Same(t, second, orch.Current())

	require.NoError(t, second.Wait(ctx))

	// The superseded batch is still draining; its late completion must
	// land in history like any other.
	assert.Zero(t, store.Len("slow.dd"))
	close(release)
	require.NoError(t, first.Wait(ctx))
	assert.Equal(t, 1, store.Len("slow.dd"))

	res := drain(t, first)
	assert.Equal(t, StateVerified, res["slow.dd"].State)
}

// ============================================================
// Cancellation
// ============================================================

func TestCancellationFailsPendingFiles(t *testing.T) {
	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error {
		// Start and then never complete.
		out <- compute.Event{FileID: req.FileID, Kind: compute.EventStarted}
		return nil
	}}
	orch, _ := newHarness(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	b, err := orch.Submit(ctx, digest.SHA256, []Item{
		{FileID: "stuck-1", Path: "/e/stuck-1"},
		{FileID: "stuck-2", Path: "/e/stuck-2"},
	})
	require.NoError(t, err)

	cancel()

	results := drain(t, b)
	require.Len(t, results, 2)
	for id, res := range results {
		assert.Equal(t, StateFailed, res.State, "file %s", id)
		assert.ErrorIs(t, res.Err, context.Canceled)
	}

	require.NoError(t, b.Wait(context.Background()))
}

// ============================================================
// Status snapshots
// ============================================================

func TestStatusSnapshotIsolation(t *testing.T) {
	svc := &stubService{run: func(req compute.Request, out chan<- compute.Event) error {
		return emitSuccess(req, out, "0099")
	}}
	orch, _ := newHarness(t, svc)

	b, err := orch.Submit(context.Background(), digest.SHA256, []Item{
		{FileID: "a.dd", Path: "/e/a.dd"},
	})
	require.NoError(t, err)
	require.NoError(t, b.Wait(context.Background()))

	st := b.Status()
	require.Len(t, st, 1)
	require.NotNil(t, st[0].Digest)
	st[0].Digest.Value = "mutated"

	again, ok := b.File("a.dd")
	require.True(t, ok)
	assert.Equal(t, "0099", again.Digest.Value, "snapshots must not share digest storage")
}
