// Package batch runs hash verification over groups of evidence files.
//
// A batch is submitted with one algorithm and a set of files. Each file
// moves through pending, hashing, and then verified or failed. Digests
// are reconciled against stored references the moment they complete,
// never deferred to the end of the batch, so a mismatch on the first
// file is visible while the rest are still hashing.
//
// Submitting a new batch supersedes the previous one. A superseded
// batch keeps draining: its in-flight computations still finish and
// still append to provenance history, it is only excluded from live
// status.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"fixity/internal/compute"
	"fixity/internal/digest"
	"fixity/internal/logging"
	"fixity/internal/metadata"
	"fixity/internal/metrics"
	"fixity/internal/reconcile"
)

// State is the lifecycle state of one file within a batch.
type State string

const (
	StatePending  State = "pending"
	StateHashing  State = "hashing"
	StateVerified State = "verified"
	StateFailed   State = "failed"
)

var (
	// ErrNoItems is returned when a batch is submitted without files.
	ErrNoItems = errors.New("batch: no items")
	// ErrNoService is returned when the orchestrator is built without a
	// compute service or reconciler.
	ErrNoService = errors.New("batch: nil compute service or reconciler")
)

// Item is one file of a batch submission.
type Item struct {
	// FileID keys provenance history and tags every event.
	FileID string
	// Path is the container file on disk.
	Path string
	// Filename narrows stored hash candidates during reconciliation.
	// Defaults to the base name of Path.
	Filename string
	// Mode selects container-aware or raw hashing. Defaults to
	// container-aware.
	Mode compute.Mode
	// Segments optionally names an already resolved segment set.
	Segments []string
	// Candidates are the stored hash assertions collected for this file.
	Candidates []metadata.Candidate
}

// FileStatus is a point-in-time view of one file in a batch.
type FileStatus struct {
	FileID     string
	Path       string
	State      State
	Percent    float64
	SubPercent *float64
	Digest     *digest.Digest
	Outcome    reconcile.Outcome
	Reference  *digest.Digest
	VerifiedAt time.Time
	FellBack   bool
	Err        error
	UpdatedAt  time.Time
}

// FileResult is the terminal report for one file, delivered on the
// batch's Results channel exactly once per file.
type FileResult struct {
	FileID     string
	State      State
	Digest     *digest.Digest
	Outcome    reconcile.Outcome
	Reference  *digest.Digest
	VerifiedAt time.Time
	FellBack   bool
	Err        error
}

// fileState is the orchestrator's mutable record for one file.
type fileState struct {
	FileStatus
	item      Item
	startedAt time.Time
	terminal  bool
}

// Batch tracks one submission.
type Batch struct {
	id        string
	algorithm digest.Algorithm
	started   time.Time

	mu         sync.RWMutex
	order      []string
	files      map[string]*fileState
	superseded bool

	results chan FileResult
	done    chan struct{}
}

// ID returns the batch identifier.
func (b *Batch) ID() string { return b.id }

// Algorithm returns the digest algorithm the batch was submitted with.
func (b *Batch) Algorithm() digest.Algorithm { return b.algorithm }

// Superseded reports whether a newer batch has replaced this one.
func (b *Batch) Superseded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.superseded
}

func (b *Batch) markSuperseded() {
	b.mu.Lock()
	b.superseded = true
	b.mu.Unlock()
}

// Results returns the stream of terminal per-file results. The channel
// is closed once every file has finished.
func (b *Batch) Results() <-chan FileResult { return b.results }

// Done returns a channel closed when the batch has fully drained.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch drains or the context is cancelled.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of every file in submission order.
func (b *Batch) Status() []FileStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]FileStatus, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.files[id].snapshot())
	}
	return out
}

// File returns the status of a single file.
func (b *Batch) File(fileID string) (FileStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	fs, ok := b.files[fileID]
	if !ok {
		return FileStatus{}, false
	}
	return fs.snapshot(), true
}

// Counts tallies file states.
type Counts struct {
	Pending  int
	Hashing  int
	Verified int
	Failed   int
}

// Counts returns the current state tallies.
func (b *Batch) Counts() Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var c Counts
	for _, fs := range b.files {
		switch fs.State {
		case StateHashing:
			c.Hashing++
		case StateVerified:
			c.Verified++
		case StateFailed:
			c.Failed++
		default:
			c.Pending++
		}
	}
	return c
}

func (fs *fileState) snapshot() FileStatus {
	out := fs.FileStatus
	if fs.Digest != nil {
		d := *fs.Digest
		out.Digest = &d
	}
	if fs.Reference != nil {
		d := *fs.Reference
		out.Reference = &d
	}
	if fs.SubPercent != nil {
		p := *fs.SubPercent
		out.SubPercent = &p
	}
	return out
}

func (fs *fileState) result() FileResult {
	return FileResult{
		FileID:     fs.FileID,
		State:      fs.State,
		Digest:     fs.Digest,
		Outcome:    fs.Outcome,
		Reference:  fs.Reference,
		VerifiedAt: fs.VerifiedAt,
		FellBack:   fs.FellBack,
		Err:        fs.Err,
	}
}

// Orchestrator submits batches and drives their event streams.
type Orchestrator struct {
	svc   compute.Service
	rec   *reconcile.Reconciler
	log   *logging.Logger
	audit *logging.AuditLogger
	met   *metrics.EngineMetrics

	mu      sync.Mutex
	current *Batch
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithAudit sets the chain-of-custody audit logger.
func WithAudit(a *logging.AuditLogger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithMetrics sets the engine metrics bundle.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(o *Orchestrator) { o.met = m }
}

// New creates an Orchestrator hashing through svc and reconciling
// through rec.
func New(svc compute.Service, rec *reconcile.Reconciler, opts ...Option) (*Orchestrator, error) {
	if svc == nil || rec == nil {
		return nil, ErrNoService
	}

	o := &Orchestrator{svc: svc, rec: rec}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logging.Default()
	}
	return o, nil
}

// Current returns the most recently submitted batch, or nil.
func (o *Orchestrator) Current() *Batch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Submit starts hashing every item with the given algorithm and
// returns the running batch. The previous batch, if any, is marked
// superseded but keeps draining. Per-file failures do not fail the
// batch; they surface as failed results while the other files proceed.
func (o *Orchestrator) Submit(ctx context.Context, algorithm digest.Algorithm, items []Item) (*Batch, error) {
	alg := algorithm.Normalize()
	if !alg.Known() {
		return nil, fmt.Errorf("%w: %s", compute.ErrUnknownAlgorithm, algorithm)
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	b := &Batch{
		id:        uuid.NewString(),
		algorithm: alg,
		started:   time.Now(),
		files:     make(map[string]*fileState, len(items)),
		order:     make([]string, 0, len(items)),
		results:   make(chan FileResult, len(items)),
		done:      make(chan struct{}),
	}

	for _, item := range items {
		if item.FileID == "" {
			return nil, fmt.Errorf("%w: item with empty file id", compute.ErrBadRequest)
		}
		if _, dup := b.files[item.FileID]; dup {
			return nil, fmt.Errorf("%w: duplicate file id %q", compute.ErrBadRequest, item.FileID)
		}
		if item.Filename == "" {
			item.Filename = filepath.Base(item.Path)
		}
		if item.Mode == "" {
			item.Mode = compute.ModeContainer
		}
		b.files[item.FileID] = &fileState{
			FileStatus: FileStatus{
				FileID:    item.FileID,
				Path:      item.Path,
				State:     StatePending,
				UpdatedAt: time.Now(),
			},
			item: item,
		}
		b.order = append(b.order, item.FileID)
	}

	o.mu.Lock()
	if o.current != nil {
		o.current.markSuperseded()
	}
	o.current = b
	o.mu.Unlock()

	if o.met != nil {
		o.met.BatchStarted()
	}
	log := o.log.WithBatch(b.id)
	log.Info("batch submitted", "algorithm", string(alg), "files", len(items))
	if o.audit != nil {
		o.audit.LogBatchSubmitted(ctx, b.id, string(alg), len(items))
	}

	// The consumer starts before any submission so event sends can
	// never block without a reader.
	events := make(chan compute.Event, len(items)*4)
	go o.consume(ctx, b, events)

	for _, id := range b.order {
		fs := b.files[id]
		req := compute.Request{
			FileID:    id,
			Path:      fs.item.Path,
			Algorithm: alg,
			Mode:      fs.item.Mode,
			Segments:  fs.item.Segments,
		}
		if err := o.svc.Submit(ctx, req, events); err != nil {
			// Route the rejection through the event stream so the
			// consumer owns every terminal transition.
			events <- compute.Event{FileID: id, Kind: compute.EventError, Err: err}
		}
	}

	return b, nil
}

// consume drains one batch's event stream until every file is terminal.
func (o *Orchestrator) consume(ctx context.Context, b *Batch, events chan compute.Event) {
	defer close(b.done)
	defer close(b.results)

	log := o.log.WithBatch(b.id)
	remaining := len(b.files)

	for remaining > 0 {
		select {
		case <-ctx.Done():
			o.failPending(ctx, b, ctx.Err())
			remaining = 0
		case ev := <-events:
			remaining -= o.handle(ctx, b, ev, events)
		}
	}

	elapsed := time.Since(b.started)
	if o.met != nil {
		o.met.BatchFinished(elapsed)
	}
	counts := b.Counts()
	log.Info("batch completed",
		"verified", counts.Verified,
		"failed", counts.Failed,
		"elapsed", elapsed,
	)
	if o.audit != nil {
		o.audit.LogBatchCompleted(ctx, b.id, map[string]any{
			"verified": counts.Verified,
			"failed":   counts.Failed,
			"elapsed":  elapsed.String(),
		})
	}
}

// handle applies one event and returns 1 when it made a file terminal.
func (o *Orchestrator) handle(ctx context.Context, b *Batch, ev compute.Event, events chan compute.Event) int {
	b.mu.Lock()
	fs, ok := b.files[ev.FileID]
	if !ok || fs.terminal {
		b.mu.Unlock()
		return 0
	}

	switch ev.Kind {
	case compute.EventStarted:
		// A raw-fallback retry emits a second started event; the active
		// gauge only counts the first.
		first := fs.startedAt.IsZero()
		fs.State = StateHashing
		fs.startedAt = time.Now()
		fs.UpdatedAt = time.Now()
		b.mu.Unlock()
		if o.met != nil && first {
			o.met.FileStarted()
		}
		return 0

	case compute.EventProgress:
		fs.Percent = ev.Percent
		fs.SubPercent = ev.SubPercent
		fs.UpdatedAt = time.Now()
		b.mu.Unlock()
		return 0

	case compute.EventCompleted:
		item := fs.item
		started := fs.startedAt
		b.mu.Unlock()
		o.completeFile(ctx, b, fs, item, started, ev)
		return 1

	case compute.EventError:
		// An unsupported container gets exactly one retry as a plain
		// byte stream before the failure is final.
		if !fs.FellBack && fs.item.Mode != compute.ModeRaw && errors.Is(ev.Err, compute.ErrUnsupportedFormat) {
			fs.FellBack = true
			fs.State = StatePending
			fs.Percent = 0
			fs.SubPercent = nil
			fs.UpdatedAt = time.Now()
			req := compute.Request{
				FileID:    fs.FileID,
				Path:      fs.item.Path,
				Algorithm: b.algorithm,
				Mode:      compute.ModeRaw,
			}
			b.mu.Unlock()

			if o.met != nil {
				o.met.RecordFallback()
			}
			o.log.WithBatch(b.id).Warn("container unsupported, retrying as raw stream",
				"file_id", fs.FileID, "error", ev.Err)

			if err := o.svc.Submit(ctx, req, events); err != nil {
				return o.failFile(ctx, b, fs, err)
			}
			return 0
		}
		b.mu.Unlock()
		return o.failFile(ctx, b, fs, ev.Err)
	}

	b.mu.Unlock()
	return 0
}

// completeFile reconciles a finished digest and publishes the result.
func (o *Orchestrator) completeFile(ctx context.Context, b *Batch, fs *fileState, item Item, started time.Time, ev compute.Event) {
	res, err := o.rec.Reconcile(reconcile.Request{
		FileID:     item.FileID,
		Filename:   item.Filename,
		Digest:     ev.Digest,
		Candidates: item.Candidates,
	})
	if err != nil {
		o.failFile(ctx, b, fs, err)
		return
	}

	b.mu.Lock()
	d := ev.Digest
	fs.terminal = true
	fs.State = StateVerified
	fs.Percent = 100
	fs.SubPercent = nil
	fs.Digest = &d
	fs.Outcome = res.Outcome
	fs.Reference = res.Reference
	fs.VerifiedAt = res.VerifiedAt
	fs.UpdatedAt = time.Now()
	result := fs.result()
	b.mu.Unlock()

	if o.met != nil {
		var size int64
		if info, err := os.Stat(item.Path); err == nil {
			size = info.Size()
		}
		elapsed := time.Duration(0)
		if !started.IsZero() {
			elapsed = time.Since(started)
		}
		o.met.FileHashed(size, elapsed)
		o.met.RecordOutcome(string(res.Outcome))
	}
	o.log.WithBatch(b.id).Info("file verified",
		"file_id", item.FileID,
		"algorithm", string(ev.Digest.Algorithm),
		"outcome", string(res.Outcome),
	)
	if o.audit != nil {
		details := map[string]any{"digest": ev.Digest.String()}
		if res.Reference != nil {
			details["reference"] = res.Reference.String()
		}
		o.audit.LogVerification(ctx, item.FileID, string(res.Outcome), details)
	}

	b.results <- result
}

// failFile marks a file terminally failed and publishes the result.
func (o *Orchestrator) failFile(ctx context.Context, b *Batch, fs *fileState, cause error) int {
	b.mu.Lock()
	if fs.terminal {
		b.mu.Unlock()
		return 0
	}
	fs.terminal = true
	fs.State = StateFailed
	fs.Err = cause
	fs.UpdatedAt = time.Now()
	started := !fs.startedAt.IsZero()
	result := fs.result()
	b.mu.Unlock()

	if o.met != nil {
		if started {
			o.met.FileFailed()
		} else {
			// Rejected before hashing began; it never counted as active.
			o.met.FailuresTotal.Inc()
		}
	}
	o.log.WithBatch(b.id).Error("file failed", "file_id", fs.FileID, "error", cause)
	if o.audit != nil {
		o.audit.LogHashFailure(ctx, fs.FileID, cause)
	}

	b.results <- result
	return 1
}

// failPending fails every non-terminal file, used on cancellation.
func (o *Orchestrator) failPending(ctx context.Context, b *Batch, cause error) {
	b.mu.Lock()
	var stuck []*fileState
	for _, id := range b.order {
		if fs := b.files[id]; !fs.terminal {
			stuck = append(stuck, fs)
		}
	}
	b.mu.Unlock()

	for _, fs := range stuck {
		o.failFile(ctx, b, fs, cause)
	}
}
