// Package engine wires the fixity pipeline into one façade.
//
// An Engine owns the provenance store, the reconciler, the compute
// service, and the batch orchestrator, and optionally persists history
// to a session database. The commands talk to this package only; the
// lower layers never see each other's wiring.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"fixity/internal/batch"
	"fixity/internal/compute"
	"fixity/internal/container"
	"fixity/internal/digest"
	"fixity/internal/logging"
	"fixity/internal/metadata"
	"fixity/internal/metrics"
	"fixity/internal/provenance"
	"fixity/internal/reconcile"
	"fixity/internal/segment"
	"fixity/internal/session"
)

// ErrNoSession is returned by persistence operations when the engine
// was built without a session database.
var ErrNoSession = errors.New("engine: no session store configured")

// Engine is the verification pipeline façade.
type Engine struct {
	svc   compute.Service
	store *provenance.Store
	rec   *reconcile.Reconciler
	orch  *batch.Orchestrator
	sess  *session.Store
	log   *logging.Logger
	audit *logging.AuditLogger
	met   *metrics.EngineMetrics

	workers     int
	sessionPath string

	mu       sync.RWMutex
	attached map[string][]metadata.Candidate
	paths    map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithComputeService replaces the default local hashing service.
func WithComputeService(svc compute.Service) Option {
	return func(e *Engine) { e.svc = svc }
}

// WithWorkers bounds concurrent hashing when the default local service
// is used.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithSessionPath persists history to a session database at path.
func WithSessionPath(path string) Option {
	return func(e *Engine) { e.sessionPath = path }
}

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithAudit sets the chain-of-custody audit logger.
func WithAudit(a *logging.AuditLogger) Option {
	return func(e *Engine) { e.audit = a }
}

// WithMetrics sets the engine metrics bundle.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(e *Engine) { e.met = m }
}

// New builds an Engine. With a session path configured, previously
// saved history is loaded before the engine accepts work.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		attached: make(map[string][]metadata.Candidate),
		paths:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.Default()
	}
	if e.svc == nil {
		e.svc = compute.NewLocal(e.workers)
	}

	e.store = provenance.NewStore()
	rec, err := reconcile.New(e.store)
	if err != nil {
		return nil, err
	}
	e.rec = rec

	if e.sessionPath != "" {
		sess, err := session.Open(e.sessionPath)
		if err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}
		e.sess = sess
		if err := e.loadSession(); err != nil {
			sess.Close()
			return nil, err
		}
	}

	orchOpts := []batch.Option{batch.WithLogger(e.log)}
	if e.met != nil {
		orchOpts = append(orchOpts, batch.WithMetrics(e.met))
	}
	if e.audit != nil {
		orchOpts = append(orchOpts, batch.WithAudit(e.audit))
	}
	orch, err := batch.New(e.svc, e.rec, orchOpts...)
	if err != nil {
		return nil, err
	}
	e.orch = orch

	return e, nil
}

// loadSession seeds the provenance store from the session database.
func (e *Engine) loadSession() error {
	histories, err := e.sess.LoadAll()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	for fileID, records := range histories {
		for _, rec := range records {
			if err := e.store.Append(fileID, rec); err != nil {
				return fmt.Errorf("restore history for %s: %w", fileID, err)
			}
		}
	}

	files, err := e.sess.Files()
	if err != nil {
		return fmt.Errorf("load session files: %w", err)
	}
	e.mu.Lock()
	for _, f := range files {
		if f.Path != "" {
			e.paths[f.ID] = f.Path
		}
	}
	e.mu.Unlock()

	if len(histories) > 0 {
		e.log.Info("session restored", "files", len(histories))
	}
	return nil
}

// candidatesFor gathers every stored hash assertion known for a file:
// sidecars discovered next to the container plus metadata attached
// through AttachMetadata. Sidecar read errors are logged and skipped;
// a broken companion log must not block verification.
func (e *Engine) candidatesFor(fileID, path string) []metadata.Candidate {
	sources, err := container.CollectSources(path)
	if err != nil {
		e.log.Warn("sidecar read failed", "file_id", fileID, "error", err)
	}
	cands := metadata.Collect(sources...)

	e.mu.RLock()
	cands = append(cands, e.attached[fileID]...)
	e.mu.RUnlock()
	return cands
}

func (e *Engine) rememberPath(fileID, path string) {
	e.mu.Lock()
	e.paths[fileID] = path
	e.mu.Unlock()
}

// SubmitBatch starts verification of the given container paths with
// one algorithm. File IDs are the container base names. The returned
// batch streams per-file results as they reconcile.
func (e *Engine) SubmitBatch(ctx context.Context, algorithm digest.Algorithm, paths []string) (*batch.Batch, error) {
	items := make([]batch.Item, 0, len(paths))
	for _, p := range paths {
		fileID := filepath.Base(p)
		items = append(items, batch.Item{
			FileID:     fileID,
			Path:       p,
			Candidates: e.candidatesFor(fileID, p),
		})
	}

	b, err := e.orch.Submit(ctx, algorithm, items)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		e.rememberPath(filepath.Base(p), p)
	}
	return b, nil
}

// VerifyFile hashes and reconciles a single container, blocking until
// its verdict is in.
func (e *Engine) VerifyFile(ctx context.Context, path string, algorithm digest.Algorithm) (batch.FileResult, error) {
	b, err := e.SubmitBatch(ctx, algorithm, []string{path})
	if err != nil {
		return batch.FileResult{}, err
	}

	res, ok := <-b.Results()
	if !ok {
		return batch.FileResult{}, fmt.Errorf("verify %s: batch closed without result", path)
	}
	if err := b.Wait(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// VerifySegments verifies a segmented container one segment at a time,
// reporting per-segment verdicts. Single-file containers degrade to a
// one-segment run.
func (e *Engine) VerifySegments(ctx context.Context, path string, algorithm digest.Algorithm, progress func(segment.Progress)) ([]segment.Result, segment.Summary, error) {
	segs := []string{path}
	if container.Detect(path).Segmented() {
		var err error
		segs, err = container.Segments(path)
		if err != nil {
			return nil, segment.Summary{}, err
		}
	}

	fileID := filepath.Base(path)
	verifier := segment.NewVerifier(e.svc, e.rec)
	results, summary, err := verifier.Verify(ctx, fileID, algorithm, segs, e.candidatesFor(fileID, path), progress)
	e.rememberPath(fileID, path)
	return results, summary, err
}

// AttachMetadata records stored hash assertions against a file. Each
// assertion is appended to history with a stored origin, and all of
// them feed candidate selection for later verifications. Returns the
// number of assertions attached.
func (e *Engine) AttachMetadata(ctx context.Context, fileID string, sources ...metadata.Source) (int, error) {
	if fileID == "" {
		return 0, provenance.ErrEmptyFileID
	}

	cands := metadata.Collect(sources...)
	if len(cands) == 0 {
		return 0, nil
	}

	for _, cand := range cands {
		if err := e.rec.RecordAssertion(fileID, cand); err != nil {
			return 0, err
		}
	}

	e.mu.Lock()
	e.attached[fileID] = append(e.attached[fileID], cands...)
	e.mu.Unlock()

	if e.audit != nil {
		for _, src := range sources {
			if len(src.Entries) > 0 {
				e.audit.LogMetadataAttached(ctx, fileID, string(src.Origin), len(src.Entries))
			}
		}
	}
	e.log.Info("metadata attached", "file_id", fileID, "assertions", len(cands))
	return len(cands), nil
}

// AttachSidecars discovers sidecar metadata next to a container and
// attaches it to the file.
func (e *Engine) AttachSidecars(ctx context.Context, fileID, path string) (int, error) {
	sources, err := container.CollectSources(path)
	if len(sources) == 0 && err != nil {
		return 0, err
	}
	n, attachErr := e.AttachMetadata(ctx, fileID, sources...)
	return n, errors.Join(err, attachErr)
}

// Candidates returns the ranked stored hash assertions for a
// container, best first.
func (e *Engine) Candidates(path string, algorithm digest.Algorithm) []metadata.Candidate {
	fileID := filepath.Base(path)
	return metadata.Rank(e.candidatesFor(fileID, path), algorithm, fileID)
}

// History returns the append-only hash history of a file.
func (e *Engine) History(fileID string) []digest.HashRecord {
	return e.store.History(fileID)
}

// Latest returns the most recent history record of a file.
func (e *Engine) Latest(fileID string) (digest.HashRecord, bool) {
	return e.store.Latest(fileID)
}

// Files lists every file with history, sorted.
func (e *Engine) Files() []string {
	return e.store.Files()
}

// CurrentBatch returns the live batch, or nil.
func (e *Engine) CurrentBatch() *batch.Batch {
	return e.orch.Current()
}

// ExportHistory writes the full history of every file as a portable
// JSON document. dest names the destination for the audit trail only.
func (e *Engine) ExportHistory(ctx context.Context, w io.Writer, dest string) (int, error) {
	files := e.store.Files()
	histories := make(map[string][]digest.HashRecord, len(files))
	for _, id := range files {
		histories[id] = e.store.History(id)
	}

	if err := session.Export(w, histories); err != nil {
		return 0, err
	}

	if e.met != nil {
		e.met.RecordExport()
	}
	if e.audit != nil {
		e.audit.LogExport(ctx, dest, len(histories))
	}
	e.log.Info("history exported", "files", len(histories), "dest", dest)
	return len(histories), nil
}

// ImportHistory merges a previously exported document into the live
// history. The document is validated in full before anything is
// appended; an invalid document leaves history untouched. Imported
// records keep their timestamps and verification marks but carry the
// imported origin. Returns the number of records imported.
func (e *Engine) ImportHistory(ctx context.Context, r io.Reader, src string) (int, error) {
	histories, err := session.Import(r)
	if err != nil {
		return 0, err
	}

	count := 0
	for fileID, records := range histories {
		for _, rec := range records {
			if err := e.store.Append(fileID, rec); err != nil {
				return count, fmt.Errorf("append imported record for %s: %w", fileID, err)
			}
			count++
		}
	}

	if e.met != nil {
		e.met.RecordImport()
	}
	if e.audit != nil {
		e.audit.LogImport(ctx, src, count)
	}
	e.log.Info("history imported", "files", len(histories), "records", count, "src", src)
	return count, nil
}

// SaveSession writes every file's history to the session database.
func (e *Engine) SaveSession() error {
	if e.sess == nil {
		return ErrNoSession
	}

	for _, fileID := range e.store.Files() {
		e.mu.RLock()
		path := e.paths[fileID]
		e.mu.RUnlock()
		if err := e.sess.SaveHistory(fileID, path, e.store.History(fileID)); err != nil {
			return fmt.Errorf("save history for %s: %w", fileID, err)
		}
	}
	return nil
}

// PingSession verifies the session database is reachable. Without a
// session store it reports ErrNoSession.
func (e *Engine) PingSession(ctx context.Context) error {
	if e.sess == nil {
		return ErrNoSession
	}
	return e.sess.Ping(ctx)
}

// Close persists the session, when one is configured, and releases it.
func (e *Engine) Close() error {
	if e.sess == nil {
		return nil
	}

	var errs []error
	if err := e.SaveSession(); err != nil {
		errs = append(errs, err)
	}
	if err := e.sess.Close(); err != nil {
		errs = append(errs, err)
	}
	e.sess = nil
	return errors.Join(errs...)
}
