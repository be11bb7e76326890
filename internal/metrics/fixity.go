package metrics

import (
	"time"
)

// EngineMetrics holds the metrics the verification engine reports.
type EngineMetrics struct {
	registry *Registry

	// Counters
	FilesHashedTotal *Counter
	BytesHashedTotal *Counter
	BatchesTotal     *Counter
	MatchesTotal     *Counter
	MismatchesTotal  *Counter
	UnknownsTotal    *Counter
	FailuresTotal    *Counter
	FallbacksTotal   *Counter
	ExportsTotal     *Counter
	ImportsTotal     *Counter

	// Gauges
	ActiveFiles   *Gauge
	ActiveBatches *Gauge

	// Histograms
	FileHashDuration *Histogram
	BatchDuration    *Histogram
	FileSizeBytes    *Histogram
}

// NewEngineMetrics creates and registers all engine metrics. A nil
// registry selects the default one.
func NewEngineMetrics(registry *Registry) *EngineMetrics {
	if registry == nil {
		registry = Default()
	}

	return &EngineMetrics{
		registry: registry,

		FilesHashedTotal: registry.RegisterCounter(
			"files_hashed_total",
			"Total number of files hashed",
			nil,
		),
		BytesHashedTotal: registry.RegisterCounter(
			"bytes_hashed_total",
			"Total number of bytes hashed",
			nil,
		),
		BatchesTotal: registry.RegisterCounter(
			"batches_total",
			"Total number of batches submitted",
			nil,
		),
		MatchesTotal: registry.RegisterCounter(
			"matches_total",
			"Total number of verifications that matched a reference",
			nil,
		),
		MismatchesTotal: registry.RegisterCounter(
			"mismatches_total",
			"Total number of verifications that contradicted a reference",
			nil,
		),
		UnknownsTotal: registry.RegisterCounter(
			"unknowns_total",
			"Total number of verifications with no usable reference",
			nil,
		),
		FailuresTotal: registry.RegisterCounter(
			"failures_total",
			"Total number of files that failed to hash",
			nil,
		),
		FallbacksTotal: registry.RegisterCounter(
			"raw_fallbacks_total",
			"Total number of files retried as raw byte streams",
			nil,
		),
		ExportsTotal: registry.RegisterCounter(
			"exports_total",
			"Total number of history exports",
			nil,
		),
		ImportsTotal: registry.RegisterCounter(
			"imports_total",
			"Total number of history imports",
			nil,
		),

		ActiveFiles: registry.RegisterGauge(
			"active_files",
			"Number of files currently being hashed",
			nil,
		),
		ActiveBatches: registry.RegisterGauge(
			"active_batches",
			"Number of batches currently in flight",
			nil,
		),

		FileHashDuration: registry.RegisterHistogram(
			"file_hash_duration_seconds",
			"Time spent hashing a single file",
			nil,
			DurationBuckets,
		),
		BatchDuration: registry.RegisterHistogram(
			"batch_duration_seconds",
			"Time from batch submission to completion",
			nil,
			DurationBuckets,
		),
		FileSizeBytes: registry.RegisterHistogram(
			"file_size_bytes",
			"Size of hashed files in bytes",
			nil,
			SizeBuckets,
		),
	}
}

// FileStarted records that hashing of a file has begun.
func (m *EngineMetrics) FileStarted() {
	m.ActiveFiles.Inc()
}

// FileHashed records a completed hash of size bytes taking d.
func (m *EngineMetrics) FileHashed(size int64, d time.Duration) {
	m.ActiveFiles.Dec()
	m.FilesHashedTotal.Inc()
	if size > 0 {
		m.BytesHashedTotal.Add(uint64(size))
		m.FileSizeBytes.Observe(float64(size))
	}
	m.FileHashDuration.ObserveDuration(d)
}

// FileFailed records a file whose hashing failed.
func (m *EngineMetrics) FileFailed() {
	m.ActiveFiles.Dec()
	m.FailuresTotal.Inc()
}

// RecordFallback records a retry of an unsupported container as a raw
// byte stream.
func (m *EngineMetrics) RecordFallback() {
	m.FallbacksTotal.Inc()
}

// RecordOutcome records the verification verdict for a hashed file.
func (m *EngineMetrics) RecordOutcome(outcome string) {
	switch outcome {
	case "match":
		m.MatchesTotal.Inc()
	case "mismatch":
		m.MismatchesTotal.Inc()
	default:
		m.UnknownsTotal.Inc()
	}
}

// BatchStarted records a batch submission.
func (m *EngineMetrics) BatchStarted() {
	m.BatchesTotal.Inc()
	m.ActiveBatches.Inc()
}

// BatchFinished records a batch completing after d.
func (m *EngineMetrics) BatchFinished(d time.Duration) {
	m.ActiveBatches.Dec()
	m.BatchDuration.ObserveDuration(d)
}

// RecordExport records a history export.
func (m *EngineMetrics) RecordExport() {
	m.ExportsTotal.Inc()
}

// RecordImport records a history import.
func (m *EngineMetrics) RecordImport() {
	m.ImportsTotal.Inc()
}

// Snapshot returns the current value of the headline metrics.
func (m *EngineMetrics) Snapshot() map[string]any {
	return map[string]any{
		"files_hashed_total":  m.FilesHashedTotal.Value(),
		"bytes_hashed_total":  m.BytesHashedTotal.Value(),
		"batches_total":       m.BatchesTotal.Value(),
		"matches_total":       m.MatchesTotal.Value(),
		"mismatches_total":    m.MismatchesTotal.Value(),
		"unknowns_total":      m.UnknownsTotal.Value(),
		"failures_total":      m.FailuresTotal.Value(),
		"raw_fallbacks_total": m.FallbacksTotal.Value(),
		"active_files":        m.ActiveFiles.Value(),
		"active_batches":      m.ActiveBatches.Value(),
		"hash_mean_seconds":   m.FileHashDuration.Mean(),
		"batch_mean_seconds":  m.BatchDuration.Mean(),
	}
}

// Global engine metrics instance.
var defaultEngineMetrics *EngineMetrics

// GetMetrics returns the global engine metrics, creating them against
// the default registry on first use.
func GetMetrics() *EngineMetrics {
	if defaultEngineMetrics == nil {
		defaultEngineMetrics = NewEngineMetrics(Default())
	}
	return defaultEngineMetrics
}

// InitMetrics initializes the global engine metrics with a custom
// registry.
func InitMetrics(registry *Registry) *EngineMetrics {
	defaultEngineMetrics = NewEngineMetrics(registry)
	return defaultEngineMetrics
}
