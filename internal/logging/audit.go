package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventBatchSubmitted   AuditEventType = "batch_submitted"
	AuditEventBatchCompleted   AuditEventType = "batch_completed"
	AuditEventVerification     AuditEventType = "verification"
	AuditEventHashFailure      AuditEventType = "hash_failure"
	AuditEventMetadataAttached AuditEventType = "metadata_attached"
	AuditEventExport           AuditEventType = "export"
	AuditEventImport           AuditEventType = "import"
	AuditEventConfigChange     AuditEventType = "config_change"
	AuditEventStartup          AuditEventType = "startup"
	AuditEventShutdown         AuditEventType = "shutdown"
	AuditEventError            AuditEventType = "error"
)

// AuditEvent is one entry in the chain-of-custody trail. Every
// verification verdict, import, and export lands here so an examiner
// can reconstruct what the tool did and when.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Component  string         `json:"component"`
	CaseID     string         `json:"case_id,omitempty"`
	BatchID    string         `json:"batch_id,omitempty"`
	FileID     string         `json:"file_id,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	Result     string         `json:"result"` // "success" or "failure"
	Outcome    string         `json:"outcome,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	SourceFile string         `json:"source_file,omitempty"`
	SourceLine int            `json:"source_line,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string

	// Examiner identifies who is running the tool, when known.
	Examiner string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50, // 50 MB
		MaxAge:     90, // 90 days
		MaxBackups: 10,
		Compress:   true,
		Component:  "fixity",
	}
}

// defaultAuditLogPath returns the platform-specific default audit log path.
func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "fixity", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "fixity", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "fixity", "audit.log")
	}
}

// AuditLogger writes chain-of-custody events as JSON lines.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	mu      sync.Mutex
	caseID  string
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			defaultAuditLogger = &AuditLogger{config: DefaultAuditConfig()}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
	}, nil
}

// SetCaseID sets the case identifier stamped on subsequent events.
func (a *AuditLogger) SetCaseID(caseID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caseID = caseID
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.CaseID == "" {
		event.CaseID = a.caseID
	}
	if event.BatchID == "" {
		event.BatchID = BatchIDFromContext(ctx)
	}
	if a.config.Examiner != "" {
		if event.Details == nil {
			event.Details = make(map[string]any)
		}
		if _, ok := event.Details["examiner"]; !ok {
			event.Details["examiner"] = a.config.Examiner
		}
	}

	if event.SourceFile == "" {
		if _, file, line, ok := runtime.Caller(1); ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	if a.rotator == nil {
		// Fallback logger without a file; drop to stderr.
		fmt.Fprintln(os.Stderr, string(data))
		return nil
	}

	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogBatchSubmitted records a batch submission.
func (a *AuditLogger) LogBatchSubmitted(ctx context.Context, batchID, algorithm string, files int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventBatchSubmitted,
		Action:    "batch_submitted",
		Result:    "success",
		BatchID:   batchID,
		Details: map[string]any{
			"algorithm": algorithm,
			"files":     files,
		},
	})
}

// LogBatchCompleted records a batch finishing with its outcome tallies.
func (a *AuditLogger) LogBatchCompleted(ctx context.Context, batchID string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventBatchCompleted,
		Action:    "batch_completed",
		Result:    "success",
		BatchID:   batchID,
		Details:   details,
	})
}

// LogVerification records a per-file verification verdict. The event
// result stays "success" even for a mismatch: the operation ran, the
// verdict is carried in Outcome.
func (a *AuditLogger) LogVerification(ctx context.Context, fileID, outcome string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventVerification,
		Action:    "digest_verified",
		Result:    "success",
		Outcome:   outcome,
		FileID:    fileID,
		Details:   details,
	})
}

// LogHashFailure records a file whose digest could not be computed.
func (a *AuditLogger) LogHashFailure(ctx context.Context, fileID string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventHashFailure,
		Action:    "digest_computed",
		Result:    "failure",
		FileID:    fileID,
		Error:     err.Error(),
	})
}

// LogMetadataAttached records stored hashes attached to a file.
func (a *AuditLogger) LogMetadataAttached(ctx context.Context, fileID, origin string, count int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventMetadataAttached,
		Action:    "metadata_attached",
		Result:    "success",
		FileID:    fileID,
		Details: map[string]any{
			"origin": origin,
			"count":  count,
		},
	})
}

// LogExport records a history export.
func (a *AuditLogger) LogExport(ctx context.Context, outputPath string, files int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventExport,
		Action:    "history_exported",
		Resource:  outputPath,
		Result:    "success",
		Details: map[string]any{
			"files": files,
		},
	})
}

// LogImport records a history import.
func (a *AuditLogger) LogImport(ctx context.Context, inputPath string, records int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventImport,
		Action:    "history_imported",
		Resource:  inputPath,
		Result:    "success",
		Details: map[string]any{
			"records": records,
		},
	})
}

// LogConfigChange records a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]any{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogError records a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup records a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown records a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Convenience functions for the default audit logger.

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}

// AuditVerification logs a verification verdict using the default
// audit logger.
func AuditVerification(ctx context.Context, fileID, outcome string, details map[string]any) error {
	return DefaultAuditLogger().LogVerification(ctx, fileID, outcome, details)
}

// AuditError logs a failed operation using the default audit logger.
func AuditError(ctx context.Context, operation string, err error, details map[string]any) error {
	return DefaultAuditLogger().LogError(ctx, operation, err, details)
}
