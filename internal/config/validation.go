// Package config handles configuration loading, validation, and management for fixity.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"fixity/internal/digest"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateEngine(&c.Engine)...)
	errs = append(errs, validateIntake(&c.Intake)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateAudit(&c.Audit)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateEngine(e *EngineConfig) ValidationErrors {
	var errs ValidationErrors

	if !digest.Algorithm(e.Algorithm).Known() {
		errs = append(errs, ValidationError{
			Field:   "engine.algorithm",
			Message: fmt.Sprintf("unknown algorithm: %s (valid: md5, sha1, sha256, sha512, sha3-256, blake2b, blake3)", e.Algorithm),
		})
	}

	if e.Workers < 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.workers",
			Message: "workers cannot be negative (0 means one per CPU)",
		})
	}
	if e.Workers > 256 {
		errs = append(errs, ValidationError{
			Field:   "engine.workers",
			Message: "workers cannot exceed 256",
		})
	}

	if e.ProgressIntervalMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.progress_interval_mb",
			Message: "progress interval must be at least 1MB",
		})
	}

	return errs
}

func validateIntake(i *IntakeConfig) ValidationErrors {
	var errs ValidationErrors

	for idx, path := range i.Paths {
		if expandPath(path) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("intake.paths[%d]", idx),
				Message: "path cannot be empty",
			})
		}
	}

	if i.DebounceMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "intake.debounce_ms",
			Message: "debounce must be at least 100ms",
		})
	}
	if i.DebounceMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "intake.debounce_ms",
			Message: "debounce cannot exceed 60000ms (1 minute)",
		})
	}

	if i.MinStableSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "intake.min_stable_secs",
			Message: "stability window cannot be negative",
		})
	}

	if i.MaxFileSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "intake.max_file_size",
			Message: "max file size cannot be negative",
		})
	}

	for idx, ext := range i.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("intake.extensions[%d]", idx),
				Message: fmt.Sprintf("extension must start with a dot: %s", ext),
			})
		}
	}

	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors

	if s.DatabasePath == "" {
		errs = append(errs, ValidationError{
			Field:   "session.database_path",
			Message: "database path is required",
		})
		return errs
	}

	// Parent directory must exist or be creatable; an existing non-dir
	// parent is a configuration mistake worth failing early on.
	dir := filepath.Dir(expandPath(s.DatabasePath))
	if dir != "" && dir != "." {
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			errs = append(errs, ValidationError{
				Field:   "session.database_path",
				Message: fmt.Sprintf("parent %s exists and is not a directory", dir),
			})
		}
	}

	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	var errs ValidationErrors

	if a.Enabled && a.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "audit.path",
			Message: "audit path is required when audit is enabled",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if m.Enabled {
		if m.Listen == "" {
			errs = append(errs, ValidationError{
				Field:   "metrics.listen",
				Message: "listen address is required when metrics are enabled",
			})
		} else if _, _, err := net.SplitHostPort(m.Listen); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics.listen",
				Message: fmt.Sprintf("invalid listen address: %v", err),
			})
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.file_path",
			Message: "file path is required for file output",
		})
	}

	if l.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size cannot be negative",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}
